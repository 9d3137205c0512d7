package tunnel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// maxPendingFrames caps the reorder buffer. A stream that exceeds it has
// either lost a predecessor frame for good or is being fed garbage, and is
// torn down.
const maxPendingFrames = 256

// ErrReorderOverflow is returned by Deliver when the reorder buffer cap is
// exceeded.
var ErrReorderOverflow = errors.New("reorder buffer overflow")

// Sequencer owns both sequence directions of one stream: gap-free
// reservation of outbound sequence numbers, and in-order reassembly of
// inbound frames that the transport may deliver reordered or more than
// once.
type Sequencer struct {
	mu      sync.Mutex
	sendSeq uint64
	recvSeq uint64
	pending map[uint64][]byte
}

func NewSequencer() *Sequencer {
	return &Sequencer{pending: make(map[uint64][]byte)}
}

// NextSendSeq reserves and returns the next outbound sequence number.
func (s *Sequencer) NextSendSeq() uint64 {
	s.mu.Lock()
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()
	return seq
}

// Deliver feeds one inbound frame through the reorder buffer. The sink is
// invoked, in sequence order, for the frame itself and for any buffered
// successors it unblocks. Frames below the expected sequence are replays
// and are discarded; frames above it are held (overwriting a duplicate).
//
// Deliver is serialized per stream by the dispatch loop; the sink may
// block on backpressure.
func (s *Sequencer) Deliver(ctx context.Context, seq uint64, payload []byte, sink func(context.Context, []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case seq == s.recvSeq:
		if err := sink(ctx, payload); err != nil {
			return err
		}
		s.recvSeq++
		for {
			next, ok := s.pending[s.recvSeq]
			if !ok {
				return nil
			}
			delete(s.pending, s.recvSeq)
			if err := sink(ctx, next); err != nil {
				return err
			}
			s.recvSeq++
		}
	case seq > s.recvSeq:
		s.pending[seq] = payload
		if len(s.pending) > maxPendingFrames {
			return ErrReorderOverflow
		}
		return nil
	default:
		// Replay of an already-consumed frame.
		return nil
	}
}
