package tunnel

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// defaultPipeDepth bounds the number of queued chunks. With the proxy's
// 4 KiB reads this puts the high watermark around 1 MiB, above which
// writers block until the reader drains.
const defaultPipeDepth = 256

// DefaultReadIdle bounds how long a Read waits for more bytes before
// giving up. EOF is normally driven by a CLOSED frame; this is the safety
// bound for a transport that has gone silent.
const DefaultReadIdle = 30 * time.Second

var (
	// ErrPipeClosed is returned by Write after Close.
	ErrPipeClosed = errors.New("write to closed pipe")

	// ErrReadIdle is returned by Read when no bytes arrived within the
	// pipe's idle bound. Callers treat it as "no more data right now".
	ErrReadIdle = errors.New("pipe read idled out")
)

// Pipe is a one-directional in-memory byte queue that stands in for a TCP
// socket on the client peer. Writes append chunks, reads drain them in
// order. One writer, one reader.
type Pipe struct {
	ch        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	idle      time.Duration

	// rest holds the unread tail of the last chunk. Reader-only.
	rest []byte
}

// NewPipe creates a pipe whose Read gives up after idle. An idle of zero
// means DefaultReadIdle.
func NewPipe(idle time.Duration) *Pipe {
	return newPipe(defaultPipeDepth, idle)
}

func newPipe(depth int, idle time.Duration) *Pipe {
	if idle == 0 {
		idle = DefaultReadIdle
	}
	return &Pipe{
		ch:     make(chan []byte, depth),
		closed: make(chan struct{}),
		idle:   idle,
	}
}

// Write appends a copy of p to the pipe. It blocks while the pipe is at
// its high watermark.
func (p *Pipe) Write(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	select {
	case <-p.closed:
		return ErrPipeClosed
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPipeClosed
	case p.ch <- cp:
		return nil
	}
}

// Read returns up to max buffered bytes (all of them when max <= 0). It
// blocks until bytes arrive, the pipe is closed and drained (io.EOF), the
// idle bound expires (ErrReadIdle), or ctx is done.
func (p *Pipe) Read(ctx context.Context, max int) ([]byte, error) {
	if len(p.rest) == 0 {
		timer := time.NewTimer(p.idle)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrReadIdle
		case b := <-p.ch:
			p.rest = b
		case <-p.closed:
			// Drain whatever was queued before the close.
			select {
			case b := <-p.ch:
				p.rest = b
			default:
				return nil, io.EOF
			}
		}
	}
	n := len(p.rest)
	if max > 0 && n > max {
		n = max
	}
	out := p.rest[:n]
	p.rest = p.rest[n:]
	return out, nil
}

// Close marks the pipe closed. Subsequent writes fail; reads drain what is
// buffered and then return io.EOF. Safe to call more than once.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}
