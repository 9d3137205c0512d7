package tunnel

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/teletun/teletun/pkg/chat"
	"github.com/teletun/teletun/pkg/frame"
)

// DefaultDialTimeout bounds the TCP dial performed for a CONNECT frame.
const DefaultDialTimeout = 10 * time.Second

// ServerConfig configures the server-side tunnel engine.
type ServerConfig struct {
	Chat Transport

	// FrameLimit is the transport's per-message text limit. Zero means
	// frame.DefaultLimit.
	FrameLimit int

	// DialTimeout bounds the dial to the requested target. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration

	Profile Profile
}

// Server is the server-side tunnel engine. For every CONNECT it dials the
// requested target and bridges the TCP connection to the stream; SEND and
// CLOSE frames drive the established streams. Its HandleMessage is driven
// by the Poller.
type Server struct {
	cfg     ServerConfig
	streams *Pool // stream id -> *serverStream

	mu        sync.Mutex
	byRequest map[RequestID]StreamID
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.FrameLimit == 0 {
		cfg.FrameLimit = frame.DefaultLimit
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Server{
		cfg:       cfg,
		streams:   NewPool(),
		byRequest: make(map[RequestID]StreamID),
	}
}

// serverStream owns one dialed TCP connection and its sequence state. The
// reply chat is remembered per stream so that broadcast chats work.
type serverStream struct {
	s         *Server
	streamID  StreamID
	requestID RequestID
	chatID    string
	conn      net.Conn
	seq       *Sequencer

	mu     sync.Mutex
	closed bool
}

// CloseAll tears down every live stream, for use at shutdown.
func (s *Server) CloseAll(ctx context.Context) error {
	return s.streams.CloseAll(ctx)
}

// HandleMessage dispatches one inbound chat message. Unrelated chatter and
// malformed frames are dropped; they never fail the dispatch loop.
func (s *Server) HandleMessage(ctx context.Context, m *chat.Message) error {
	if m.Document != nil {
		s.handleDocument(ctx, m.Document)
		return nil
	}
	if m.Text == "" {
		return nil
	}
	f, err := frame.Parse(m.Text)
	if err != nil {
		dlog.Warnf(ctx, "dropping malformed frame: %v", err)
		return nil
	}
	switch f := f.(type) {
	case *frame.Connect:
		s.handleConnect(ctx, chat.ChatIDString(m.Chat.ID), f)
	case *frame.Send:
		s.handleSend(ctx, StreamID(f.StreamID), f.Seq, f.Payload)
	case *frame.Close:
		s.handleClose(ctx, StreamID(f.StreamID))
	}
	return nil
}

func (s *Server) handleConnect(ctx context.Context, chatID string, f *frame.Connect) {
	requestID := RequestID(f.RequestID)
	s.mu.Lock()
	_, dup := s.byRequest[requestID]
	s.mu.Unlock()
	if dup {
		dlog.Warnf(ctx, "replayed CONNECT for request %s", requestID)
		return
	}

	dlog.Infof(ctx, "   CONN %s, dialing %s:%d", requestID, f.Host, f.Port)
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(f.Host, strconv.Itoa(f.Port)))
	if err != nil {
		dlog.Errorf(ctx, "!! CONN %s, failed to establish connection: %v", requestID, err)
		s.sendFrame(ctx, chatID, &frame.Fail{RequestID: f.RequestID, Reason: frame.SanitizeReason(err.Error())})
		return
	}

	st := &serverStream{
		s:         s,
		streamID:  NewStreamID(),
		requestID: requestID,
		chatID:    chatID,
		conn:      conn,
		seq:       NewSequencer(),
	}
	s.mu.Lock()
	s.byRequest[requestID] = st.streamID
	s.mu.Unlock()
	s.streams.Add(ctx, string(st.streamID), st)

	text, err := frame.Encode(&frame.OK{RequestID: f.RequestID, StreamID: string(st.streamID)})
	if err == nil {
		err = s.cfg.Chat.SendText(ctx, chatID, text)
	}
	if err != nil {
		dlog.Errorf(ctx, "!! CONN %s, failed to send OK: %v", requestID, err)
		st.teardown(ctx, false)
		return
	}
	go st.readLoop(ctx)
}

func (s *Server) handleSend(ctx context.Context, streamID StreamID, seq uint64, payload []byte) {
	h := s.streams.Get(string(streamID))
	if h == nil {
		dlog.Warnf(ctx, "SEND for unknown stream %s", streamID)
		return
	}
	st := h.(*serverStream)
	err := st.seq.Deliver(ctx, seq, payload, st.writeConn)
	if err != nil {
		dlog.Errorf(ctx, "!! CONN %s, write to connection failed: %v", streamID, err)
		st.teardown(ctx, true)
	}
}

func (s *Server) handleClose(ctx context.Context, streamID StreamID) {
	h := s.streams.Get(string(streamID))
	if h == nil {
		dlog.Warnf(ctx, "CLOSE for unknown stream %s", streamID)
		return
	}
	dlog.Debugf(ctx, "   CONN %s closed by peer", streamID)
	h.(*serverStream).teardown(ctx, true)
}

func (s *Server) handleDocument(ctx context.Context, d *chat.Document) {
	verb, sid, seq, ok := frame.ParseDocumentName(d.FileName)
	if !ok || verb != "SEND" {
		return
	}
	h := s.streams.Get(sid)
	if h == nil {
		dlog.Warnf(ctx, "SEND document for unknown stream %s", sid)
		return
	}
	payload, err := s.cfg.Chat.DownloadDocument(ctx, d.FileID)
	if err != nil {
		dlog.Warnf(ctx, "dropping SEND document %s: %v", d.FileName, err)
		return
	}
	s.handleSend(ctx, StreamID(sid), seq, payload)
}

// readLoop relays bytes from the dialed connection to the stream peer,
// one sequenced RECV frame per read, until EOF or error.
func (st *serverStream) readLoop(ctx context.Context) {
	buf := make([]byte, frame.MaxPayload(st.s.cfg.FrameLimit, string(st.streamID)))
	for {
		n, err := st.conn.Read(buf)
		if n > 0 {
			seq := st.seq.NextSendSeq()
			if serr := st.s.sendData(ctx, st.chatID, st.streamID, seq, buf[:n]); serr != nil {
				dlog.Errorf(ctx, "!! CONN %s, failed to relay %d bytes: %v", st.streamID, n, serr)
				st.teardown(ctx, true)
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				dlog.Debugf(ctx, "   CONN %s, connection closed", st.streamID)
			case errors.Is(err, net.ErrClosed):
			default:
				dlog.Errorf(ctx, "!! CONN %s, read error: %v", st.streamID, err)
			}
			st.teardown(ctx, true)
			return
		}
	}
}

func (st *serverStream) writeConn(_ context.Context, b []byte) error {
	_, err := st.conn.Write(b)
	return err
}

// Close implements Handler.
func (st *serverStream) Close(ctx context.Context) error {
	st.teardown(ctx, true)
	return nil
}

// teardown closes the TCP connection and drops registry state exactly
// once. emitClosed is set unless the teardown is a local bookkeeping
// cleanup that the peer must not hear about.
func (st *serverStream) teardown(ctx context.Context, emitClosed bool) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	st.mu.Unlock()

	_ = st.conn.Close()
	st.s.forget(ctx, st)
	if emitClosed {
		st.s.sendFrame(ctx, st.chatID, &frame.Closed{RequestID: string(st.requestID)})
	}
}

func (s *Server) forget(ctx context.Context, st *serverStream) {
	s.streams.Delete(ctx, string(st.streamID))
	s.mu.Lock()
	delete(s.byRequest, st.requestID)
	s.mu.Unlock()
}

func (s *Server) sendFrame(ctx context.Context, chatID string, f frame.Frame) {
	text, err := frame.Encode(f)
	if err == nil {
		err = s.cfg.Chat.SendText(ctx, chatID, text)
	}
	if err != nil {
		dlog.Errorf(ctx, "!! failed to send %s: %v", f, err)
	}
}

func (s *Server) sendData(ctx context.Context, chatID string, streamID StreamID, seq uint64, payload []byte) error {
	if s.cfg.Profile == ProfileDocument {
		return s.cfg.Chat.SendDocument(ctx, chatID, frame.DocumentName("RECV", string(streamID), seq), payload)
	}
	text, err := frame.Encode(&frame.Recv{StreamID: string(streamID), Seq: seq, Payload: payload})
	if err != nil {
		return err
	}
	return s.cfg.Chat.SendText(ctx, chatID, text)
}
