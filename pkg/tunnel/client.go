package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/teletun/teletun/pkg/chat"
	"github.com/teletun/teletun/pkg/frame"
)

// DefaultConnectTimeout bounds how long Open waits for the server peer to
// answer a CONNECT.
const DefaultConnectTimeout = 30 * time.Second

// ErrConnectTimeout is returned by Open when no OK, FAIL, or CLOSED
// arrived within the connect timeout.
var ErrConnectTimeout = errors.New("timed out waiting for stream to open")

// DialError is returned by Open when the server peer answered with a FAIL
// frame.
type DialError struct {
	Reason string
}

func (e *DialError) Error() string {
	return "remote dial failed: " + e.Reason
}

// ClientConfig configures the client-side tunnel engine.
type ClientConfig struct {
	Chat   Transport
	ChatID string

	// FrameLimit is the transport's per-message text limit. Zero means
	// frame.DefaultLimit.
	FrameLimit int

	// ConnectTimeout bounds Open. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// ReadIdle bounds how long a stream Read waits for bytes. Zero means
	// the pipe default.
	ReadIdle time.Duration

	Profile Profile
}

// Client is the client-side tunnel engine. It opens virtual streams on
// behalf of the local proxy and dispatches the frames that the server peer
// sends back. One Client per process; its HandleMessage is driven by the
// Poller.
type Client struct {
	cfg      ClientConfig
	requests *Pool // request id -> *clientStream

	mu       sync.Mutex
	byStream map[StreamID]RequestID
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.FrameLimit == 0 {
		cfg.FrameLimit = frame.DefaultLimit
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{
		cfg:      cfg,
		requests: NewPool(),
		byStream: make(map[StreamID]RequestID),
	}
}

// clientStream is the per-stream state held by the client registry: the
// virtual read pipe, the outbound write buffer, and both sequence
// directions.
type clientStream struct {
	c         *Client
	requestID RequestID
	readPipe  *Pipe
	seq       *Sequencer
	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	streamID   StreamID
	maxPayload int
	failErr    error
	wbuf       []byte
	closed     bool
}

// Open requests a new stream to host:port through the tunnel and waits
// for the server peer to answer.
func (c *Client) Open(ctx context.Context, host string, port int) (*Conn, error) {
	st := &clientStream{
		c:         c,
		requestID: NewRequestID(),
		readPipe:  NewPipe(c.cfg.ReadIdle),
		seq:       NewSequencer(),
		ready:     make(chan struct{}),
	}
	c.requests.Add(ctx, string(st.requestID), st)

	text, err := frame.Encode(&frame.Connect{RequestID: string(st.requestID), Host: host, Port: port})
	if err == nil {
		err = c.cfg.Chat.SendText(ctx, c.cfg.ChatID, text)
	}
	if err != nil {
		_ = st.teardown(ctx, err, false)
		return nil, errors.Wrapf(err, "CONNECT for %s:%d", host, port)
	}

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		_ = st.teardown(ctx, ctx.Err(), false)
		return nil, ctx.Err()
	case <-timer.C:
		_ = st.teardown(ctx, ErrConnectTimeout, false)
		return nil, ErrConnectTimeout
	case <-st.ready:
	}

	st.mu.Lock()
	failErr := st.failErr
	st.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	return &Conn{st: st}, nil
}

// CloseAll tears down every live stream, for use at shutdown.
func (c *Client) CloseAll(ctx context.Context) error {
	return c.requests.CloseAll(ctx)
}

// HandleMessage dispatches one inbound chat message. Unrelated chatter and
// malformed frames are dropped; they never fail the dispatch loop.
func (c *Client) HandleMessage(ctx context.Context, m *chat.Message) error {
	if m.Document != nil {
		c.handleDocument(ctx, m.Document)
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
	case *frame.OK:
		c.handleOK(ctx, f)
	case *frame.Recv:
		c.handleRecv(ctx, StreamID(f.StreamID), f.Seq, f.Payload)
	case *frame.Closed:
		c.handleClosed(ctx, RequestID(f.RequestID))
	case *frame.Fail:
		c.handleFail(ctx, f)
	}
	return nil
}

func (c *Client) handleOK(ctx context.Context, f *frame.OK) {
	h := c.requests.Get(f.RequestID)
	if h == nil {
		// Not one of ours; another client shares the chat.
		dlog.Debugf(ctx, "OK for unknown request %s", f.RequestID)
		return
	}
	st := h.(*clientStream)
	st.mu.Lock()
	if st.streamID != "" {
		st.mu.Unlock()
		dlog.Warnf(ctx, "duplicate OK for request %s", f.RequestID)
		return
	}
	st.streamID = StreamID(f.StreamID)
	st.maxPayload = frame.MaxPayload(c.cfg.FrameLimit, f.StreamID)
	st.mu.Unlock()

	c.mu.Lock()
	c.byStream[StreamID(f.StreamID)] = st.requestID
	c.mu.Unlock()

	dlog.Debugf(ctx, "   CONN %s opened as stream %s", st.requestID, f.StreamID)
	st.signalReady()
}

func (c *Client) handleRecv(ctx context.Context, streamID StreamID, seq uint64, payload []byte) {
	st := c.lookupStream(streamID)
	if st == nil {
		dlog.Warnf(ctx, "RECV for unknown stream %s", streamID)
		return
	}
	err := st.seq.Deliver(ctx, seq, payload, func(ctx context.Context, b []byte) error {
		return st.readPipe.Write(ctx, b)
	})
	if err != nil {
		dlog.Errorf(ctx, "!! CONN %s, inbound delivery failed: %v", st.requestID, err)
		_ = st.teardown(ctx, err, true)
	}
}

func (c *Client) handleClosed(ctx context.Context, requestID RequestID) {
	h := c.requests.Get(string(requestID))
	if h == nil {
		dlog.Debugf(ctx, "CLOSED for unknown request %s", requestID)
		return
	}
	dlog.Debugf(ctx, "   CONN %s closed by peer", requestID)
	_ = h.(*clientStream).teardown(ctx, errors.New("stream closed by peer"), false)
}

func (c *Client) handleFail(ctx context.Context, f *frame.Fail) {
	h := c.requests.Get(f.RequestID)
	if h == nil {
		dlog.Debugf(ctx, "FAIL for unknown request %s", f.RequestID)
		return
	}
	dlog.Debugf(ctx, "   CONN %s rejected: %s", f.RequestID, f.Reason)
	_ = h.(*clientStream).teardown(ctx, &DialError{Reason: f.Reason}, false)
}

func (c *Client) handleDocument(ctx context.Context, d *chat.Document) {
	verb, sid, seq, ok := frame.ParseDocumentName(d.FileName)
	if !ok || verb != "RECV" {
		return
	}
	st := c.lookupStream(StreamID(sid))
	if st == nil {
		dlog.Warnf(ctx, "RECV document for unknown stream %s", sid)
		return
	}
	payload, err := c.cfg.Chat.DownloadDocument(ctx, d.FileID)
	if err != nil {
		dlog.Warnf(ctx, "dropping RECV document %s: %v", d.FileName, err)
		return
	}
	c.handleRecv(ctx, StreamID(sid), seq, payload)
}

func (c *Client) lookupStream(streamID StreamID) *clientStream {
	c.mu.Lock()
	requestID, ok := c.byStream[streamID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	h := c.requests.Get(string(requestID))
	if h == nil {
		return nil
	}
	return h.(*clientStream)
}

func (c *Client) forget(ctx context.Context, requestID RequestID, streamID StreamID) {
	c.requests.Delete(ctx, string(requestID))
	if streamID != "" {
		c.mu.Lock()
		delete(c.byStream, streamID)
		c.mu.Unlock()
	}
}

func (c *Client) sendData(ctx context.Context, streamID StreamID, seq uint64, payload []byte) error {
	if c.cfg.Profile == ProfileDocument {
		return c.cfg.Chat.SendDocument(ctx, c.cfg.ChatID, frame.DocumentName("SEND", string(streamID), seq), payload)
	}
	text, err := frame.Encode(&frame.Send{StreamID: string(streamID), Seq: seq, Payload: payload})
	if err != nil {
		return err
	}
	return c.cfg.Chat.SendText(ctx, c.cfg.ChatID, text)
}

func (st *clientStream) signalReady() {
	st.readyOnce.Do(func() {
		close(st.ready)
	})
}

// Close implements Handler.
func (st *clientStream) Close(ctx context.Context) error {
	return st.teardown(ctx, net.ErrClosed, true)
}

// teardown tears the stream down exactly once. emitClose is set when the
// close is our initiative and the peer must be told.
func (st *clientStream) teardown(ctx context.Context, cause error, emitClose bool) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.wbuf = nil
	streamID := st.streamID
	if st.failErr == nil {
		st.failErr = cause
	}
	st.mu.Unlock()

	st.signalReady()
	st.readPipe.Close()
	st.c.forget(ctx, st.requestID, streamID)

	if emitClose && streamID != "" {
		text, err := frame.Encode(&frame.Close{StreamID: string(streamID)})
		if err == nil {
			err = st.c.cfg.Chat.SendText(ctx, st.c.cfg.ChatID, text)
		}
		if err != nil {
			dlog.Warnf(ctx, "!! CONN %s, failed to send CLOSE: %v", st.requestID, err)
		}
	}
	return nil
}

// Conn is the byte-stream surface of one open tunnel stream, handed to the
// proxy front-end.
type Conn struct {
	st *clientStream
}

// RequestID identifies the stream for logging.
func (c *Conn) RequestID() RequestID {
	return c.st.requestID
}

// Read returns up to max bytes received from the origin.
func (c *Conn) Read(ctx context.Context, max int) ([]byte, error) {
	return c.st.readPipe.Read(ctx, max)
}

// Write appends p to the outbound buffer, flushing full frames as the
// buffer reaches the per-stream payload limit.
func (c *Conn) Write(ctx context.Context, p []byte) error {
	st := c.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return net.ErrClosed
	}
	st.wbuf = append(st.wbuf, p...)
	for st.maxPayload > 0 && len(st.wbuf) >= st.maxPayload {
		if err := st.flushChunkLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Flush sends everything buffered, regardless of size.
func (c *Conn) Flush(ctx context.Context) error {
	st := c.st
	st.mu.Lock()
	defer st.mu.Unlock()
	for !st.closed && len(st.wbuf) > 0 {
		if err := st.flushChunkLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered bytes, tells the peer, and drops local state.
func (c *Conn) Close(ctx context.Context) error {
	flushErr := c.Flush(ctx)
	if err := c.st.teardown(ctx, net.ErrClosed, true); err != nil {
		return err
	}
	return flushErr
}

func (st *clientStream) flushChunkLocked(ctx context.Context) error {
	n := len(st.wbuf)
	if st.maxPayload > 0 && n > st.maxPayload {
		n = st.maxPayload
	}
	seq := st.seq.NextSendSeq()
	if err := st.c.sendData(ctx, st.streamID, seq, st.wbuf[:n]); err != nil {
		return err
	}
	st.wbuf = st.wbuf[n:]
	return nil
}
