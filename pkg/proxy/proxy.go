// Package proxy is the local HTTP front-end of the client peer. It accepts
// browser connections, answers CONNECT with an opaque tunnel, and forwards
// plain HTTP requests by rewriting the request line to origin form.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/teletun/teletun/pkg/tunnel"
)

const copyChunk = 4096

// Stream is the byte-stream surface the proxy pumps against. It is what
// the client-side tunnel engine hands out for an open stream.
type Stream interface {
	Read(ctx context.Context, max int) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Opener opens a new tunnel stream to host:port.
type Opener interface {
	Open(ctx context.Context, host string, port int) (Stream, error)
}

// Proxy listens on ListenAddr and serves one goroutine per accepted
// connection.
type Proxy struct {
	ListenAddr string
	Opener     Opener
}

// Serve accepts connections until ctx is done.
func (p *Proxy) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", p.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "proxy listen on %s", p.ListenAddr)
	}
	return p.ServeListener(ctx, ln)
}

// ServeListener accepts connections on ln until ctx is done. It owns ln
// and closes it on the way out.
func (p *Proxy) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	dlog.Infof(ctx, "PXY listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "proxy accept")
		}
		go p.handleConnection(ctx, conn)
	}
}

func (p *Proxy) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			dlog.Debugf(ctx, "PXY %s, bad request: %v", conn.RemoteAddr(), err)
			_, _ = io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		}
		return
	}

	if req.Method == http.MethodConnect {
		p.handleTunnel(ctx, conn, br, req)
	} else {
		p.handleForward(ctx, conn, br, req)
	}
}

// handleTunnel answers CONNECT host:port with an opaque byte tunnel.
func (p *Proxy) handleTunnel(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	host, port, err := splitTarget(req.Host, 443)
	if err != nil {
		dlog.Debugf(ctx, "PXY %s, bad CONNECT target %q: %v", conn.RemoteAddr(), req.Host, err)
		_, _ = io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return
	}
	dlog.Debugf(ctx, "PXY CONNECT %s %s:%d", conn.RemoteAddr(), host, port)
	stream, err := p.Opener.Open(ctx, host, port)
	if err != nil {
		dlog.Errorf(ctx, "!! PXY open stream to %s:%d: %v", host, port, err)
		_, _ = io.WriteString(conn, "HTTP/1.1 500 Internal Server Error\r\n\r\n")
		return
	}
	if _, err = io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		_ = stream.Close(ctx)
		return
	}
	p.pump(ctx, conn, br, stream)
}

// handleForward relays a plain HTTP request, re-emitting the request line
// in origin form and the headers unchanged.
func (p *Proxy) handleForward(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	host, port, err := splitTarget(req.Host, 80)
	if err != nil {
		dlog.Debugf(ctx, "PXY %s, bad Host %q: %v", conn.RemoteAddr(), req.Host, err)
		_, _ = io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return
	}
	dlog.Debugf(ctx, "PXY %s %s %s:%d", req.Method, conn.RemoteAddr(), host, port)
	stream, err := p.Opener.Open(ctx, host, port)
	if err != nil {
		dlog.Errorf(ctx, "!! PXY open stream to %s:%d: %v", host, port, err)
		_, _ = io.WriteString(conn, "HTTP/1.1 500 Internal Server Error\r\n\r\n")
		return
	}

	head := bytes.Buffer{}
	fmt.Fprintf(&head, "%s %s %s\r\n", req.Method, req.URL.RequestURI(), req.Proto)
	fmt.Fprintf(&head, "Host: %s\r\n", req.Host)
	_ = req.Header.Write(&head)
	head.WriteString("\r\n")
	if err = stream.Write(ctx, head.Bytes()); err == nil {
		err = stream.Flush(ctx)
	}
	if err != nil {
		dlog.Errorf(ctx, "!! PXY forward request head: %v", err)
		_, _ = io.WriteString(conn, "HTTP/1.1 500 Internal Server Error\r\n\r\n")
		_ = stream.Close(ctx)
		return
	}
	p.pump(ctx, conn, br, stream)
}

// pump copies bytes in both directions until either side ends, then
// gracefully closes the other. br holds bytes already buffered from the
// client connection.
func (p *Proxy) pump(ctx context.Context, conn net.Conn, br *bufio.Reader, stream Stream) {
	wg := sync.WaitGroup{}
	wg.Add(2)

	// client -> stream
	go func() {
		defer wg.Done()
		defer func() {
			_ = stream.Close(ctx)
		}()
		buf := make([]byte, copyChunk)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				werr := stream.Write(ctx, buf[:n])
				if werr == nil {
					werr = stream.Flush(ctx)
				}
				if werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// stream -> client
	go func() {
		defer wg.Done()
		defer func() {
			// Wake the client->stream copier out of its blocking read.
			_ = conn.Close()
		}()
		for {
			b, err := stream.Read(ctx, copyChunk)
			if len(b) > 0 {
				if _, werr := conn.Write(b); werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, tunnel.ErrReadIdle) && ctx.Err() == nil {
					dlog.Debugf(ctx, "PXY stream read ended: %v", err)
				}
				return
			}
		}
	}()
	wg.Wait()
}

// splitTarget parses "host[:port]", applying defPort when the port is
// absent.
func splitTarget(target string, defPort int) (string, int, error) {
	if target == "" {
		return "", 0, errors.New("empty target")
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, errors.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
