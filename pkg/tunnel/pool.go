package tunnel

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
)

// Handler is the per-stream state kept in a Pool. Close must be idempotent.
type Handler interface {
	Close(ctx context.Context) error
}

// Pool is a registry of live stream handlers keyed by their ID string. The
// client peer keys by request ID, the server peer by stream ID; a stream
// exists in at most one pool.
type Pool struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

func NewPool() *Pool {
	return &Pool{handlers: make(map[string]Handler)}
}

// Get returns the handler for id, or nil.
func (p *Pool) Get(id string) Handler {
	p.mu.Lock()
	h := p.handlers[id]
	p.mu.Unlock()
	return h
}

// Add inserts h under id. It returns false, leaving the pool unchanged,
// when id is already present (a replayed CONNECT or duplicate OK).
func (p *Pool) Add(ctx context.Context, id string, h Handler) bool {
	p.mu.Lock()
	if _, ok := p.handlers[id]; ok {
		p.mu.Unlock()
		return false
	}
	p.handlers[id] = h
	count := len(p.handlers)
	p.mu.Unlock()
	dlog.Debugf(ctx, "++ POOL %s, count now is %d", id, count)
	return true
}

// Delete removes and returns the handler for id, or nil if absent.
func (p *Pool) Delete(ctx context.Context, id string) Handler {
	p.mu.Lock()
	h, ok := p.handlers[id]
	if ok {
		delete(p.handlers, id)
	}
	count := len(p.handlers)
	p.mu.Unlock()
	if ok {
		dlog.Debugf(ctx, "-- POOL %s, count now is %d", id, count)
	}
	return h
}

// CloseAll closes every handler, collecting their errors.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	handlers := make([]Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	var result *multierror.Error
	for _, h := range handlers {
		result = multierror.Append(result, h.Close(ctx))
	}
	return result.ErrorOrNil()
}
