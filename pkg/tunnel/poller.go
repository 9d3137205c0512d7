package tunnel

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/pkg/errors"

	"github.com/teletun/teletun/pkg/chat"
)

const (
	pollLimit   = 10
	pollBackoff = 5 * time.Second
)

// UpdateSource yields new chat updates past an offset. The chat client
// satisfies it.
type UpdateSource interface {
	PollUpdates(ctx context.Context, offset int64, limit int) ([]chat.Update, error)
}

// MessageHandler consumes one inbound chat message. Both engines satisfy
// it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, m *chat.Message) error
}

// Poller is the per-peer event loop: poll updates, advance the offset on
// success only, dispatch every message to the handler, and back off on
// errors. Transport-fatal errors (rejected credentials) end the loop;
// everything else is retried forever.
type Poller struct {
	Source   UpdateSource
	Handler  MessageHandler
	Interval time.Duration

	// ChannelPosts makes the poller also accept channel posts, which is
	// what broadcast chats deliver. The server peer sets this.
	ChannelPosts bool

	offset int64
}

func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval == 0 {
		interval = time.Second
	}
	for ctx.Err() == nil {
		dtime.SleepWithContext(ctx, interval)
		if ctx.Err() != nil {
			break
		}
		updates, err := p.Source.PollUpdates(ctx, p.offset, pollLimit)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if chat.IsFatal(err) {
				return errors.Wrap(err, "polling updates")
			}
			// The offset was not advanced; these updates will be
			// replayed, and the handlers are idempotent under replay.
			dlog.Errorf(ctx, "poll failed, retrying in %s: %v", pollBackoff, err)
			dtime.SleepWithContext(ctx, pollBackoff)
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			m := u.Message
			if m == nil && p.ChannelPosts {
				m = u.ChannelPost
			}
			if m == nil {
				continue
			}
			if err := p.Handler.HandleMessage(ctx, m); err != nil {
				dlog.Errorf(ctx, "dispatch failed: %v", err)
			}
		}
	}
	return nil
}
