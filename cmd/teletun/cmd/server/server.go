// Package server runs the server peer: the egress dialer and the update
// poller. The chat to answer to is taken from each inbound message, so one
// server can serve several chats.
package server

import (
	"context"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"

	"github.com/teletun/teletun/pkg/chat"
	"github.com/teletun/teletun/pkg/tunnel"
)

type Env struct {
	BaseURL  string `env:"BASE_URL,default=https://api.telegram.org/bot"`
	BotToken string `env:"SERVER_BOT_TOKEN,required"`

	FrameLimit   int           `env:"FRAME_LIMIT,default=4096"`
	PollInterval time.Duration `env:"POLL_INTERVAL,default=100ms"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT,default=10s"`
	Profile      string        `env:"TRANSPORT_PROFILE,default=text"`
}

func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

func Main(ctx context.Context, _ ...string) error {
	dlog.Infof(ctx, "teletun server peer [pid:%d]", os.Getpid())

	env, err := LoadEnv(ctx)
	if err != nil {
		return errors.Wrap(err, "loading environment")
	}
	profile, err := tunnel.ParseProfile(env.Profile)
	if err != nil {
		return err
	}

	bot := chat.NewClient(env.BaseURL, env.BotToken)
	eng := tunnel.NewServer(tunnel.ServerConfig{
		Chat:        bot,
		FrameLimit:  env.FrameLimit,
		DialTimeout: env.DialTimeout,
		Profile:     profile,
	})

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	g.Go("poller", func(ctx context.Context) error {
		p := &tunnel.Poller{
			Source:       bot,
			Handler:      eng,
			Interval:     env.PollInterval,
			ChannelPosts: true,
		}
		return p.Run(ctx)
	})

	err = g.Wait()
	if cerr := eng.CloseAll(ctx); cerr != nil {
		dlog.Warnf(ctx, "closing streams: %v", cerr)
	}
	return err
}
