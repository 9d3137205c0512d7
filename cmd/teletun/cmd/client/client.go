// Package client runs the client peer: the local HTTP/CONNECT proxy, the
// client-side tunnel engine, and the update poller.
package client

import (
	"context"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"

	"github.com/teletun/teletun/pkg/chat"
	"github.com/teletun/teletun/pkg/proxy"
	"github.com/teletun/teletun/pkg/tunnel"
)

type Env struct {
	BaseURL  string `env:"BASE_URL,default=https://api.telegram.org/bot"`
	BotToken string `env:"CLIENT_BOT_TOKEN,required"`
	ChatID   string `env:"CHAT_ID,required"`

	ListenAddr     string        `env:"PROXY_LISTEN,default=127.0.0.1:8888"`
	FrameLimit     int           `env:"FRAME_LIMIT,default=4096"`
	PollInterval   time.Duration `env:"POLL_INTERVAL,default=1s"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT,default=30s"`
	ReadIdle       time.Duration `env:"TUNNEL_READ_IDLE,default=30s"`
	Profile        string        `env:"TRANSPORT_PROFILE,default=text"`
}

func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

// streamOpener adapts the tunnel engine to the proxy's Opener interface.
type streamOpener struct {
	eng *tunnel.Client
}

func (o streamOpener) Open(ctx context.Context, host string, port int) (proxy.Stream, error) {
	return o.eng.Open(ctx, host, port)
}

func Main(ctx context.Context, _ ...string) error {
	dlog.Infof(ctx, "teletun client peer [pid:%d]", os.Getpid())

	env, err := LoadEnv(ctx)
	if err != nil {
		return errors.Wrap(err, "loading environment")
	}
	profile, err := tunnel.ParseProfile(env.Profile)
	if err != nil {
		return err
	}

	bot := chat.NewClient(env.BaseURL, env.BotToken)
	eng := tunnel.NewClient(tunnel.ClientConfig{
		Chat:           bot,
		ChatID:         env.ChatID,
		FrameLimit:     env.FrameLimit,
		ConnectTimeout: env.ConnectTimeout,
		ReadIdle:       env.ReadIdle,
		Profile:        profile,
	})

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	g.Go("poller", func(ctx context.Context) error {
		p := &tunnel.Poller{Source: bot, Handler: eng, Interval: env.PollInterval}
		return p.Run(ctx)
	})
	g.Go("proxy", func(ctx context.Context) error {
		px := &proxy.Proxy{ListenAddr: env.ListenAddr, Opener: streamOpener{eng: eng}}
		return px.Serve(ctx)
	})

	err = g.Wait()
	if cerr := eng.CloseAll(ctx); cerr != nil {
		dlog.Warnf(ctx, "closing streams: %v", cerr)
	}
	return err
}
