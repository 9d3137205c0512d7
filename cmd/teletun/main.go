package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/teletun/teletun/cmd/teletun/cmd/client"
	"github.com/teletun/teletun/cmd/teletun/cmd/server"
	"github.com/teletun/teletun/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "teletun",
		Short:         "TCP tunnel over a chat transport",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		roleCommand("client", "Run the client peer: local HTTP proxy plus tunnel engine", client.Main),
		roleCommand("server", "Run the server peer: egress dialer plus tunnel engine", server.Main),
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func roleCommand(name, short string, fn func(ctx context.Context, args ...string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.MakeBaseLogger(context.Background(), os.Getenv("LOG_LEVEL"))
			if err := fn(ctx, args...); err != nil {
				dlog.Errorf(ctx, "quit: %v", err)
				return err
			}
			return nil
		},
	}
}
