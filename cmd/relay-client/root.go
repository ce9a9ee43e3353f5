package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/touka-aoi/relay-chat/client"
	terrors "github.com/touka-aoi/relay-chat/core/errors"
	"github.com/touka-aoi/relay-chat/logging"
)

type Flags struct {
	Client   client.Config
	LogLevel string
	LogFile  string
}

var (
	cobraFlags = &Flags{Client: client.DefaultConfig()}
	rootCmd    = &cobra.Command{
		Use:           "relay-client",
		Short:         "Chat client for the broadcast relay",
		Long:          "Sends each line typed on stdin to the relay and prints what other clients send",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          execute,
	}
)

func init() {
	bindFlags(rootCmd.Flags(), cobraFlags)
}

func bindFlags(fs *pflag.FlagSet, f *Flags) {
	cfg := &f.Client
	fs.StringVar(&cfg.Network, "network", cfg.Network, "network of the relay: tcp, tcp4, tcp6 or unix")
	fs.StringVarP(&cfg.Address, "address", "a", cfg.Address, "relay address, host:port or a socket path for unix")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "line buffer size; longer lines are sent in pieces")
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "readiness engine: poll or epoll")
	fs.StringVar(&f.LogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "console", "log file")
}

func Execute() error {
	return rootCmd.Execute()
}

func execute(cmd *cobra.Command, _ []string) error {
	// 標準出力はチャットの表示に使うのでログは stderr へ
	closeLog, err := logging.Init(cobraFlags.LogLevel, cobraFlags.LogFile, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize log: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, cobraFlags.Client)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "Connected to %s. Type messages, Ctrl-D to quit.\n", c.RemoteAddr())
	}

	err = c.Run(ctx, os.Stdin, os.Stdout)
	switch {
	case errors.Is(err, terrors.ErrServerClosed):
		fmt.Fprintln(cmd.OutOrStdout(), "Server closed.")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}
