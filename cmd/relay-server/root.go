package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/touka-aoi/relay-chat/logging"
	"github.com/touka-aoi/relay-chat/metrics"
	"github.com/touka-aoi/relay-chat/middleware"
	"github.com/touka-aoi/relay-chat/server"
	"github.com/touka-aoi/relay-chat/transport"
)

type Flags struct {
	Server         server.Config
	LogLevel       string
	LogFile        string
	LogMessages    bool
	DropEmpty      bool
	MetricsAddress string
}

var (
	cobraFlags = &Flags{Server: server.DefaultConfig()}
	rootCmd    = &cobra.Command{
		Use:           "relay-server",
		Short:         "Broadcast relay server",
		Long:          "Relays every message a client sends to all other connected clients",
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
	cfg := &f.Server
	fs.StringVar(&cfg.Network, "network", cfg.Network, "network to listen on: tcp, tcp4, tcp6 or unix")
	fs.StringVarP(&cfg.Address, "address", "a", cfg.Address, "listen address, host:port or a socket path for unix")
	fs.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "listen backlog")
	fs.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "maximum number of connected clients")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "bytes read from a client per readiness event")
	fs.IntVar(&cfg.OutboundBufferSize, "outbound-buffer", cfg.OutboundBufferSize, "bytes queued per slow client before it is dropped")
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "readiness engine: epoll or poll")
	fs.StringVar(&f.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "console", "log file")
	fs.BoolVar(&f.LogMessages, "log-messages", true, "log every relayed message")
	fs.BoolVar(&f.DropEmpty, "drop-empty", false, "do not relay empty lines")
	fs.StringVar(&f.MetricsAddress, "metrics-address", "", "serve prometheus metrics on this address, disabled when empty")
}

func Execute() error {
	return rootCmd.Execute()
}

func execute(cmd *cobra.Command, _ []string) error {
	closeLog, err := logging.Init(cobraFlags.LogLevel, cobraFlags.LogFile, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to initialize log: %w", err)
	}
	defer closeLog()

	reg := prometheus.NewRegistry()
	var handlers transport.Handlers
	if cobraFlags.MetricsAddress != "" {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		handlers = append(handlers, metrics.New(reg))
	}

	pipeline := middleware.NewPipeline()
	if cobraFlags.DropEmpty {
		pipeline.Use(middleware.DropEmptyLines)
	}
	if cobraFlags.LogMessages {
		pipeline.Use(middleware.LogMessages(slog.LevelInfo))
	}

	srv, err := server.NewRelayServer(cobraFlags.Server,
		server.WithHandler(handlers),
		server.WithPipeline(pipeline))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Listen(ctx); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(ctx)
	})
	if cobraFlags.MetricsAddress != "" {
		eg.Go(func() error {
			return metrics.Serve(ctx, cobraFlags.MetricsAddress, reg)
		})
	}

	err = eg.Wait()
	slog.InfoContext(context.WithoutCancel(ctx), "Server exited", "status", srv.Status())
	return err
}
