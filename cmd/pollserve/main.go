//go:build linux

// pollserve serves a directory over HTTP/1.1 with an epoll reactor and a fixed worker pool
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/s00inx/pollserve/internal/config"
	"github.com/s00inx/pollserve/internal/logging"
	"github.com/s00inx/pollserve/internal/telemetry"
	"github.com/s00inx/pollserve/server"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pollserve:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		path    = flag.String("config", "", "yaml config file")
		host    = flag.String("host", "", "listen address, overrides config")
		port    = flag.Int("port", -1, "listen port, overrides config")
		root    = flag.String("root", "", "document root, overrides config")
		workers = flag.Int("workers", -1, "worker goroutines, 0 means one per cpu")
	)
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port >= 0 {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.Static.Root = *root
	}
	if *workers >= 0 {
		cfg.Engine.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mp, shutdownMetrics, err := telemetry.Setup(ctx, cfg.Metrics, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			log.Warn().Err(err).Msg("flushing metrics")
		}
	}()

	if info, err := os.Stat(cfg.Static.Root); err != nil || !info.IsDir() {
		log.Warn().Str("root", cfg.Static.Root).Msg("document root is not a directory, every file will be 404")
	}

	srv, err := server.New(server.Config{
		Engine: cfg.EngineConfig(),
		Static: cfg.StaticConfig(zerolog.Nop()),
	}, server.WithLogger(log), server.WithMeterProvider(mp))
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("root", cfg.Static.Root).
		Stringer("addr", srv.Addr()).
		Msg("pollserve starting")

	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Msg("shutdown")
		return err
	}
	log.Info().Msg("bye")
	return nil
}
