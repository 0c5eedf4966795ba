package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandbar-dev/sandbar/internal/backend"
	"github.com/sandbar-dev/sandbar/internal/bridge"
	"github.com/sandbar-dev/sandbar/internal/config"
	"github.com/sandbar-dev/sandbar/internal/reaper"
	"github.com/sandbar-dev/sandbar/internal/server"
	"github.com/sandbar-dev/sandbar/internal/session"
	"github.com/sandbar-dev/sandbar/internal/telemetry"
	"github.com/sandbar-dev/sandbar/internal/watch"
	"github.com/sandbar-dev/sandbar/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sandbar daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := telemetry.NewLogger(os.Stderr, telemetry.ParseLevel(cfg.LogLevel))
	metrics := telemetry.NewMetrics()

	store, err := workspace.NewStore(cfg.BaseDir, logger)
	if err != nil {
		return err
	}

	var be backend.Backend
	switch cfg.Backend {
	case config.BackendDocker:
		be = backend.NewDocker(context.Background(), backend.DockerOptions{
			Image:       cfg.Docker.Image,
			Memory:      cfg.Docker.Memory,
			User:        cfg.Docker.User,
			PingTimeout: cfg.Docker.PingTimeout,
		}, logger)
	default:
		be = backend.NewLocal(logger)
	}

	registry := session.NewRegistry(be, store, logger, metrics)
	br := bridge.New(be, logger, metrics)

	srv := server.NewServer(store, registry, br,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	)

	rp := reaper.New(registry, cfg.IdleTTL, logger)
	if err := rp.Start(cfg.ReapSchedule); err != nil {
		return err
	}
	defer rp.Stop()

	watcher, err := watch.New(store, registry, logger)
	if err != nil {
		return err
	}
	watcher.Start()
	defer watcher.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown failed", "err", err)
	}
	registry.StopAll(ctx)

	logger.Info("sandbar stopped")
	return nil
}
