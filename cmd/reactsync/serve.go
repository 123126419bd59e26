package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reactsync/internal/app"
	"reactsync/internal/authority"
	"reactsync/internal/config"
	"reactsync/internal/crosstab"
	"reactsync/internal/logging"
	"reactsync/internal/reactsync"
	"reactsync/internal/session"
	"reactsync/internal/store"
	"reactsync/internal/telemetry"
	"reactsync/internal/util"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reaction gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Debug:   cfg.Debug,
		JSON:    cfg.LogJSON,
		Service: "reactsync",
	})
}

// sharedBackend is what sibling instances share: snapshot storage, the
// broadcast channel and the session bus.
type sharedBackend struct {
	storage crosstab.Storage
	channel crosstab.Channel
	signals interface {
		session.Source
		session.Emitter
	}
	ping  func(context.Context) error
	close func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sharedBackend, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Info("no REDIS_URL, cross-instance sync limited to this process")
		hub := crosstab.NewMemoryHub()
		return &sharedBackend{
			storage: crosstab.NewMemoryStorage(),
			channel: hub.Channel(),
			signals: session.NewLocalBus(logger),
			close:   func() {},
		}, nil
	}

	client, err := store.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	bus := session.NewRedisBus(client, cfg.SessionChannel, logger)
	if err := bus.Start(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("using redis for cross-instance sync", "session_channel", cfg.SessionChannel)
	return &sharedBackend{
		storage: crosstab.NewRedisStorage(client, cfg.SnapshotTTL),
		channel: crosstab.NewRedisChannel(client, crosstab.ChannelName),
		signals: bus,
		ping:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
		close: func() {
			_ = bus.Close()
			_ = client.Close()
		},
	}, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)

	metricsHandler, shutdownMetrics, err := telemetry.InstallPrometheus()
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics, err := telemetry.Default()
	if err != nil {
		return err
	}

	client, err := authority.NewClient(cfg.AuthorityURL, authority.WithToken(cfg.AuthorityToken))
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open shared backend: %w", err)
	}
	defer backend.close()

	bridge := crosstab.NewBridge(backend.storage, backend.channel, util.NewID("tab"), logger)
	manager := reactsync.New(client, cfg.Manager(),
		reactsync.WithLogger(logger),
		reactsync.WithMetrics(metrics),
		reactsync.WithSessionSource(backend.signals),
		reactsync.WithBridge(bridge),
	)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Destroy()

	service := app.New(manager, backend.signals, backend.ping, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reactsync gateway listening", "addr", cfg.Addr, "origin", bridge.Origin(), "authority", cfg.AuthorityURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}
