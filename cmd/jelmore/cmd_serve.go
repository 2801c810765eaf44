package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jelmore/jelmore/internal/bus"
	"github.com/jelmore/jelmore/internal/config"
	"github.com/jelmore/jelmore/internal/manager"
	"github.com/jelmore/jelmore/internal/store"
	"github.com/jelmore/jelmore/internal/supervisor"
	"github.com/jelmore/jelmore/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the jelmore broker",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Transport: NATS when configured, in-process otherwise.
	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	pub := bus.NewPublisher(transport, cfg.Bus.SubjectPrefix, bus.DefaultRetryPolicy(), cfg.Bus.QueueSize)
	pub.Start(ctx)
	defer pub.Stop()

	// Store: sqlite source of truth, redis cache when configured.
	durable, err := store.NewSQLiteStore(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	cache, err := buildCache(ctx, cfg)
	if err != nil {
		durable.Close()
		return err
	}
	st := store.New(durable, cache, pub, cfg.SessionTimeout())
	defer st.Close()

	variants := supervisor.Registry(st, pub, supervisor.Options{
		IdleTimeout: cfg.SessionTimeout(),
		GracePeriod: cfg.GracePeriod(),
		BufferSize:  cfg.Sessions.OutputBufferSize,
	}, map[string]string{
		"claude":   cfg.Variants.ClaudeBin,
		"opencode": cfg.Variants.OpenCodeBin,
	})

	mgr := manager.New(st, pub, variants, manager.Config{
		MaxSessions:         cfg.Sessions.MaxConcurrent,
		SessionTimeout:      cfg.SessionTimeout(),
		WarningWindow:       cfg.WarningWindow(),
		MaxConcurrentStarts: cfg.Sessions.MaxConcurrentStarts,
		DefaultVariant:      cfg.Sessions.DefaultVariant,
	})
	mgr.Start(ctx)

	slog.Info("jelmore started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_sessions", cfg.Sessions.MaxConcurrent,
		"session_timeout", cfg.SessionTimeout(),
		"database", cfg.Store.DatabasePath,
		"nats", cfg.Bus.NATSURL != "",
		"redis", cfg.Store.RedisURL != "",
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	return nil
}

func buildTransport(ctx context.Context, cfg *config.Config) (types.Transport, error) {
	if cfg.Bus.NATSURL == "" {
		slog.Warn("no NATS url configured, events stay in-process")
		return bus.NewMemoryTransport(
			time.Duration(cfg.Bus.RetentionDays)*24*time.Hour,
			time.Duration(cfg.Bus.DedupWindowSecs)*time.Second,
		), nil
	}
	natsCfg := bus.DefaultNATSConfig()
	natsCfg.URL = cfg.Bus.NATSURL
	natsCfg.StreamPrefix = cfg.Bus.SubjectPrefix
	natsCfg.MaxAge = time.Duration(cfg.Bus.RetentionDays) * 24 * time.Hour
	natsCfg.DedupWindow = time.Duration(cfg.Bus.DedupWindowSecs) * time.Second
	transport, err := bus.NewNATSTransport(ctx, natsCfg)
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	return transport, nil
}

func buildCache(ctx context.Context, cfg *config.Config) (types.Cache, error) {
	if cfg.Store.RedisURL == "" {
		slog.Warn("no redis url configured, using in-process session cache")
		return store.NewMemoryCache(time.Minute), nil
	}
	cache, err := store.NewRedisCache(ctx, cfg.Store.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect session cache: %w", err)
	}
	return cache, nil
}
