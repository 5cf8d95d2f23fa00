// Command hub runs a standalone hubmesh signaling hub.
//
// Usage:
//
//	hub -config hub.toml
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuuji/hubmesh/internal/config"
	"github.com/kuuji/hubmesh/internal/hub"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (optional; defaults are used otherwise)")
	verbose := flag.Bool("v", false, "enable debug-level logging")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("loading config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	config.ApplyEnv(cfg)

	level := slog.LevelInfo
	if *verbose || cfg.VerboseLogging {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv, err := hub.New(cfg, logger)
	if err != nil {
		logger.Error("constructing hub", "error", err)
		os.Exit(1)
	}
	srv.OnEvent(func(event, peerID string) {
		logger.Debug("event", "event", event, "peer_id", peerID)
	})

	if err := srv.Start(); err != nil {
		logger.Error("starting hub", "error", err)
		os.Exit(1)
	}
	logger.Info("hub listening", "host", cfg.Host, "port", srv.BoundPort(), "is_hub", cfg.IsHub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if err := srv.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stopping hub", "error", err)
		os.Exit(1)
	}
}
