package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/hubmesh/internal/config"
	"github.com/kuuji/hubmesh/internal/hub"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hub in the foreground",
	Long: `Start the hubmesh signaling hub using the config file given by --config.
Runs until SIGINT or SIGTERM, then shuts down gracefully.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w\n\nRun 'hubctl init' first", err)
	}
	config.ApplyEnv(cfg)

	srv, err := hub.New(cfg, globalLogger)
	if err != nil {
		return fmt.Errorf("constructing hub: %w", err)
	}
	srv.OnEvent(func(event, peerID string) {
		globalLogger.Debug("event", "event", event, "peer_id", peerID)
	})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}
	globalLogger.Info("hub listening", "host", cfg.Host, "port", srv.BoundPort(), "is_hub", cfg.IsHub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	globalLogger.Info("shutting down")
	return srv.Stop()
}
