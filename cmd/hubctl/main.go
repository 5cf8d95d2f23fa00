// Command hubctl is the operator CLI for a hubmesh signaling hub: it runs
// the hub in the foreground, walks an operator through first-time setup,
// and queries a running hub's introspection endpoints.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "Operate a hubmesh signaling hub",
	Long: `hubctl runs a hubmesh signaling hub and lets you inspect one that's
already running. A hub relays WebRTC signaling between clients in the same
declared network, and federates with other hubs over bootstrap links and,
once enough neighbors are known, a direct hub-to-hub overlay mesh.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "hub.toml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hubctl version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
