package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/hubmesh/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively generate a hub config file",
	Long: `Walk through the options a hub needs — listen address, whether this
hub federates with others, and its hub-mesh namespace — and write the result
to the file given by --config.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(globalConfigPath); err == nil {
		var overwrite bool
		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("%s already exists", globalConfigPath)).
					Description("Overwrite it with a freshly generated config?").
					Affirmative("Overwrite").
					Negative("Cancel").
					Value(&overwrite),
			),
		).WithTheme(customHuhTheme())
		if err := confirmForm.Run(); err != nil {
			return fmt.Errorf("cancelled")
		}
		if !overwrite {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	cfg := config.DefaultConfig()

	var (
		host           = cfg.Host
		portStr        = strconv.Itoa(cfg.Port)
		isHub          bool
		namespace      = cfg.HubMeshNamespace
		bootstrapInput string
		maxConnStr     = strconv.Itoa(cfg.MaxConnections)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("Host to bind the signaling listener to").
				Value(&host),
			huh.NewInput().
				Title("Port").
				Description("Port to bind to (retries upward on collision)").
				Value(&portStr).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Max connections").
				Description("Upper bound on simultaneously connected clients").
				Value(&maxConnStr).
				Validate(validatePositiveInt),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Federate with other hubs?").
				Description("Enables the bootstrap connector and hub-to-hub overlay mesh").
				Affirmative("Yes").
				Negative("No").
				Value(&isHub),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Hub-mesh namespace").
				Description("Network name other federated hubs must share to mesh with this one").
				Value(&namespace),
			huh.NewInput().
				Title("Bootstrap hub URIs").
				Description("Comma-separated ws:// URIs to dial on startup (leave blank to rely on the default port convention)").
				Value(&bootstrapInput),
		),
	).WithTheme(customHuhTheme())

	if err := form.Run(); err != nil {
		return fmt.Errorf("cancelled")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	maxConn, err := strconv.Atoi(maxConnStr)
	if err != nil {
		return fmt.Errorf("invalid max connections %q: %w", maxConnStr, err)
	}

	cfg.Host = host
	cfg.Port = port
	cfg.MaxConnections = maxConn
	cfg.IsHub = isHub
	if isHub {
		cfg.HubMeshNamespace = namespace
		cfg.BootstrapHubs = splitAndTrim(bootstrapInput)
	}

	if err := config.Save(globalConfigPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote %s. Run 'hubctl run' to start the hub.\n", globalConfigPath)
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func splitAndTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
