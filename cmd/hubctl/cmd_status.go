package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kuuji/hubmesh/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running hub's introspection endpoints",
	Long: `Query /health, /stats, and /hubstats on the hub configured by --config
and render a summary table. The hub itself must already be running.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	host := cfg.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	base := fmt.Sprintf("http://%s:%d", host, cfg.Port)

	var health map[string]any
	if err := fetchJSON(base+"/health", &health); err != nil {
		return fmt.Errorf("querying %s/health: %w", base, err)
	}

	var stats map[string]any
	if err := fetchJSON(base+"/stats", &stats); err != nil {
		return fmt.Errorf("querying %s/stats: %w", base, err)
	}

	rows := [][]string{
		{"status", fmt.Sprintf("%v", health["status"])},
		{"uptime (s)", fmt.Sprintf("%.0f", toFloat(health["uptime"]))},
		{"connections", fmt.Sprintf("%v", health["connections"])},
		{"peers", fmt.Sprintf("%v", health["peers"])},
		{"hubs", fmt.Sprintf("%v", health["hubs"])},
		{"networks", fmt.Sprintf("%v", health["networks"])},
		{"is_hub", fmt.Sprintf("%v", stats["isHub"])},
	}

	if isHub, _ := stats["isHub"].(bool); isHub {
		var hubStats map[string]any
		if err := fetchJSON(base+"/hubstats", &hubStats); err == nil {
			rows = append(rows,
				[]string{"overlay ready", fmt.Sprintf("%v", hubStats["overlayReady"])},
				[]string{"known hubs", fmt.Sprintf("%v", hubStats["knownHubs"])},
				[]string{"migrated to p2p", renderList(hubStats["migratedToP2P"])},
			)
		}
		if bh, ok := stats["bootstrapHubs"].(map[string]any); ok {
			rows = append(rows, []string{"bootstrap hubs", fmt.Sprintf("%v/%v connected", bh["connected"], bh["total"])})
		}
	}

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)).Bold(true)
	borderStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(colorBg4))
	cellStyle := lipgloss.NewStyle().PaddingRight(2)

	t := ltable.New().
		Headers("FIELD", "VALUE").
		Rows(rows...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == ltable.HeaderRow {
				return headerStyle.PaddingRight(2)
			}
			return cellStyle
		})

	fmt.Println(t)
	return nil
}

func fetchJSON(url string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func renderList(v any) string {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%v", it))
	}
	return strings.Join(parts, ", ")
}
