// Package config loads and saves hub configuration as TOML, the way the
// rest of the ecosystem's operator tooling does it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// HubConfig is the full set of recognized options from spec §6.
type HubConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MaxPortRetries int    `toml:"max_port_retries"`
	MaxConnections int    `toml:"max_connections"`

	CleanupIntervalSeconds int `toml:"cleanup_interval_seconds"`
	PeerTimeoutSeconds     int `toml:"peer_timeout_seconds"`
	MaxMessageSize         int `toml:"max_message_size"`

	IsHub            bool     `toml:"is_hub"`
	HubMeshNamespace string   `toml:"hub_mesh_namespace"`
	BootstrapHubs    []string `toml:"bootstrap_hubs"`
	AutoConnect      bool     `toml:"auto_connect"`

	ReconnectIntervalSeconds int `toml:"reconnect_interval_seconds"`
	MaxReconnectAttempts     int `toml:"max_reconnect_attempts"`

	HubMeshMinPeers           int     `toml:"hub_mesh_min_peers"`
	HubMeshMaxPeers           int     `toml:"hub_mesh_max_peers"`
	MeshMigrationDelaySeconds float64 `toml:"mesh_migration_delay_seconds"`

	STUNServers []string `toml:"stun_servers"`
	TURNServers []string `toml:"turn_servers"`
	TURNSecret  string   `toml:"turn_secret"`
	ForceRelay  bool     `toml:"force_relay"`

	VerboseLogging bool   `toml:"verbose_logging"`
	CORSOrigin     string `toml:"cors_origin"`
}

// DefaultSTUNServers are the public STUN servers used when none are
// configured, for ICE gathering on overlay hub-to-hub connections.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfig returns a HubConfig populated with the defaults named
// throughout spec §4 and §6.
func DefaultConfig() *HubConfig {
	return &HubConfig{
		Host:                      "0.0.0.0",
		Port:                      3000,
		MaxPortRetries:            10,
		MaxConnections:            1000,
		CleanupIntervalSeconds:    30,
		PeerTimeoutSeconds:        300,
		MaxMessageSize:            1 << 20,
		IsHub:                     false,
		HubMeshNamespace:          "pigeonhub-mesh",
		AutoConnect:               true,
		ReconnectIntervalSeconds:  5,
		MaxReconnectAttempts:      10,
		HubMeshMinPeers:           2,
		HubMeshMaxPeers:           3,
		MeshMigrationDelaySeconds: 0,
		STUNServers:               append([]string(nil), DefaultSTUNServers...),
		VerboseLogging:            false,
	}
}

func (c *HubConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

func (c *HubConfig) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutSeconds) * time.Second
}

func (c *HubConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSeconds) * time.Second
}

func (c *HubConfig) MeshMigrationDelay() time.Duration {
	return time.Duration(c.MeshMigrationDelaySeconds * float64(time.Second))
}

// Load reads a HubConfig from a TOML file, applying defaults for any field
// left unset.
func Load(path string) (*HubConfig, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save encodes cfg as TOML and writes it to path, creating or truncating it
// with os.Create's default mode (0666 before umask). The written file
// includes TURNSecret when one is set.
func Save(path string, cfg *HubConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// ApplyEnv overrides PORT, HOST, MAX_CONNECTIONS, and CORS_ORIGIN from the
// process environment, per spec §6's process lifecycle section. Only
// variables that are actually set are applied.
func ApplyEnv(cfg *HubConfig) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := parsePositiveInt(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value %q is not a positive integer", s)
	}
	return n, nil
}
