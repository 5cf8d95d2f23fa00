// Package migration implements the hand-off from bootstrap-relayed
// federation to the direct hub-to-hub overlay mesh. It does not poll: it is
// wired as the overlay client's OnReadyChange callback, so it reacts the
// instant quorum is reached or lost instead of sampling state on a timer.
package migration

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/hubmesh/internal/registry"
)

// MaxDebounce caps how long the controller waits for overlay readiness to
// settle before migrating. The spec allows up to 10s; callers asking for
// more get clamped to this.
const MaxDebounce = 10 * time.Second

// Overlay is the subset of the hub's overlay client this controller needs.
// Kept narrow (the Go idiom of accepting only what's used) so this package
// never has to import internal/overlay.
type Overlay interface {
	Ready() bool
	KnownHubCount() int
	NeighborHubPeerIDs() []string
}

// Bootstrap is the subset of the federation connector this controller
// drives; satisfied structurally by *bootstrap.Connector.
type Bootstrap interface {
	Pause(reason string)
	Resume()
}

// Config wires a Controller to the hub's overlay client, bootstrap
// connector, and connection table.
type Config struct {
	Overlay     Overlay
	Bootstrap   Bootstrap // nilable: a hub run with no bootstrap peers never pauses anything
	Connections *registry.ConnectionTable

	// DebounceDelay is how long overlay readiness must hold before this
	// controller acts. Zero means act immediately. Clamped to MaxDebounce.
	DebounceDelay time.Duration

	Logger *slog.Logger
	// OnEvent reports lifecycle events (currently "hubMeshMigrated") to the
	// hub's public event bus.
	OnEvent func(event string, peerID string)
}

// Controller watches overlay readiness and migrates hub-to-hub traffic off
// bootstrap-relayed framed sockets once the overlay mesh can carry it.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	timer         *time.Timer
	migrated      bool
	migratedToP2P map[string]struct{}
}

// New creates a Controller. Wire its OnOverlayReadyChange method as the
// overlay client's ready-change callback.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:           cfg,
		log:           logger.With("component", "migration"),
		migratedToP2P: make(map[string]struct{}),
	}
}

// MigratedPeers reports the hub peer ids currently migrated to the overlay,
// i.e. whose framed socket this controller has closed in favor of a direct
// data channel.
func (c *Controller) MigratedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.migratedToP2P))
	for id := range c.migratedToP2P {
		out = append(out, id)
	}
	return out
}

// OnOverlayReadyChange is the overlay client's ready-change callback. It
// debounces readiness, migrates once it holds, and resumes bootstrap links
// if the overlay later falls back below quorum.
func (c *Controller) OnOverlayReadyChange(ready bool) {
	c.mu.Lock()
	if ready {
		if c.timer != nil || c.migrated {
			c.mu.Unlock()
			return
		}
		delay := c.cfg.DebounceDelay
		if delay > MaxDebounce {
			delay = MaxDebounce
		}
		if delay <= 0 {
			c.mu.Unlock()
			c.migrate()
			return
		}
		c.timer = time.AfterFunc(delay, c.fireMigrate)
		c.mu.Unlock()
		return
	}

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	wasMigrated := c.migrated
	c.mu.Unlock()

	if wasMigrated {
		c.resume()
	}
}

func (c *Controller) fireMigrate() {
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()
	c.migrate()
}

// migrate closes each overlay neighbor's direct framed socket, pauses
// bootstrap links once no partial migration remains, and reports
// hubMeshMigrated.
func (c *Controller) migrate() {
	c.mu.Lock()
	if c.migrated {
		c.mu.Unlock()
		return
	}
	if !c.cfg.Overlay.Ready() {
		// Readiness flapped before the debounce fired; let the next
		// OnOverlayReadyChange(true) re-arm the timer.
		c.mu.Unlock()
		return
	}

	var closed []string
	for _, hubID := range c.cfg.Overlay.NeighborHubPeerIDs() {
		peer, ok := c.cfg.Connections.Get(hubID)
		if !ok || !peer.IsHub {
			continue
		}
		_ = peer.Sink.Close(1000, "migrated to overlay")
		c.cfg.Connections.Remove(hubID)
		c.migratedToP2P[hubID] = struct{}{}
		closed = append(closed, hubID)
	}

	noPartialMigration := c.cfg.Overlay.KnownHubCount() > 0
	if noPartialMigration && c.cfg.Bootstrap != nil {
		c.cfg.Bootstrap.Pause("migrated to overlay")
	}
	c.migrated = true
	c.mu.Unlock()

	for _, hubID := range closed {
		c.log.Info("hub link migrated to overlay", "hub_peer_id", hubID)
	}
	c.event("hubMeshMigrated", "")
}

// resume reopens bootstrap links after overlay quorum is lost.
func (c *Controller) resume() {
	c.mu.Lock()
	c.migrated = false
	c.migratedToP2P = make(map[string]struct{})
	c.mu.Unlock()

	if c.cfg.Bootstrap != nil {
		c.cfg.Bootstrap.Resume()
	}
	c.log.Info("overlay quorum lost, resuming bootstrap links")
}

func (c *Controller) event(name, peerID string) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(name, peerID)
	}
}
