// Package hub assembles the fabric's pieces — ConnectionTable/NetworkIndex/
// HubRegistry/RemotePeerCache/RelayTable, Router, and (when configured as a
// hub) BootstrapConnector, HubMeshClient, and MigrationController — into
// the accept loop and HTTP surface a standalone process runs (spec §4.11).
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/hubmesh/internal/bootstrap"
	"github.com/kuuji/hubmesh/internal/config"
	"github.com/kuuji/hubmesh/internal/identity"
	"github.com/kuuji/hubmesh/internal/migration"
	"github.com/kuuji/hubmesh/internal/overlay"
	"github.com/kuuji/hubmesh/internal/registry"
	"github.com/kuuji/hubmesh/internal/router"
	"github.com/kuuji/hubmesh/pkg/protocol"
)

// settleDelay is how long Start waits before wiring up federation, so the
// framed listener is fully accepting connections first.
const settleDelay = 1 * time.Second

// Server is one fabric hub: the accept loop, HTTP introspection surface,
// and (when cfg.IsHub) the federation stack wired together.
type Server struct {
	log *slog.Logger

	mu        sync.Mutex
	cfg       *config.HubConfig
	running   bool
	startedAt time.Time
	hubPeerID string

	connections *registry.ConnectionTable
	networks    *registry.NetworkIndex
	hubs        *registry.HubRegistry
	remotePeers *registry.RemotePeerCache
	relays      *registry.RelayTable
	router      *router.Router

	overlayClient *overlay.Client
	bootstrapConn *bootstrap.Connector
	migrationCtl  *migration.Controller

	listener   net.Listener
	boundPort  int
	httpServer *http.Server

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}

	subsMu      sync.Mutex
	subscribers []func(event, peerID string)
}

// New constructs a Server. Call Start to begin accepting connections.
func New(cfg *config.HubConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	peerID, err := identity.New()
	if err != nil {
		return nil, fmt.Errorf("generating hub peer id: %w", err)
	}

	s := &Server{
		log:         logger.With("component", "hub"),
		cfg:         cfg,
		hubPeerID:   peerID,
		connections: registry.NewConnectionTable(),
		networks:    registry.NewNetworkIndex(),
		hubs:        registry.NewHubRegistry(),
		remotePeers: registry.NewRemotePeerCache(),
		relays:      registry.NewRelayTable(registry.DefaultRelayTTL),
	}

	s.router = router.New(router.Config{
		SelfHubPeerID: peerID,
		Connections:   s.connections,
		Networks:      s.networks,
		Hubs:          s.hubs,
		RemotePeers:   s.remotePeers,
		Relays:        s.relays,
		Logger:        s.log,
		OnEvent:       s.emit,
	})

	return s, nil
}

// OnEvent registers a subscriber to the public event surface (spec §4.11).
// Subscribers are called in registration order, synchronously.
func (s *Server) OnEvent(fn func(event, peerID string)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Server) emit(event, peerID string) {
	s.subsMu.Lock()
	subs := make([]func(event, peerID string), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(event, peerID)
	}
}

func (s *Server) emitError(kind Kind, message string, err error) {
	herr := newError(kind, message, err)
	s.log.Warn("hub error", "kind", kind.String(), "message", message, "error", err)
	s.emit("error", herr.Error())
}

// Start binds the framed listener, retrying the next port on collision up
// to cfg.MaxPortRetries, and begins accepting connections. If cfg.IsHub,
// federation wiring (HubMeshClient, BootstrapConnector, MigrationController)
// begins after a short settle delay.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return newError(ConfigError, "server already running", nil)
	}
	s.mu.Unlock()

	port := s.cfg.Port
	var ln net.Listener
	var err error
	for attempt := 0; attempt <= s.cfg.MaxPortRetries; attempt++ {
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		port++
	}
	if err != nil {
		return fmt.Errorf("binding listener after %d retries: %w", s.cfg.MaxPortRetries, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.boundPort = port
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.httpServer = &http.Server{Handler: s}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.emitError(TransportError, "listener serve failed", err)
		}
	}()

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel = cancel
	s.cleanupDone = make(chan struct{})
	go s.runCleanup(cleanupCtx)

	s.log.Info("hub started", "host", s.cfg.Host, "port", port, "is_hub", s.cfg.IsHub)
	s.emit("started", "")

	if s.cfg.IsHub {
		go func() {
			time.Sleep(settleDelay)
			s.startFederation()
		}()
	}

	return nil
}

// startFederation initializes HubMeshClient, BootstrapConnector, and
// MigrationController. Called once, after Start's settle delay.
func (s *Server) startFederation() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	hostPort := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.boundPort))
	s.mu.Unlock()

	// migrationCtl is constructed after client, but the client's config needs
	// to hand it readiness changes — so the callback closes over this
	// not-yet-set pointer rather than a private client field.
	var migrationCtl *migration.Controller

	client := overlay.NewClient(overlay.ClientConfig{
		SelfHubPeerID: s.hubPeerID,
		Namespace:     s.cfg.HubMeshNamespace,
		MinPeers:      s.cfg.HubMeshMinPeers,
		MaxPeers:      s.cfg.HubMeshMaxPeers,
		ICE: overlay.ICEConfig{
			STUNServers: s.cfg.STUNServers,
			TURNServers: s.cfg.TURNServers,
			TURNSecret:  s.cfg.TURNSecret,
			ForceRelay:  s.cfg.ForceRelay,
		},
		Logger: s.log,
		Submit: func(frame []byte) error {
			return s.router.Dispatch(router.ClientSource(s.hubPeerID), frame)
		},
		OnOverlayMessage: func(originHub string, frame []byte) {
			if err := s.router.Dispatch(router.OverlaySource(originHub), frame); err != nil {
				s.emitError(RoutingError, "overlay dispatch failed", err)
			}
		},
		OnReadyChange: func(ready bool) {
			if migrationCtl != nil {
				migrationCtl.OnOverlayReadyChange(ready)
			}
		},
	})

	s.mu.Lock()
	s.overlayClient = client
	s.mu.Unlock()

	s.connections.Add(s.hubPeerID, client)
	s.connections.MarkAnnounced(s.hubPeerID, s.cfg.HubMeshNamespace, true, nil)
	s.router.SetOverlay(client)

	bootstrapConn := bootstrap.New(bootstrap.Config{
		URIs:                 s.resolveBootstrapURIs(),
		SelfHostPort:         hostPort,
		SelfPeerID:           s.hubPeerID,
		ReconnectInterval:    time.Duration(s.cfg.ReconnectIntervalSeconds) * time.Second,
		MaxReconnectAttempts: s.cfg.MaxReconnectAttempts,
		Logger:               s.log,
		OnFrame: func(uri string, frame []byte) {
			if err := s.router.Dispatch(router.BootstrapSource(uri), frame); err != nil {
				s.emitError(RoutingError, "bootstrap dispatch failed", err)
			}
		},
		OnConnected: func(uri string) {
			s.announceOverBootstrap(uri)
			s.emit("bootstrapConnected", uri)
		},
		OnDisconnected: func(uri string) { s.emit("bootstrapDisconnected", uri) },
	})

	s.router.SetBootstrap(bootstrapConn)

	migrationCtl = migration.New(migration.Config{
		Overlay:       client,
		Bootstrap:     bootstrapConn,
		Connections:   s.connections,
		DebounceDelay: s.cfg.MeshMigrationDelay(),
		Logger:        s.log,
		OnEvent:       s.emit,
	})

	s.mu.Lock()
	s.bootstrapConn = bootstrapConn
	s.migrationCtl = migrationCtl
	s.mu.Unlock()

	if err := client.Start(); err != nil {
		s.emitError(OverlayUnavailable, "overlay client start failed", err)
	}

	if s.cfg.AutoConnect {
		bootstrapConn.Start(context.Background())
	}
}

// announceOverBootstrap re-sends this hub's own announce, plus a
// peer-discovered frame for each of its known local peers, over a
// freshly-connected bootstrap link so the remote side catches up (spec
// §4.7 point 2, S5: a reconnecting hub re-announces itself and its local
// peers).
func (s *Server) announceOverBootstrap(uri string) {
	announce, err := protocol.New(protocol.TypeAnnounce, protocol.AnnounceData{IsHub: true})
	if err != nil {
		return
	}
	announce.FromPeerID = s.hubPeerID
	announce.NetworkName = s.cfg.HubMeshNamespace
	frame, err := protocol.Marshal(announce)
	if err != nil {
		return
	}
	if err := s.bootstrapConn.Send(uri, frame); err != nil {
		s.log.Warn("bootstrap catch-up announce failed", "uri", uri, "error", err)
	}

	for _, peer := range s.connections.Snapshot() {
		if peer.IsHub || !peer.Announced || peer.PeerID == s.hubPeerID {
			continue
		}
		discovered, err := protocol.New(protocol.TypePeerDiscovered, protocol.PeerDiscoveredData{
			PeerID: peer.PeerID, NetworkName: peer.NetworkName, IsHub: false, PeerData: peer.Capabilities,
		})
		if err != nil {
			continue
		}
		discovered.FromPeerID = s.hubPeerID
		discovered.NetworkName = peer.NetworkName
		pframe, err := protocol.Marshal(discovered)
		if err != nil {
			continue
		}
		if err := s.bootstrapConn.Send(uri, pframe); err != nil {
			s.log.Warn("bootstrap catch-up peer-discovered failed", "uri", uri, "peer", peer.PeerID, "error", err)
		}
	}
}

// resolveBootstrapURIs applies spec §6's "empty and non-default port means
// try default port 3000 on same host" rule.
func (s *Server) resolveBootstrapURIs() []string {
	if len(s.cfg.BootstrapHubs) > 0 {
		return s.cfg.BootstrapHubs
	}
	if s.boundPort == config.DefaultConfig().Port {
		return nil
	}
	return []string{fmt.Sprintf("ws://%s:%d", s.cfg.Host, config.DefaultConfig().Port)}
}

// Stop cancels all timers, disconnects HubMeshClient, closes bootstrap
// links, drains and closes client sockets, then shuts the listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cleanupCancel
	bootstrapConn := s.bootstrapConn
	overlayClient := s.overlayClient
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-s.cleanupDone
	}
	if bootstrapConn != nil {
		bootstrapConn.Stop()
	}
	if overlayClient != nil {
		_ = overlayClient.Close(1000, "server shutting down")
	}

	for _, peer := range s.connections.Snapshot() {
		_ = peer.Sink.Close(1000, "Server shutting down")
		s.connections.Remove(peer.PeerID)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http server shutdown", "error", err)
		}
	}

	s.log.Info("hub stopped")
	s.emit("stopped", "")
	return nil
}

func (s *Server) runCleanup(ctx context.Context) {
	defer close(s.cleanupDone)
	interval := s.cfg.CleanupInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	dead := s.connections.SweepLiveness(s.cfg.PeerTimeout())
	for _, peer := range dead {
		s.networks.Detach(peer.PeerID)
		if peer.IsHub {
			s.hubs.Unregister(peer.PeerID)
			s.emit("hubUnregistered", peer.PeerID)
		}
		s.emit("peerDisconnected", peer.PeerID)
		s.router.HandleLocalDisconnect(peer.PeerID)
	}
	s.remotePeers.Prune(s.cfg.PeerTimeout())
	s.relays.Sweep()
}

// isWebSocketUpgrade reports whether r is an HTTP Upgrade request for the
// websocket protocol.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// ServeHTTP implements http.Handler, multiplexing the wire framing accept
// path and the HTTP introspection surface (spec §6) onto one listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodOptions:
		s.handleCORSPreflight(w, r)
	case r.Method == http.MethodGet && isWebSocketUpgrade(r):
		s.handleSocket(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		s.handleHealth(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/hubs":
		s.handleHubs(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/stats":
		s.writeJSON(w, s.getStats())
	case r.Method == http.MethodGet && r.URL.Path == "/hubstats":
		s.writeJSON(w, s.getHubStats())
	case r.Method == http.MethodGet:
		s.handleBanner(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCORSPreflight(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	s.setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "hubmesh signaling hub — see /health and /hubs\n")
}

type healthResponse struct {
	Status      string      `json:"status"`
	Timestamp   int64       `json:"timestamp"`
	Uptime      float64     `json:"uptime"`
	IsHub       bool        `json:"isHub"`
	Connections int         `json:"connections"`
	Peers       int         `json:"peers"`
	Hubs        int         `json:"hubs"`
	Networks    int         `json:"networks"`
	Memory      memoryStats `json:"memory"`
}

type memoryStats struct {
	AllocBytes uint64 `json:"allocBytes"`
	SysBytes   uint64 `json:"sysBytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	resp := healthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UnixMilli(),
		Uptime:      s.uptimeSeconds(),
		IsHub:       s.cfg.IsHub,
		Connections: s.connections.Count(),
		Peers:       s.nonHubPeerCount(),
		Hubs:        s.hubs.Count(),
		Networks:    s.networks.NetworkCount(),
		Memory:      memoryStats{AllocBytes: mem.Alloc, SysBytes: mem.Sys},
	}
	s.writeJSON(w, resp)
}

type hubInfo struct {
	PeerID      string `json:"peerId"`
	NetworkName string `json:"networkName"`
}

func (s *Server) handleHubs(w http.ResponseWriter, r *http.Request) {
	recs := s.hubs.Snapshot()
	infos := make([]hubInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, hubInfo{PeerID: rec.PeerID, NetworkName: rec.NetworkName})
	}
	s.writeJSON(w, map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"totalHubs": len(infos),
		"hubs":      infos,
	})
}

func (s *Server) nonHubPeerCount() int {
	count := 0
	for _, p := range s.connections.Snapshot() {
		if !p.IsHub {
			count++
		}
	}
	return count
}

func (s *Server) uptimeSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt).Seconds()
}

// getStats returns the introspection snapshot named in spec §4.11.
func (s *Server) getStats() map[string]any {
	s.mu.Lock()
	running := s.running
	port := s.boundPort
	bootstrapConn := s.bootstrapConn
	s.mu.Unlock()

	bootstrapTotal := 0
	bootstrapConnected := 0
	if bootstrapConn != nil {
		uris := bootstrapConn.URIs()
		bootstrapTotal = len(uris)
		for _, uri := range uris {
			if bootstrapConn.Connected(uri) {
				bootstrapConnected++
			}
		}
	}

	return map[string]any{
		"isRunning":        running,
		"isHub":            s.cfg.IsHub,
		"hubPeerId":        s.hubPeerID,
		"hubMeshNamespace": s.cfg.HubMeshNamespace,
		"connections":      s.connections.Count(),
		"peers":            s.nonHubPeerCount(),
		"hubs":             s.hubs.Count(),
		"networks":         s.networks.NetworkCount(),
		"bootstrapHubs": map[string]any{
			"total":     bootstrapTotal,
			"connected": bootstrapConnected,
		},
		"maxConnections": s.cfg.MaxConnections,
		"uptime":         s.uptimeSeconds(),
		"host":           s.cfg.Host,
		"port":           port,
	}
}

// getHubStats returns federation-specific detail beyond getStats: overlay
// readiness, known hub count, open neighbor ids, and which hub links have migrated to the
// overlay (spec §4.11's introspection, supplemented per SPEC_FULL §12).
func (s *Server) getHubStats() map[string]any {
	s.mu.Lock()
	overlayClient := s.overlayClient
	migrationCtl := s.migrationCtl
	s.mu.Unlock()

	if overlayClient == nil {
		return map[string]any{"isHub": false}
	}

	var migrated []string
	if migrationCtl != nil {
		migrated = migrationCtl.MigratedPeers()
	}

	return map[string]any{
		"isHub":         true,
		"hubPeerId":     s.hubPeerID,
		"overlayReady":  overlayClient.Ready(),
		"knownHubs":     overlayClient.KnownHubCount(),
		"neighbors":     overlayClient.NeighborHubPeerIDs(),
		"migratedToP2P": migrated,
	}
}

// GetPeers returns every locally-connected peer id, network, and hub flag,
// for the getPeers() introspection method (spec §4.11).
func (s *Server) GetPeers() []PeerSummary {
	snap := s.connections.Snapshot()
	out := make([]PeerSummary, 0, len(snap))
	for _, p := range snap {
		out = append(out, PeerSummary{
			PeerID:      p.PeerID,
			NetworkName: p.NetworkName,
			IsHub:       p.IsHub,
			Announced:   p.Announced,
		})
	}
	return out
}

// PeerSummary is one entry returned by GetPeers.
type PeerSummary struct {
	PeerID      string `json:"peerId"`
	NetworkName string `json:"networkName"`
	IsHub       bool   `json:"isHub"`
	Announced   bool   `json:"announced"`
}

// GetHubMeshNamespace returns the currently-configured hub-mesh network
// name.
func (s *Server) GetHubMeshNamespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.HubMeshNamespace
}

// SetHubMeshNamespace changes the hub-mesh network name. Rejected with a
// ConfigError while the server is running (spec §4.11, §7).
func (s *Server) SetHubMeshNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return newError(ConfigError, "cannot change hub-mesh namespace while running", nil)
	}
	s.cfg.HubMeshNamespace = name
	return nil
}

// BoundPort returns the port Start actually bound, after any retry walk.
func (s *Server) BoundPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundPort
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peerId")
	if err := identity.Validate(peerID); err != nil {
		conn, acceptErr := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if acceptErr != nil {
			return
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid peerId")
		s.emitError(ProtocolError, "invalid peerId", err)
		return
	}

	if s.connections.Count() >= s.cfg.MaxConnections {
		conn, acceptErr := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if acceptErr != nil {
			return
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "Maximum connections reached")
		s.emitError(CapacityError, "maximum connections reached", nil)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(int64(s.cfg.MaxMessageSize))

	sink := newSocketSink(conn)
	result, _ := s.connections.Add(peerID, sink)
	if result == registry.Rejected {
		_ = sink.Close(1008, "Peer already connected")
		s.emitError(CapacityError, "duplicate active peerId", nil)
		return
	}
	s.emit("peerConnected", peerID)

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if err := s.router.Dispatch(router.ClientSource(peerID), data); err != nil {
			s.emitError(RoutingError, "dispatch failed", err)
		}
		s.connections.Touch(peerID)
	}

	_ = sink.Close(1006, "")
	s.router.HandleLocalDisconnect(peerID)
}
