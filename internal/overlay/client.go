package overlay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kuuji/hubmesh/internal/identity"
	"github.com/kuuji/hubmesh/pkg/protocol"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	SelfHubPeerID string
	Namespace     string

	MinPeers int
	MaxPeers int

	ICE ICEConfig

	Logger *slog.Logger

	// Submit sends a signaling-shaped Message (announce, offer, answer,
	// ice-candidate) back through the hub's own Router dispatch path, as if
	// it had arrived from a regular local client with peer id
	// SelfHubPeerID. This is how overlay link setup rides the existing
	// federation routing instead of a side channel.
	Submit func(frame []byte) error

	// OnOverlayMessage delivers an inbound relay frame (peer-announce-relay
	// or client-signal-relay) received over an open neighbor data channel,
	// so Router can dispatch it with origin=overlay and originHub=the
	// neighbor it arrived from.
	OnOverlayMessage func(originHub string, frame []byte)

	// OnReadyChange is called whenever Ready()'s value flips, so
	// MigrationController can react without polling faster than it needs
	// to.
	OnReadyChange func(ready bool)
}

// neighbor tracks one overlay peer connection and whether its data channel
// is currently open for application traffic.
type neighbor struct {
	hubPeerID string
	peer      *Peer
	open      bool
}

// Client is a hub's own participant in the hub-mesh overlay: it maintains a
// bounded set of direct WebRTC links to other hubs, selecting and evicting
// neighbors by XOR distance, and exposes the send/multicast primitives
// Router uses once those links are up (spec §4.8).
//
// Client also implements registry.Sink so it can be registered into a
// ConnectionTable under its own hub peer id, letting it receive frames
// through the exact same local-delivery path as any other client without
// HubServer and Client holding direct references to each other.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu        sync.Mutex
	neighbors map[string]*neighbor
	knownHubs map[string]struct{}
	lastReady bool
	closed    bool
}

// NewClient constructs a Client. Callers must still register it into the
// hub's ConnectionTable and call Start to announce it.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MinPeers <= 0 {
		cfg.MinPeers = 2
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 3
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		log:       log.With("component", "overlay", "hub", cfg.SelfHubPeerID),
		neighbors: make(map[string]*neighbor),
		knownHubs: make(map[string]struct{}),
	}
}

// Start submits this hub's own announce message, exactly as a regular
// client would, so it is registered into the local network index and hub
// registry by the ordinary announce path.
func (c *Client) Start() error {
	data, err := protocol.New(protocol.TypeAnnounce, protocol.AnnounceData{IsHub: true})
	if err != nil {
		return err
	}
	data.NetworkName = c.cfg.Namespace
	data.FromPeerID = c.cfg.SelfHubPeerID
	frame, err := protocol.Marshal(data)
	if err != nil {
		return err
	}
	return c.cfg.Submit(frame)
}

// SendTo writes a pre-marshaled relay frame directly to one open
// neighbor's data channel.
func (c *Client) SendTo(payload []byte, targetHubPeerID string) error {
	c.mu.Lock()
	n, ok := c.neighbors[targetHubPeerID]
	c.mu.Unlock()
	if !ok || !n.open {
		return fmt.Errorf("no open overlay link to hub %s", targetHubPeerID)
	}
	dc := n.peer.DataChannel()
	if dc == nil {
		return fmt.Errorf("overlay link to hub %s has no data channel", targetHubPeerID)
	}
	return dc.Send(payload)
}

// Multicast writes payload to every currently-open neighbor concurrently.
func (c *Client) Multicast(payload []byte) error {
	c.mu.Lock()
	open := make([]*neighbor, 0, len(c.neighbors))
	for _, n := range c.neighbors {
		if n.open {
			open = append(open, n)
		}
	}
	c.mu.Unlock()

	g := new(errgroup.Group)
	for _, n := range open {
		n := n
		g.Go(func() error {
			dc := n.peer.DataChannel()
			if dc == nil {
				return nil
			}
			return dc.Send(payload)
		})
	}
	return g.Wait()
}

// Ready reports whether the overlay has reached its minimum peer window
// (spec §4.10: migration only proceeds once enough direct links are up), or
// whether it has linked every hub it knows about. The second case matters
// for small federations: a 2-hub mesh only ever supports one neighbor link
// per hub, so MinPeers (default 2) would otherwise never be satisfiable.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	open := c.openCountLocked()
	if open >= c.cfg.MinPeers {
		return true
	}
	known := len(c.knownHubs)
	return known > 0 && open >= known
}

// KnownHubCount returns the number of distinct hubs discovered so far,
// excluding this one.
func (c *Client) KnownHubCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.knownHubs)
}

// NeighborHubPeerIDs reports the open neighbors, for MigrationController to
// cross-reference against direct bootstrap/client hub links.
func (c *Client) NeighborHubPeerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.neighbors))
	for id, n := range c.neighbors {
		if n.open {
			out = append(out, id)
		}
	}
	return out
}

// ClosestNeighbors ranks this hub's open neighbors by XOR distance to
// target, excluding excludeHub, used by Router to pick a next hop when the
// target hub isn't a direct neighbor.
func (c *Client) ClosestNeighbors(target, excludeHub string, k int) []string {
	c.mu.Lock()
	candidates := make([]string, 0, len(c.neighbors))
	for id, n := range c.neighbors {
		if n.open && id != excludeHub {
			candidates = append(candidates, id)
		}
	}
	c.mu.Unlock()
	return identity.Closest(target, candidates, k)
}

// IsOpen satisfies registry.Sink. The mesh client's own local registry
// entry stays open until Close is called — it represents this hub's
// process, not a socket that can drop.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close satisfies registry.Sink, tearing down every neighbor link.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	c.closed = true
	neighbors := make([]*neighbor, 0, len(c.neighbors))
	for _, n := range c.neighbors {
		neighbors = append(neighbors, n)
	}
	c.neighbors = make(map[string]*neighbor)
	c.mu.Unlock()

	for _, n := range neighbors {
		_ = n.peer.Close()
	}
	return nil
}

// HandleHubDiscovered reacts to a peer-discovered notification for a
// remote hub joining the mesh namespace: records it as known and attempts
// to open a neighbor link if there's room, or it's closer than the
// farthest current neighbor.
func (c *Client) HandleHubDiscovered(hubPeerID string) {
	if hubPeerID == c.cfg.SelfHubPeerID {
		return
	}
	c.mu.Lock()
	c.knownHubs[hubPeerID] = struct{}{}
	_, exists := c.neighbors[hubPeerID]
	c.mu.Unlock()
	if exists {
		return
	}
	c.maybeOpenNeighbor(hubPeerID)
}

// Send satisfies registry.Sink: it delivers a frame routed by the hub to
// this hub's own local entry — offer/answer/ice-candidate frames
// establishing a neighbor link, or a synthetic peer-discovered
// notification about a newly announced hub.
func (c *Client) Send(frame []byte) error {
	msg, err := protocol.Unmarshal(frame)
	if err != nil {
		return err
	}
	switch msg.Type {
	case protocol.TypePeerDiscovered:
		var d protocol.PeerDiscoveredData
		if err := msg.DecodeData(&d); err != nil {
			return err
		}
		if d.IsHub {
			c.HandleHubDiscovered(d.PeerID)
		}
		return nil

	case protocol.TypeOffer:
		var d protocol.SDPData
		if err := msg.DecodeData(&d); err != nil {
			return err
		}
		return c.handleRemoteOffer(msg.FromPeerID, d.SDP)

	case protocol.TypeAnswer:
		var d protocol.SDPData
		if err := msg.DecodeData(&d); err != nil {
			return err
		}
		return c.handleRemoteAnswer(msg.FromPeerID, d.SDP)

	case protocol.TypeICECandidate:
		var d protocol.ICECandidateData
		if err := msg.DecodeData(&d); err != nil {
			return err
		}
		return c.handleRemoteCandidate(msg.FromPeerID, d.Candidate)

	default:
		c.log.Debug("overlay client ignoring frame", "type", msg.Type)
		return nil
	}
}

func (c *Client) maybeOpenNeighbor(hubPeerID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.neighbors[hubPeerID]; exists {
		c.mu.Unlock()
		return
	}
	if c.openCountLocked() >= c.cfg.MaxPeers {
		worst, worstDist := c.farthestNeighborLocked()
		if worst == "" {
			c.mu.Unlock()
			return
		}
		newDist, err := identity.XORDistance(c.cfg.SelfHubPeerID, hubPeerID)
		if err != nil || newDist >= worstDist {
			c.mu.Unlock()
			return
		}
		c.evictLocked(worst)
	}
	n := &neighbor{hubPeerID: hubPeerID}
	c.neighbors[hubPeerID] = n
	c.mu.Unlock()

	peer, err := c.newPeer(hubPeerID)
	if err != nil {
		c.log.Error("creating overlay peer failed", "remote_hub", hubPeerID, "error", err)
		c.mu.Lock()
		delete(c.neighbors, hubPeerID)
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	n.peer = peer
	c.mu.Unlock()

	sdp, err := peer.CreateOffer()
	if err != nil {
		c.log.Error("creating overlay offer failed", "remote_hub", hubPeerID, "error", err)
		return
	}
	c.submitSignal(protocol.TypeOffer, hubPeerID, protocol.SDPData{SDP: sdp})
}

func (c *Client) handleRemoteOffer(remoteHub, sdp string) error {
	c.mu.Lock()
	n, exists := c.neighbors[remoteHub]
	c.mu.Unlock()
	if !exists {
		peer, err := c.newPeer(remoteHub)
		if err != nil {
			return err
		}
		n = &neighbor{hubPeerID: remoteHub, peer: peer}
		c.mu.Lock()
		c.neighbors[remoteHub] = n
		c.knownHubs[remoteHub] = struct{}{}
		c.mu.Unlock()
	}
	answer, err := n.peer.HandleOffer(sdp)
	if err != nil {
		return err
	}
	c.submitSignal(protocol.TypeAnswer, remoteHub, protocol.SDPData{SDP: answer})
	return nil
}

func (c *Client) handleRemoteAnswer(remoteHub, sdp string) error {
	c.mu.Lock()
	n, exists := c.neighbors[remoteHub]
	c.mu.Unlock()
	if !exists {
		return fmt.Errorf("overlay answer from unknown hub %s", remoteHub)
	}
	return n.peer.SetAnswer(sdp)
}

func (c *Client) handleRemoteCandidate(remoteHub, candidate string) error {
	c.mu.Lock()
	n, exists := c.neighbors[remoteHub]
	c.mu.Unlock()
	if !exists {
		return nil
	}
	return n.peer.AddICECandidate(candidate)
}

func (c *Client) newPeer(remoteHub string) (*Peer, error) {
	return NewPeer(PeerConfig{
		ICE:             c.cfg.ICE,
		LocalHubPeerID:  c.cfg.SelfHubPeerID,
		RemoteHubPeerID: remoteHub,
		Logger:          c.log,
		OnICECandidate: func(candidate string) {
			c.submitSignal(protocol.TypeICECandidate, remoteHub, protocol.ICECandidateData{Candidate: candidate})
		},
		OnDataChannel: func(dc *webrtc.DataChannel) {
			c.mu.Lock()
			if n, ok := c.neighbors[remoteHub]; ok {
				n.open = true
			}
			c.mu.Unlock()
			c.notifyReadyChange()
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if c.cfg.OnOverlayMessage != nil {
					c.cfg.OnOverlayMessage(remoteHub, msg.Data)
				}
			})
		},
		OnConnectionStateChange: func(state webrtc.ICEConnectionState) {
			if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
				c.mu.Lock()
				delete(c.neighbors, remoteHub)
				c.mu.Unlock()
				c.notifyReadyChange()
			}
		},
	})
}

func (c *Client) submitSignal(typ, targetHub string, payload any) {
	msg, err := protocol.New(typ, payload)
	if err != nil {
		c.log.Error("encoding overlay signal failed", "type", typ, "error", err)
		return
	}
	msg.FromPeerID = c.cfg.SelfHubPeerID
	msg.TargetPeerID = targetHub
	msg.NetworkName = c.cfg.Namespace
	frame, err := protocol.Marshal(msg)
	if err != nil {
		c.log.Error("marshaling overlay signal failed", "type", typ, "error", err)
		return
	}
	if err := c.cfg.Submit(frame); err != nil {
		c.log.Warn("submitting overlay signal failed", "type", typ, "target_hub", targetHub, "error", err)
	}
}

func (c *Client) notifyReadyChange() {
	ready := c.Ready()
	c.mu.Lock()
	changed := ready != c.lastReady
	c.lastReady = ready
	c.mu.Unlock()
	if changed && c.cfg.OnReadyChange != nil {
		c.cfg.OnReadyChange(ready)
	}
}

// openCountLocked must be called with c.mu held.
func (c *Client) openCountLocked() int {
	n := 0
	for _, neigh := range c.neighbors {
		if neigh.open {
			n++
		}
	}
	return n
}

// farthestNeighborLocked returns the open neighbor with the greatest XOR
// distance from self, for eviction when at capacity. Must be called with
// c.mu held.
func (c *Client) farthestNeighborLocked() (string, int) {
	worst := ""
	worstDist := -1
	for id, n := range c.neighbors {
		if !n.open {
			continue
		}
		d, err := identity.XORDistance(c.cfg.SelfHubPeerID, id)
		if err != nil {
			continue
		}
		if d > worstDist {
			worst, worstDist = id, d
		}
	}
	return worst, worstDist
}

// evictLocked closes and removes a neighbor. Must be called with c.mu held.
func (c *Client) evictLocked(hubPeerID string) {
	n, ok := c.neighbors[hubPeerID]
	if !ok {
		return
	}
	delete(c.neighbors, hubPeerID)
	go func() {
		_ = n.peer.Close()
	}()
}

