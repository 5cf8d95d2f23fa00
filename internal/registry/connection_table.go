// Package registry holds the per-hub tables described by the spec's data
// model: ConnectionTable, NetworkIndex, HubRegistry, RemotePeerCache, and
// RelayTable. All mutation is expected to happen on the hub's single
// logical writer (see the concurrency model); the mutexes here guard
// against the concurrent reads that the HTTP introspection endpoints and
// background sweeps perform.
package registry

import (
	"encoding/json"
	"sync"
	"time"
)

// Sink abstracts the destination a LocalPeer's frames are written to. The
// hub's own HubMeshClient registers an in-process Sink here instead of a
// real socket, so it rides the exact same ConnectionTable/Router path as
// any other client without a direct reference cycle between the hub and
// its mesh client.
type Sink interface {
	// Send writes a single wire frame to this peer.
	Send(frame []byte) error
	// Close closes the underlying transport with a status code and reason.
	Close(code int, reason string) error
	// IsOpen reports whether the transport is still usable.
	IsOpen() bool
}

// AddResult is the outcome of ConnectionTable.Add.
type AddResult int

const (
	Added AddResult = iota
	DuplicateDisplacingStale
	Rejected
)

// LocalPeer is a connected socket's state, as described in spec §3.
type LocalPeer struct {
	PeerID       string
	Sink         Sink
	ConnectedAt  time.Time
	LastActivity time.Time
	NetworkName  string
	Announced    bool
	IsHub        bool
	Capabilities json.RawMessage
}

// ConnectionTable maps peerId to LocalPeer for one hub.
type ConnectionTable struct {
	mu    sync.Mutex
	peers map[string]*LocalPeer
}

func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{peers: make(map[string]*LocalPeer)}
}

// Add registers a new socket under peerId. If an entry already exists and
// its sink is open, the add is rejected (duplicate active peerId). If the
// existing entry's sink is closed, it is displaced silently.
func (t *ConnectionTable) Add(peerID string, sink Sink) (AddResult, *LocalPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if existing, ok := t.peers[peerID]; ok {
		if existing.Sink.IsOpen() {
			return Rejected, existing
		}
		peer := &LocalPeer{PeerID: peerID, Sink: sink, ConnectedAt: now, LastActivity: now}
		t.peers[peerID] = peer
		return DuplicateDisplacingStale, peer
	}

	peer := &LocalPeer{PeerID: peerID, Sink: sink, ConnectedAt: now, LastActivity: now}
	t.peers[peerID] = peer
	return Added, peer
}

// Remove deletes peerId from the table, returning the removed entry if one
// existed.
func (t *ConnectionTable) Remove(peerID string) (*LocalPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[peerID]
	if ok {
		delete(t.peers, peerID)
	}
	return peer, ok
}

// Get returns the LocalPeer for peerId, if connected.
func (t *ConnectionTable) Get(peerID string) (*LocalPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[peerID]
	return peer, ok
}

// MarkAnnounced records a peer's first announcement. Returns false if the
// peer had already announced (first-announce-wins, spec §3 LocalPeer).
func (t *ConnectionTable) MarkAnnounced(peerID, networkName string, isHub bool, capabilities json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[peerID]
	if !ok || peer.Announced {
		return false
	}
	peer.Announced = true
	peer.NetworkName = networkName
	peer.IsHub = isHub
	peer.Capabilities = capabilities
	return true
}

// Touch refreshes a peer's last-activity timestamp.
func (t *ConnectionTable) Touch(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer, ok := t.peers[peerID]; ok {
		peer.LastActivity = time.Now()
	}
}

// Snapshot returns a copy of the current peer list for lock-free reads
// (e.g. HTTP introspection).
func (t *ConnectionTable) Snapshot() []*LocalPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*LocalPeer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the number of connected peers.
func (t *ConnectionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// SweepLiveness removes peers whose sink has gone dead, and closes and
// removes peers inactive longer than timeout. Returns the removed peers so
// the caller (HubServer) can emit disconnection notifications and detach
// them from the NetworkIndex/HubRegistry.
func (t *ConnectionTable) SweepLiveness(timeout time.Duration) []*LocalPeer {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var removed []*LocalPeer
	for id, peer := range t.peers {
		if !peer.Sink.IsOpen() {
			delete(t.peers, id)
			removed = append(removed, peer)
			continue
		}
		if timeout > 0 && now.Sub(peer.LastActivity) > timeout {
			_ = peer.Sink.Close(1000, "idle timeout")
			delete(t.peers, id)
			removed = append(removed, peer)
		}
	}
	return removed
}
