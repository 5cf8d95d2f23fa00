package registry

import (
	"encoding/json"
	"sync"
	"time"
)

// HubRecord is the federation-facing subset of a LocalPeer that has
// self-announced as a hub (spec §3).
type HubRecord struct {
	PeerID       string
	NetworkName  string
	RegisteredAt time.Time
	LastActivity time.Time
	Data         json.RawMessage
}

// HubRegistry tracks locally-connected peers that announced isHub=true.
// Invariant I1: every entry here must also be present (and isHub) in the
// owning ConnectionTable; Router (on announce and disconnect) and
// HubServer (on liveness sweep) keep both in sync on register/unregister.
type HubRegistry struct {
	mu   sync.Mutex
	hubs map[string]*HubRecord
}

func NewHubRegistry() *HubRegistry {
	return &HubRegistry{hubs: make(map[string]*HubRecord)}
}

// Register adds or refreshes a hub record.
func (r *HubRegistry) Register(peerID, networkName string, data json.RawMessage) *HubRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	rec := &HubRecord{PeerID: peerID, NetworkName: networkName, RegisteredAt: now, LastActivity: now, Data: data}
	r.hubs[peerID] = rec
	return rec
}

// Unregister removes a hub record, tied to the underlying LocalPeer's
// destruction.
func (r *HubRegistry) Unregister(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hubs, peerID)
}

// Get returns the hub record for peerId, if registered.
func (r *HubRegistry) Get(peerID string) (*HubRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.hubs[peerID]
	return rec, ok
}

// Touch refreshes a hub's last-activity timestamp.
func (r *HubRegistry) Touch(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.hubs[peerID]; ok {
		rec.LastActivity = time.Now()
	}
}

// Count returns the number of hubs currently registered, including this
// hub's own overlay participant once it has announced. Callers that need
// "other hubs besides myself" should exclude their own peerId from
// Snapshot.
func (r *HubRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// Snapshot returns a copy of all hub records.
func (r *HubRegistry) Snapshot() []*HubRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*HubRecord, 0, len(r.hubs))
	for _, rec := range r.hubs {
		out = append(out, rec)
	}
	return out
}
