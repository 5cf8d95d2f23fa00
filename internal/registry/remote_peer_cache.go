package registry

import (
	"encoding/json"
	"sync"
	"time"
)

// RemotePeerEntry is a peer advertised by another hub, cached so that
// late-joining local clients can begin direct peer connections to it
// without waiting on a fresh federation round-trip (spec §4.5).
type RemotePeerEntry struct {
	PeerID      string
	NetworkName string
	Data        json.RawMessage
	CachedAt    time.Time
}

// RemotePeerCache stores, per network, the peers learned from other hubs.
type RemotePeerCache struct {
	mu        sync.Mutex
	byNetwork map[string]map[string]*RemotePeerEntry
}

func NewRemotePeerCache() *RemotePeerCache {
	return &RemotePeerCache{byNetwork: make(map[string]map[string]*RemotePeerEntry)}
}

// Insert records or refreshes a remote peer's cache entry.
func (c *RemotePeerCache) Insert(peerID, networkName string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byNetwork[networkName]
	if !ok {
		set = make(map[string]*RemotePeerEntry)
		c.byNetwork[networkName] = set
	}
	set[peerID] = &RemotePeerEntry{PeerID: peerID, NetworkName: networkName, Data: data, CachedAt: time.Now()}
}

// Remove deletes a remote peer's entry, e.g. on cross-hub disconnect or
// when this hub takes the peer over locally.
func (c *RemotePeerCache) Remove(peerID, networkName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.byNetwork[networkName]; ok {
		delete(set, peerID)
		if len(set) == 0 {
			delete(c.byNetwork, networkName)
		}
	}
}

// RemoveFromAllNetworks purges peerId regardless of which network it was
// cached under (used when this hub takes the peer over locally on
// announce).
func (c *RemotePeerCache) RemoveFromAllNetworks(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for network, set := range c.byNetwork {
		if _, ok := set[peerID]; ok {
			delete(set, peerID)
			if len(set) == 0 {
				delete(c.byNetwork, network)
			}
		}
	}
}

// Members returns the cached remote peers for a network.
func (c *RemotePeerCache) Members(networkName string) []*RemotePeerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byNetwork[networkName]
	if !ok {
		return nil
	}
	out := make([]*RemotePeerEntry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	return out
}

// Prune removes entries older than maxAge across all networks, returning
// the count removed. Called from the periodic liveness sweep.
func (c *RemotePeerCache) Prune(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for network, set := range c.byNetwork {
		for id, e := range set {
			if now.Sub(e.CachedAt) > maxAge {
				delete(set, id)
				removed++
			}
		}
		if len(set) == 0 {
			delete(c.byNetwork, network)
		}
	}
	return removed
}
