package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultRelayTTL is the default window within which an identical
// fingerprint is considered already-handled (spec §4.6).
const DefaultRelayTTL = 5 * time.Second

// RelayTable deduplicates in-flight forwards by a short-TTL fingerprint,
// breaking the forwarding loops that federation fan-out would otherwise
// create (invariant I4).
type RelayTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewRelayTable(ttl time.Duration) *RelayTable {
	if ttl <= 0 {
		ttl = DefaultRelayTTL
	}
	return &RelayTable{ttl: ttl, entries: make(map[string]time.Time)}
}

// TryInsert returns false if fingerprint was already inserted within the
// TTL window (meaning it must not be acted on again), otherwise records it
// with the current time and returns true.
func (r *RelayTable) TryInsert(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.entries[fingerprint]; ok && time.Since(t) < r.ttl {
		return false
	}
	r.entries[fingerprint] = time.Now()
	return true
}

// Sweep drops fingerprints older than the TTL. Called from the periodic
// cleanup cycle; TryInsert also self-expires so Sweep is purely about
// bounding memory between calls.
func (r *RelayTable) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	removed := 0
	for fp, t := range r.entries {
		if now.Sub(t) >= r.ttl {
			delete(r.entries, fp)
			removed++
		}
	}
	return removed
}

// SignalFingerprint builds the fingerprint for a client signaling relay:
// (type, fromPeerId, targetPeerId, hash(data)).
func SignalFingerprint(kind, from, target string, data []byte) string {
	return fmt.Sprintf("%s:%s:%s:%08x", kind, from, target, contentHash(data))
}

// AnnounceFingerprint builds the fingerprint for a peer-announce relay:
// (peerId, networkName).
func AnnounceFingerprint(peerID, networkName string) string {
	return fmt.Sprintf("announce:%s:%s", peerID, networkName)
}

// contentHash is the spec's "32-bit rolling hash of the serialized
// payload" — xxhash64 truncated to 32 bits, fast and collision-resistant
// enough for loop-breaking (not a security boundary).
func contentHash(data []byte) uint32 {
	return uint32(xxhash.Sum64(data))
}
