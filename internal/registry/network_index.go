package registry

import "sync"

// NetworkIndex maps a network name to the set of locally-connected peers
// that have announced into it. A peer may belong to at most one network:
// its first Attach call wins for the lifetime of the connection.
type NetworkIndex struct {
	mu          sync.Mutex
	members     map[string]map[string]struct{}
	peerNetwork map[string]string
}

func NewNetworkIndex() *NetworkIndex {
	return &NetworkIndex{
		members:     make(map[string]map[string]struct{}),
		peerNetwork: make(map[string]string),
	}
}

// Attach records peerId as a member of network. If peerId is already
// attached to some network (including this one), the call is a no-op and
// ok is false — first announced name wins.
func (n *NetworkIndex) Attach(peerID, network string) (effective string, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, attached := n.peerNetwork[peerID]; attached {
		return existing, false
	}

	n.peerNetwork[peerID] = network
	set, exists := n.members[network]
	if !exists {
		set = make(map[string]struct{})
		n.members[network] = set
	}
	set[peerID] = struct{}{}
	return network, true
}

// Detach removes peerId from whatever network it belonged to. Empty
// networks are garbage-collected.
func (n *NetworkIndex) Detach(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	network, ok := n.peerNetwork[peerID]
	if !ok {
		return
	}
	delete(n.peerNetwork, peerID)
	if set, ok := n.members[network]; ok {
		delete(set, peerID)
		if len(set) == 0 {
			delete(n.members, network)
		}
	}
}

// Members returns a snapshot of the peers currently attached to network.
func (n *NetworkIndex) Members(network string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.members[network]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// NetworkOf returns the network a peer has announced into, if any.
func (n *NetworkIndex) NetworkOf(peerID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	network, ok := n.peerNetwork[peerID]
	return network, ok
}

// NetworkCount returns the number of non-empty networks currently tracked.
func (n *NetworkIndex) NetworkCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.members)
}
