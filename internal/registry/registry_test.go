package registry

import (
	"testing"
	"time"
)

type fakeSink struct {
	open bool
	sent [][]byte
}

func (f *fakeSink) Send(frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeSink) Close(code int, reason string) error { f.open = false; return nil }
func (f *fakeSink) IsOpen() bool                        { return f.open }

func TestConnectionTableAddRejectsActiveDuplicate(t *testing.T) {
	ct := NewConnectionTable()
	s1 := &fakeSink{open: true}
	res, _ := ct.Add("peer1", s1)
	if res != Added {
		t.Fatalf("first Add = %v, want Added", res)
	}

	s2 := &fakeSink{open: true}
	res, peer := ct.Add("peer1", s2)
	if res != Rejected {
		t.Fatalf("duplicate active Add = %v, want Rejected", res)
	}
	if peer.Sink != s1 {
		t.Fatalf("Rejected Add should return the existing peer")
	}
}

func TestConnectionTableAddDisplacesStale(t *testing.T) {
	ct := NewConnectionTable()
	s1 := &fakeSink{open: false}
	ct.Add("peer1", s1)

	s2 := &fakeSink{open: true}
	res, peer := ct.Add("peer1", s2)
	if res != DuplicateDisplacingStale {
		t.Fatalf("Add over stale = %v, want DuplicateDisplacingStale", res)
	}
	if peer.Sink != s2 {
		t.Fatalf("displaced entry should carry the new sink")
	}
}

func TestConnectionTableSweepLivenessRemovesDeadAndIdle(t *testing.T) {
	ct := NewConnectionTable()
	dead := &fakeSink{open: false}
	ct.Add("dead", dead)

	idle := &fakeSink{open: true}
	ct.Add("idle", idle)
	if peer, ok := ct.Get("idle"); ok {
		peer.LastActivity = time.Now().Add(-time.Hour)
	}

	fresh := &fakeSink{open: true}
	ct.Add("fresh", fresh)

	removed := ct.SweepLiveness(time.Minute)
	if len(removed) != 2 {
		t.Fatalf("SweepLiveness removed %d peers, want 2", len(removed))
	}
	if ct.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 remaining", ct.Count())
	}
	if idle.open {
		t.Fatalf("idle sink should have been closed by the sweep")
	}
}

func TestNetworkIndexFirstAnnounceWins(t *testing.T) {
	ni := NewNetworkIndex()
	eff, ok := ni.Attach("peer1", "net1")
	if !ok || eff != "net1" {
		t.Fatalf("first Attach = (%q, %v), want (net1, true)", eff, ok)
	}
	eff, ok = ni.Attach("peer1", "net2")
	if ok || eff != "net1" {
		t.Fatalf("second Attach = (%q, %v), want (net1, false)", eff, ok)
	}
	members := ni.Members("net1")
	if len(members) != 1 || members[0] != "peer1" {
		t.Fatalf("Members(net1) = %v", members)
	}
}

func TestNetworkIndexDetachGCsEmptyNetwork(t *testing.T) {
	ni := NewNetworkIndex()
	ni.Attach("peer1", "net1")
	ni.Detach("peer1")
	if ni.NetworkCount() != 0 {
		t.Fatalf("NetworkCount() = %d, want 0 after last member detaches", ni.NetworkCount())
	}
}

func TestRelayTableDedupesWithinTTL(t *testing.T) {
	rt := NewRelayTable(50 * time.Millisecond)
	fp := SignalFingerprint("offer", "a", "b", []byte("sdp"))
	if !rt.TryInsert(fp) {
		t.Fatalf("first TryInsert should succeed")
	}
	if rt.TryInsert(fp) {
		t.Fatalf("second TryInsert within TTL should fail")
	}
	time.Sleep(60 * time.Millisecond)
	if !rt.TryInsert(fp) {
		t.Fatalf("TryInsert after TTL expiry should succeed")
	}
}

func TestRemotePeerCachePrune(t *testing.T) {
	c := NewRemotePeerCache()
	c.Insert("peer1", "net1", nil)
	if members := c.Members("net1"); len(members) != 1 {
		t.Fatalf("Members = %v, want 1 entry", members)
	}
	// Age the entry out manually.
	c.mu.Lock()
	c.byNetwork["net1"]["peer1"].CachedAt = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	removed := c.Prune(time.Minute)
	if removed != 1 {
		t.Fatalf("Prune removed %d, want 1", removed)
	}
	if members := c.Members("net1"); len(members) != 0 {
		t.Fatalf("Members after prune = %v, want empty", members)
	}
}
