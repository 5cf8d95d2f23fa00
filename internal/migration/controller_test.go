package migration

import (
	"sync"
	"testing"
	"time"

	"github.com/kuuji/hubmesh/internal/registry"
)

type fakeSink struct {
	mu   sync.Mutex
	open bool
}

func newFakeSink() *fakeSink { return &fakeSink{open: true} }

func (s *fakeSink) Send(frame []byte) error { return nil }
func (s *fakeSink) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}
func (s *fakeSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

type fakeOverlay struct {
	mu        sync.Mutex
	ready     bool
	knownHubs int
	neighbors []string
}

func (f *fakeOverlay) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}
func (f *fakeOverlay) KnownHubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.knownHubs
}
func (f *fakeOverlay) NeighborHubPeerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.neighbors))
	copy(out, f.neighbors)
	return out
}

type fakeBootstrap struct {
	mu      sync.Mutex
	paused  bool
	pauses  int
	resumes int
}

func (f *fakeBootstrap) Pause(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.pauses++
}
func (f *fakeBootstrap) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.resumes++
}

func TestMigrateClosesFramedSocketsAndPausesBootstrap(t *testing.T) {
	ct := registry.NewConnectionTable()
	hubPeerID := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	sink := newFakeSink()
	ct.Add(hubPeerID, sink)
	ct.MarkAnnounced(hubPeerID, "hubmesh", true, nil)

	overlay := &fakeOverlay{ready: true, knownHubs: 1, neighbors: []string{hubPeerID}}
	bs := &fakeBootstrap{}
	var events []string

	c := New(Config{
		Overlay:     overlay,
		Bootstrap:   bs,
		Connections: ct,
		OnEvent:     func(name, peerID string) { events = append(events, name) },
	})

	c.OnOverlayReadyChange(true)

	if sink.IsOpen() {
		t.Fatal("framed socket to migrated hub still open")
	}
	if _, ok := ct.Get(hubPeerID); ok {
		t.Fatal("migrated hub still present in ConnectionTable")
	}
	if !bs.paused {
		t.Fatal("bootstrap links not paused after migration")
	}
	if got := c.MigratedPeers(); len(got) != 1 || got[0] != hubPeerID {
		t.Fatalf("MigratedPeers() = %v, want [%s]", got, hubPeerID)
	}
	found := false
	for _, e := range events {
		if e == "hubMeshMigrated" {
			found = true
		}
	}
	if !found {
		t.Fatalf("hubMeshMigrated not emitted, got %v", events)
	}
}

func TestQuorumLossResumesBootstrap(t *testing.T) {
	ct := registry.NewConnectionTable()
	hubPeerID := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	ct.Add(hubPeerID, newFakeSink())
	ct.MarkAnnounced(hubPeerID, "hubmesh", true, nil)

	overlay := &fakeOverlay{ready: true, knownHubs: 1, neighbors: []string{hubPeerID}}
	bs := &fakeBootstrap{}
	c := New(Config{Overlay: overlay, Bootstrap: bs, Connections: ct})

	c.OnOverlayReadyChange(true)
	if !bs.paused {
		t.Fatal("expected bootstrap paused after migration")
	}

	overlay.mu.Lock()
	overlay.ready = false
	overlay.mu.Unlock()
	c.OnOverlayReadyChange(false)

	if bs.paused {
		t.Fatal("bootstrap still paused after overlay quorum loss")
	}
	if bs.resumes != 1 {
		t.Fatalf("Resume called %d times, want 1", bs.resumes)
	}
	if got := c.MigratedPeers(); len(got) != 0 {
		t.Fatalf("MigratedPeers() = %v after resume, want empty", got)
	}
}

func TestDebounceDelayDelaysMigration(t *testing.T) {
	ct := registry.NewConnectionTable()
	overlay := &fakeOverlay{ready: true, knownHubs: 1}
	bs := &fakeBootstrap{}
	c := New(Config{
		Overlay:       overlay,
		Bootstrap:     bs,
		Connections:   ct,
		DebounceDelay: 50 * time.Millisecond,
	})

	c.OnOverlayReadyChange(true)
	if bs.paused {
		t.Fatal("bootstrap paused before debounce window elapsed")
	}

	time.Sleep(200 * time.Millisecond)
	if !bs.paused {
		t.Fatal("bootstrap not paused after debounce window elapsed")
	}
}

func TestReadyFlapBeforeDebounceFiresSkipsMigration(t *testing.T) {
	ct := registry.NewConnectionTable()
	overlay := &fakeOverlay{ready: true, knownHubs: 1}
	bs := &fakeBootstrap{}
	c := New(Config{
		Overlay:       overlay,
		Bootstrap:     bs,
		Connections:   ct,
		DebounceDelay: 50 * time.Millisecond,
	})

	c.OnOverlayReadyChange(true)
	overlay.mu.Lock()
	overlay.ready = false
	overlay.mu.Unlock()
	c.OnOverlayReadyChange(false)

	time.Sleep(150 * time.Millisecond)
	if bs.paused {
		t.Fatal("bootstrap paused despite readiness flapping before debounce fired")
	}
}

func TestNonHubNeighborEntryIsNotClosed(t *testing.T) {
	ct := registry.NewConnectionTable()
	clientPeerID := "cccccccccccccccccccccccccccccccccccccccc"
	sink := newFakeSink()
	ct.Add(clientPeerID, sink)
	ct.MarkAnnounced(clientPeerID, "tenant-1", false, nil)

	overlay := &fakeOverlay{ready: true, knownHubs: 1, neighbors: []string{clientPeerID}}
	c := New(Config{Overlay: overlay, Connections: ct})

	c.OnOverlayReadyChange(true)

	if !sink.IsOpen() {
		t.Fatal("non-hub ConnectionTable entry was closed by migration")
	}
	if _, ok := ct.Get(clientPeerID); !ok {
		t.Fatal("non-hub ConnectionTable entry was removed by migration")
	}
}
