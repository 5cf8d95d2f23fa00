package router

import (
	"sync"
	"testing"

	"github.com/kuuji/hubmesh/internal/registry"
	"github.com/kuuji/hubmesh/pkg/protocol"
)

type fakeSink struct {
	mu     sync.Mutex
	open   bool
	frames [][]byte
}

func newFakeSink() *fakeSink { return &fakeSink{open: true} }

func (s *fakeSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}
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

func (s *fakeSink) last() protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return protocol.Message{}
	}
	m, _ := protocol.Unmarshal(s.frames[len(s.frames)-1])
	return m
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestRouter() (*Router, *registry.ConnectionTable, *registry.NetworkIndex) {
	ct := registry.NewConnectionTable()
	ni := registry.NewNetworkIndex()
	r := New(Config{
		SelfHubPeerID: "selfselfselfselfselfselfselfselfselfself",
		Connections:   ct,
		Networks:      ni,
		Hubs:          registry.NewHubRegistry(),
		RemotePeers:   registry.NewRemotePeerCache(),
		Relays:        registry.NewRelayTable(0),
	})
	return r, ct, ni
}

func announce(t *testing.T, r *Router, ct *registry.ConnectionTable, peerID, network string, isHub bool) *fakeSink {
	t.Helper()
	sink := newFakeSink()
	ct.Add(peerID, sink)
	msg, err := protocol.New(protocol.TypeAnnounce, protocol.AnnounceData{IsHub: isHub})
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	msg.NetworkName = network
	frame, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("protocol.Marshal: %v", err)
	}
	if err := r.Dispatch(ClientSource(peerID), frame); err != nil {
		t.Fatalf("Dispatch(announce): %v", err)
	}
	return sink
}

func TestAnnounceNotifiesExistingAndNewMembers(t *testing.T) {
	r, ct, _ := newTestRouter()

	sinkA := announce(t, r, ct, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "tenant-1", false)
	sinkB := announce(t, r, ct, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "tenant-1", false)

	if got := sinkA.last(); got.Type != protocol.TypePeerDiscovered {
		t.Fatalf("existing member did not get peer-discovered, got %+v", got)
	}
	if got := sinkB.count(); got == 0 {
		t.Fatalf("new peer got no peer-discovered about existing member")
	}
}

func TestOfferDeliveredWithinSameNetwork(t *testing.T) {
	r, ct, _ := newTestRouter()
	announce(t, r, ct, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "tenant-1", false)
	sinkB := announce(t, r, ct, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "tenant-1", false)
	sinkB.frames = nil // clear the peer-discovered noise

	offer, err := protocol.New(protocol.TypeOffer, protocol.SDPData{SDP: "v=0..."})
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	offer.FromPeerID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	offer.TargetPeerID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	offer.NetworkName = "tenant-1"
	frame, err := protocol.Marshal(offer)
	if err != nil {
		t.Fatalf("protocol.Marshal: %v", err)
	}

	if err := r.Dispatch(ClientSource(offer.FromPeerID), frame); err != nil {
		t.Fatalf("Dispatch(offer): %v", err)
	}

	if got := sinkB.last(); got.Type != protocol.TypeOffer {
		t.Fatalf("target did not receive offer, got %+v", got)
	}
}

func TestOfferStampsHubVerifiedFromPeerID(t *testing.T) {
	r, ct, _ := newTestRouter()
	announce(t, r, ct, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "tenant-1", false)
	sinkB := announce(t, r, ct, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "tenant-1", false)
	sinkB.frames = nil

	// Client omits fromPeerId entirely, as spec scenario S1 shows.
	offer, err := protocol.New(protocol.TypeOffer, protocol.SDPData{SDP: "v=0..."})
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	offer.TargetPeerID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	offer.NetworkName = "tenant-1"
	frame, err := protocol.Marshal(offer)
	if err != nil {
		t.Fatalf("protocol.Marshal: %v", err)
	}

	const senderID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if err := r.Dispatch(ClientSource(senderID), frame); err != nil {
		t.Fatalf("Dispatch(offer): %v", err)
	}

	got := sinkB.last()
	if got.FromPeerID != senderID {
		t.Fatalf("delivered fromPeerId = %q, want hub-stamped %q", got.FromPeerID, senderID)
	}
	if got.Timestamp == 0 {
		t.Fatal("delivered timestamp not stamped")
	}
}

func TestOfferDroppedAcrossNetworks(t *testing.T) {
	r, ct, _ := newTestRouter()
	announce(t, r, ct, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "tenant-1", false)
	sinkB := announce(t, r, ct, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "tenant-2", false)
	sinkB.frames = nil

	offer, err := protocol.New(protocol.TypeOffer, protocol.SDPData{SDP: "v=0..."})
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	offer.FromPeerID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	offer.TargetPeerID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	offer.NetworkName = "tenant-1"
	frame, err := protocol.Marshal(offer)
	if err != nil {
		t.Fatalf("protocol.Marshal: %v", err)
	}

	if err := r.Dispatch(ClientSource(offer.FromPeerID), frame); err != nil {
		t.Fatalf("Dispatch(offer): %v", err)
	}

	if got := sinkB.count(); got != 0 {
		t.Fatalf("cross-network offer delivered, want dropped: %d frames", got)
	}
}

func TestPingRepliesWithPong(t *testing.T) {
	r, ct, _ := newTestRouter()
	sink := announce(t, r, ct, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "tenant-1", false)
	sink.frames = nil

	ping, err := protocol.New(protocol.TypePing, nil)
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	frame, err := protocol.Marshal(ping)
	if err != nil {
		t.Fatalf("protocol.Marshal: %v", err)
	}
	if err := r.Dispatch(ClientSource("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), frame); err != nil {
		t.Fatalf("Dispatch(ping): %v", err)
	}
	if got := sink.last(); got.Type != protocol.TypePong {
		t.Fatalf("ping did not get pong reply, got %+v", got)
	}
}

func TestUnknownTypeRepliesWithError(t *testing.T) {
	r, ct, _ := newTestRouter()
	sink := announce(t, r, ct, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "tenant-1", false)
	sink.frames = nil

	msg, err := protocol.New("mystery-type", nil)
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	frame, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("protocol.Marshal: %v", err)
	}
	if err := r.Dispatch(ClientSource("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), frame); err != nil {
		t.Fatalf("Dispatch(unknown): %v", err)
	}
	if got := sink.last(); got.Type != protocol.TypeError {
		t.Fatalf("unknown type did not get error reply, got %+v", got)
	}
}

func TestHubRegisteredOnIsHubAnnounce(t *testing.T) {
	r, ct, _ := newTestRouter()
	var events []string
	r.cfg.OnEvent = func(name, peerID string) { events = append(events, name) }
	announce(t, r, ct, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "pigeonhub-mesh", true)

	rec, ok := r.cfg.Hubs.Get("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if !ok {
		t.Fatal("hub not registered in HubRegistry")
	}
	if rec.NetworkName != "pigeonhub-mesh" {
		t.Fatalf("hub record network = %q", rec.NetworkName)
	}

	found := false
	for _, e := range events {
		if e == "hubRegistered" {
			found = true
		}
	}
	if !found {
		t.Fatalf("hubRegistered event not emitted, got %v", events)
	}
}

func TestGoodbyeNotifiesClosestAndRemoves(t *testing.T) {
	r, ct, _ := newTestRouter()
	announce(t, r, ct, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "tenant-1", false)
	sinkB := announce(t, r, ct, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "tenant-1", false)
	sinkB.frames = nil

	goodbye, err := protocol.New(protocol.TypeGoodbye, nil)
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	frame, err := protocol.Marshal(goodbye)
	if err != nil {
		t.Fatalf("protocol.Marshal: %v", err)
	}
	if err := r.Dispatch(ClientSource("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), frame); err != nil {
		t.Fatalf("Dispatch(goodbye): %v", err)
	}

	if _, ok := ct.Get("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); ok {
		t.Fatal("peer still present in ConnectionTable after goodbye")
	}
	if got := sinkB.last(); got.Type != protocol.TypePeerDisconnected {
		t.Fatalf("remaining peer did not get courtesy notice, got %+v", got)
	}
}
