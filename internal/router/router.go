// Package router implements the hub's behavioral core: it takes a uniform
// (src, frame) input from any transport and applies the per-type
// forwarding rules that make the fabric federate (spec §4.9).
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/hubmesh/internal/identity"
	"github.com/kuuji/hubmesh/internal/registry"
	"github.com/kuuji/hubmesh/pkg/protocol"
)

// SourceKind identifies which transport a frame arrived on.
type SourceKind int

const (
	SourceClient SourceKind = iota
	SourceBootstrap
	SourceOverlay
)

// Source identifies where a dispatched frame came from, so Router knows
// where to send any reply and which forwarding rule applies.
type Source struct {
	Kind      SourceKind
	PeerID    string // SourceClient: the sender's peerId
	URI       string // SourceBootstrap: the originating bootstrap link
	HubPeerID string // SourceOverlay: the originating neighbor hub
}

func ClientSource(peerID string) Source    { return Source{Kind: SourceClient, PeerID: peerID} }
func BootstrapSource(uri string) Source    { return Source{Kind: SourceBootstrap, URI: uri} }
func OverlaySource(hubPeerID string) Source { return Source{Kind: SourceOverlay, HubPeerID: hubPeerID} }

// Overlay is the subset of overlay.Client the Router needs, defined here
// (not imported from internal/overlay) so it can be satisfied structurally
// and swapped for a test double.
type Overlay interface {
	Ready() bool
	KnownHubCount() int
	SendTo(payload []byte, targetHubPeerID string) error
	Multicast(payload []byte) error
	ClosestNeighbors(target, excludeHub string, k int) []string
	HandleHubDiscovered(hubPeerID string)
}

// Bootstrap is the subset of bootstrap.Connector the Router needs.
type Bootstrap interface {
	Send(uri string, frame []byte) error
	BroadcastAll(frame []byte) error
}

// Config wires a Router to one hub's tables and transports.
type Config struct {
	SelfHubPeerID string

	Connections *registry.ConnectionTable
	Networks    *registry.NetworkIndex
	Hubs        *registry.HubRegistry
	RemotePeers *registry.RemotePeerCache
	Relays      *registry.RelayTable

	// Overlay and Bootstrap may be nil: a hub not configured for
	// federation (isHub=false) routes purely locally.
	Overlay   Overlay
	Bootstrap Bootstrap

	Logger *slog.Logger

	// OnEvent reports the public event surface described in spec §4.11;
	// HubServer supplies this to drive its event bus.
	OnEvent func(event string, peerID string)
}

// Router is the single entry point frames are dispatched through,
// regardless of transport.
type Router struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex
}

func New(cfg Config) *Router {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{cfg: cfg, log: log.With("component", "router")}
}

// SetOverlay wires the hub's HubMeshClient in after it starts, since it is
// constructed after the Router (HubServer builds Router first so client
// announces have somewhere to route to).
func (r *Router) SetOverlay(o Overlay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Overlay = o
}

func (r *Router) overlay() Overlay {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Overlay
}

// SetBootstrap wires the hub's BootstrapConnector in after it starts, for
// the same reason SetOverlay exists: HubServer builds Router before the
// federation transports that route through it.
func (r *Router) SetBootstrap(b Bootstrap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Bootstrap = b
}

func (r *Router) bootstrap() Bootstrap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Bootstrap
}

// overlayReady reports whether the overlay should be preferred over
// bootstrap/direct-hub-link fallback for federation traffic.
func (r *Router) overlayReady() bool {
	o := r.overlay()
	return o != nil && o.Ready() && o.KnownHubCount() > 0
}

// Dispatch routes one frame. Malformed JSON is dropped permissively per
// spec §4.1 rather than closing the source socket (that decision belongs
// to FrameCodec/HubServer, which already enforce the size cap).
func (r *Router) Dispatch(src Source, frame []byte) error {
	msg, err := protocol.Unmarshal(frame)
	if err != nil {
		r.log.Debug("dropping malformed frame", "error", err)
		return nil
	}

	switch msg.Type {
	case protocol.TypeAnnounce:
		return r.handleAnnounce(src, msg)
	case protocol.TypeGoodbye:
		return r.handleGoodbye(src, msg)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		return r.handleSignal(src, msg, frame)
	case protocol.TypePeerDiscovered:
		return r.handlePeerDiscovered(msg)
	case protocol.TypePeerAnnounceRelay:
		return r.handlePeerAnnounceRelay(msg)
	case protocol.TypeClientSignalRelay:
		return r.handleClientSignalRelay(src, msg)
	case protocol.TypePeerDisconnected:
		return r.handlePeerDisconnected(frame, msg)
	case protocol.TypePing:
		return r.handlePing(src)
	default:
		return r.handleUnknown(src, msg)
	}
}

func (r *Router) handleAnnounce(src Source, msg protocol.Message) error {
	if src.Kind != SourceClient {
		return nil
	}
	peerID := src.PeerID

	var data protocol.AnnounceData
	if err := msg.DecodeData(&data); err != nil {
		return nil
	}

	if !r.cfg.Connections.MarkAnnounced(peerID, msg.NetworkName, data.IsHub, data.Capabilities) {
		return nil // already announced: first-call-wins (spec §3 LocalPeer)
	}
	// This hub now has the peer locally: drop any stale remote-cache shadow
	// left over from when another hub last advertised it (spec §4.5/§3).
	r.cfg.RemotePeers.RemoveFromAllNetworks(peerID)
	network, _ := r.cfg.Networks.Attach(peerID, msg.NetworkName)

	if data.IsHub {
		r.cfg.Hubs.Register(peerID, network, data.Capabilities)
		r.event("hubRegistered", peerID)
	}
	r.event("peerAnnounced", peerID)

	newPeer, ok := r.cfg.Connections.Get(peerID)
	if !ok {
		return nil
	}

	for _, memberID := range r.cfg.Networks.Members(network) {
		if memberID == peerID {
			continue
		}
		member, ok := r.cfg.Connections.Get(memberID)
		if !ok {
			continue
		}
		r.deliverPeerDiscovered(newPeer, memberID, network, member.IsHub, member.Capabilities)
		r.deliverPeerDiscovered(member, peerID, network, data.IsHub, data.Capabilities)
	}
	for _, remote := range r.cfg.RemotePeers.Members(network) {
		r.deliverPeerDiscovered(newPeer, remote.PeerID, network, false, remote.Data)
	}

	if !data.IsHub {
		r.federatePeerDiscovered(peerID, network, data.Capabilities)
	} else if o := r.overlay(); o != nil {
		o.HandleHubDiscovered(peerID)
	}
	return nil
}

func (r *Router) handleGoodbye(src Source, msg protocol.Message) error {
	if src.Kind != SourceClient {
		return nil
	}
	peerID := src.PeerID
	peer, ok := r.cfg.Connections.Get(peerID)
	if !ok {
		return nil
	}

	if peer.NetworkName != "" {
		candidates := make([]string, 0)
		for _, m := range r.cfg.Networks.Members(peer.NetworkName) {
			if m != peerID {
				candidates = append(candidates, m)
			}
		}
		notice, err := protocol.New(protocol.TypePeerDisconnected, protocol.PeerDisconnectedData{
			PeerID: peerID, NetworkName: peer.NetworkName,
		})
		if err == nil {
			if frame, ferr := protocol.Marshal(notice); ferr == nil {
				for _, id := range identity.Closest(peerID, candidates, 5) {
					if target, ok := r.cfg.Connections.Get(id); ok {
						r.send(target, frame, "goodbye-notice")
					}
				}
			}
		}
	}

	r.handleLocalDisconnect(peerID)
	r.event("peerGoodbye", peerID)
	return nil
}

// HandleLocalDisconnect removes peerId and federates its departure. Called
// by HubServer for every local-socket teardown path (liveness sweep,
// socket error) so all of them share one federation behavior; goodbye
// additionally sends its courtesy notice first, then calls this via
// handleLocalDisconnect.
func (r *Router) HandleLocalDisconnect(peerID string) {
	r.handleLocalDisconnect(peerID)
}

func (r *Router) handleLocalDisconnect(peerID string) {
	peer, ok := r.cfg.Connections.Remove(peerID)
	if !ok {
		return
	}
	r.cfg.Networks.Detach(peerID)
	if peer.IsHub {
		r.cfg.Hubs.Unregister(peerID)
	}
	r.event("peerDisconnected", peerID)
	if peer.IsHub {
		r.event("hubUnregistered", peerID)
	}

	if peer.NetworkName == "" {
		return
	}
	msg, err := protocol.New(protocol.TypePeerDisconnected, protocol.PeerDisconnectedData{
		PeerID: peerID, NetworkName: peer.NetworkName,
	})
	if err != nil {
		return
	}
	frame, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	r.federate(frame, peerID)
}

// handleSignal implements the offer/answer/ice-candidate rule (spec §4.9).
func (r *Router) handleSignal(src Source, msg protocol.Message, frame []byte) error {
	target := msg.TargetPeerID
	if target == "" {
		return nil
	}

	// Delivery is verbatim modulo fromPeerId/timestamp, which the hub
	// stamps with the accept-time-authenticated sender rather than trusting
	// whatever (if anything) the client put in the frame (spec §4.1, S1).
	// Bootstrap/overlay sources already carry a hub-stamped origin from the
	// first hop, so only client-sourced frames are restamped here.
	if src.Kind == SourceClient {
		msg.FromPeerID = src.PeerID
		msg.Timestamp = time.Now().UnixMilli()
		stamped, err := protocol.Marshal(msg)
		if err != nil {
			return nil
		}
		frame = stamped
	}

	if localTarget, ok := r.cfg.Connections.Get(target); ok {
		if localTarget.NetworkName != msg.NetworkName {
			return nil // I3: different declared network, drop
		}
		r.send(localTarget, frame, msg.Type)
		return nil
	}

	// Not locally known: federation-forward candidate.
	fp := registry.SignalFingerprint(msg.Type, msg.FromPeerID, target, msg.Data)
	if !r.cfg.Relays.TryInsert(fp) {
		return nil
	}

	if r.overlayReady() {
		o := r.overlay()
		relay, err := protocol.New(protocol.TypeClientSignalRelay, protocol.ClientSignalRelayData{
			TargetPeerID: target, SignalData: frame,
		})
		if err != nil {
			return nil
		}
		relayFrame, err := protocol.Marshal(relay)
		if err != nil {
			return nil
		}
		next := o.ClosestNeighbors(target, "", 2)
		if len(next) > 0 {
			for _, hub := range next {
				if err := o.SendTo(relayFrame, hub); err != nil {
					r.log.Warn("drop", "event", msg.Type, "hub", hub, "error", err)
				}
			}
			return nil
		}
		// Overlay is ready but no open neighbor could be ranked (e.g. the
		// target is not a valid peer id): drop. Bootstrap/direct-hub-link
		// fallback is never used while the overlay is ready.
		r.log.Warn("drop", "event", msg.Type, "target", target, "reason", "no overlay next hop")
		return nil
	}

	if b := r.bootstrap(); b != nil {
		if err := b.BroadcastAll(frame); err != nil {
			r.log.Warn("bootstrap broadcast failed", "event", msg.Type, "error", err)
		}
	}
	r.broadcastToDirectHubLinks(frame, msg.FromPeerID)
	return nil
}

func (r *Router) handlePeerDiscovered(msg protocol.Message) error {
	var d protocol.PeerDiscoveredData
	if err := msg.DecodeData(&d); err != nil {
		return nil
	}
	if d.IsHub {
		r.event("hubDiscovered", d.PeerID)
		return nil // never re-forward hub discovery: the overlay forms its own links
	}

	r.cfg.RemotePeers.Insert(d.PeerID, d.NetworkName, d.PeerData)
	for _, memberID := range r.cfg.Networks.Members(d.NetworkName) {
		member, ok := r.cfg.Connections.Get(memberID)
		if !ok || member.IsHub {
			continue
		}
		r.deliverPeerDiscovered(member, d.PeerID, d.NetworkName, false, d.PeerData)
	}
	return nil
}

func (r *Router) handlePeerAnnounceRelay(msg protocol.Message) error {
	var d protocol.PeerAnnounceRelayData
	if err := msg.DecodeData(&d); err != nil {
		return nil
	}
	if !r.cfg.Relays.TryInsert(registry.AnnounceFingerprint(d.PeerID, d.NetworkName)) {
		return nil
	}
	r.cfg.RemotePeers.Insert(d.PeerID, d.NetworkName, d.PeerData)
	for _, memberID := range r.cfg.Networks.Members(d.NetworkName) {
		member, ok := r.cfg.Connections.Get(memberID)
		if !ok || member.IsHub {
			continue
		}
		r.deliverPeerDiscovered(member, d.PeerID, d.NetworkName, false, d.PeerData)
	}
	return nil
}

func (r *Router) handleClientSignalRelay(src Source, msg protocol.Message) error {
	var d protocol.ClientSignalRelayData
	if err := msg.DecodeData(&d); err != nil {
		return nil
	}

	if wrapped, err := protocol.Unmarshal(d.SignalData); err == nil {
		fp := registry.SignalFingerprint(wrapped.Type, wrapped.FromPeerID, d.TargetPeerID, wrapped.Data)
		if !r.cfg.Relays.TryInsert(fp) {
			return nil
		}
	}

	if target, ok := r.cfg.Connections.Get(d.TargetPeerID); ok {
		r.send(target, d.SignalData, "client-signal-relay")
		return nil
	}

	o := r.overlay()
	if o == nil {
		return nil
	}
	origin := ""
	if src.Kind == SourceOverlay {
		origin = src.HubPeerID
	}
	next := o.ClosestNeighbors(d.TargetPeerID, origin, 2) // I6: never back toward origin
	if len(next) == 0 {
		return nil
	}
	outFrame, err := protocol.Marshal(msg)
	if err != nil {
		return nil
	}
	for _, hub := range next {
		if err := o.SendTo(outFrame, hub); err != nil {
			r.log.Warn("drop", "event", "client-signal-relay", "hub", hub, "error", err)
		}
	}
	return nil
}

func (r *Router) handlePeerDisconnected(frame []byte, msg protocol.Message) error {
	var d protocol.PeerDisconnectedData
	if err := msg.DecodeData(&d); err != nil {
		return nil
	}
	r.cfg.RemotePeers.Remove(d.PeerID, d.NetworkName)
	for _, memberID := range r.cfg.Networks.Members(d.NetworkName) {
		if member, ok := r.cfg.Connections.Get(memberID); ok {
			r.send(member, frame, "peer-disconnected")
		}
	}
	return nil
}

func (r *Router) handlePing(src Source) error {
	pong, err := protocol.New(protocol.TypePong, protocol.PongData{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return nil
	}
	frame, err := protocol.Marshal(pong)
	if err != nil {
		return nil
	}
	r.reply(src, frame)
	return nil
}

func (r *Router) handleUnknown(src Source, msg protocol.Message) error {
	errMsg, err := protocol.New(protocol.TypeError, protocol.ErrorData{
		Reason: fmt.Sprintf("hub does not route %q traffic; use a data channel", msg.Type),
	})
	if err != nil {
		return nil
	}
	frame, err := protocol.Marshal(errMsg)
	if err != nil {
		return nil
	}
	r.reply(src, frame)
	return nil
}

// federatePeerDiscovered broadcasts a newly announced non-hub peer to
// other hubs, preferring the overlay.
func (r *Router) federatePeerDiscovered(peerID, network string, data json.RawMessage) {
	msg, err := protocol.New(protocol.TypePeerDiscovered, protocol.PeerDiscoveredData{
		PeerID: peerID, NetworkName: network, IsHub: false, PeerData: data,
	})
	if err != nil {
		return
	}
	frame, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	r.federate(frame, peerID)
}

// federate sends frame to every other hub, preferring the overlay when it
// is ready and other hubs are known; otherwise it floods bootstrap links
// and any direct framed hub sockets. excludePeerID is never targeted
// (its own origin).
func (r *Router) federate(frame []byte, excludePeerID string) {
	if r.overlayReady() {
		if err := r.overlay().Multicast(frame); err != nil {
			r.log.Warn("overlay multicast failed", "error", err)
		}
		return
	}
	if b := r.bootstrap(); b != nil {
		if err := b.BroadcastAll(frame); err != nil {
			r.log.Warn("bootstrap broadcast failed", "error", err)
		}
	}
	r.broadcastToDirectHubLinks(frame, excludePeerID)
}

func (r *Router) broadcastToDirectHubLinks(frame []byte, excludePeerID string) {
	for _, p := range r.cfg.Connections.Snapshot() {
		if !p.IsHub || p.PeerID == excludePeerID || p.PeerID == r.cfg.SelfHubPeerID {
			continue
		}
		r.send(p, frame, "direct-hub-link")
	}
}

func (r *Router) deliverPeerDiscovered(target *registry.LocalPeer, peerID, network string, isHub bool, data json.RawMessage) {
	msg, err := protocol.New(protocol.TypePeerDiscovered, protocol.PeerDiscoveredData{
		PeerID: peerID, NetworkName: network, IsHub: isHub, PeerData: data,
	})
	if err != nil {
		return
	}
	msg.NetworkName = network
	frame, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	r.send(target, frame, "peer-discovered")
}

// send writes frame to a local peer, logging (not failing) on backpressure
// per spec §5's drop-and-log guidance.
func (r *Router) send(target *registry.LocalPeer, frame []byte, event string) {
	if err := target.Sink.Send(frame); err != nil {
		r.log.Warn("drop", "event", event, "target", target.PeerID, "error", err)
	}
}

func (r *Router) reply(src Source, frame []byte) {
	switch src.Kind {
	case SourceClient:
		if peer, ok := r.cfg.Connections.Get(src.PeerID); ok {
			r.send(peer, frame, "reply")
		}
	case SourceBootstrap:
		if b := r.bootstrap(); b != nil {
			if err := b.Send(src.URI, frame); err != nil {
				r.log.Warn("drop", "event", "reply", "uri", src.URI, "error", err)
			}
		}
	case SourceOverlay:
		if o := r.overlay(); o != nil {
			if err := o.SendTo(frame, src.HubPeerID); err != nil {
				r.log.Warn("drop", "event", "reply", "hub", src.HubPeerID, "error", err)
			}
		}
	}
}

func (r *Router) event(name, peerID string) {
	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(name, peerID)
	}
}
