// Package overlay builds the hub-mesh: a partial mesh of direct WebRTC
// data-channel links between hubs, used as the primary inter-hub
// transport once established (spec §4.8, §4.10).
package overlay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/hubmesh/internal/turn"
)

// ICEConfig carries the STUN/TURN configuration for overlay peer
// connections. Most deployments reach other hubs directly (hubs are
// generally reachable infrastructure), so STUN alone usually suffices; a
// deployment behind stricter NAT can configure TURNServers plus a shared
// TURNSecret, from which a fresh time-limited credential is minted per
// overlay connection attempt (TURN REST API convention, RFC 5389 §15.4).
type ICEConfig struct {
	STUNServers []string
	TURNServers []string
	TURNSecret  string
	ForceRelay  bool
}

// pionICEServers builds the ICEServer list for one overlay connection made
// by selfPeerID (used as the TURN username's peer id), minting fresh TURN credentials per call so each connection
// attempt gets its own short-lived username/password pair.
func (c ICEConfig) pionICEServers(selfPeerID string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if len(c.TURNServers) > 0 && c.TURNSecret != "" {
		username, password := turn.GenerateCredentials(c.TURNSecret, selfPeerID, turn.DefaultCredentialLifetime)
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNServers,
			Username:   username,
			Credential: password,
		})
	}
	return servers
}

// PeerConfig configures a single overlay link to one remote hub.
type PeerConfig struct {
	ICE ICEConfig

	LocalHubPeerID  string
	RemoteHubPeerID string

	Logger *slog.Logger

	// OnICECandidate relays a gathered local candidate to the remote hub
	// via the signaling channel (client-signal-relay / direct offer path).
	OnICECandidate func(candidate string)

	// OnDataChannel fires once the data channel carrying hub-mesh control
	// frames is open.
	OnDataChannel func(dc *webrtc.DataChannel)

	OnConnectionStateChange func(state webrtc.ICEConnectionState)
}

// Peer wraps a pion RTCPeerConnection for one overlay neighbor, carrying
// ordered, reliable JSON control frames (unlike the teacher's tunnel data
// channel, which is deliberately unordered/unreliable for raw packet
// transport — hub-mesh messages are small, infrequent, and must arrive in
// order, so the data channel uses pion's ordered/reliable defaults).
type Peer struct {
	cfg  PeerConfig
	log  *slog.Logger
	pc   *webrtc.PeerConnection
	done chan struct{}

	mu              sync.Mutex
	dc              *webrtc.DataChannel
	suppressTrickle bool
}

// DataChannelLabel is the label used for the hub-mesh control channel.
const DataChannelLabel = "hubmesh"

func NewPeer(cfg PeerConfig) (*Peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("local_hub", cfg.LocalHubPeerID, "remote_hub", cfg.RemoteHubPeerID)

	rtcConfig := webrtc.Configuration{ICEServers: cfg.ICE.pionICEServers(cfg.LocalHubPeerID)}
	if cfg.ICE.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := webrtc.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("creating overlay peer connection: %w", err)
	}

	p := &Peer{cfg: cfg, log: log, pc: pc, done: make(chan struct{})}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("overlay ICE gathering complete")
			return
		}
		p.mu.Lock()
		suppress := p.suppressTrickle
		p.mu.Unlock()
		if suppress {
			return
		}
		if p.cfg.OnICECandidate != nil {
			p.cfg.OnICECandidate(c.ToJSON().Candidate)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("overlay ICE connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
			p.markDone()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Info("remote overlay data channel received", "label", dc.Label())
		p.setupDataChannel(dc)
	})

	return p, nil
}

// CreateOffer creates the control data channel and an SDP offer.
func (p *Peer) CreateOffer() (string, error) {
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return "", fmt.Errorf("creating overlay data channel: %w", err)
	}
	p.setupDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating overlay SDP offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting overlay local description: %w", err)
	}
	return offer.SDP, nil
}

// HandleOffer answers a remote offer.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("setting overlay remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating overlay SDP answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting overlay local description: %w", err)
	}
	return answer.SDP, nil
}

// SetAnswer applies the remote answer after CreateOffer.
func (p *Peer) SetAnswer(sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("setting overlay remote answer: %w", err)
	}
	return nil
}

// AddICECandidate adds a remote trickle candidate.
func (p *Peer) AddICECandidate(candidate string) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("adding overlay ICE candidate: %w", err)
	}
	return nil
}

// HasRemoteDescription reports whether SetRemoteDescription has been
// called, so callers know whether it's safe to forward trickle candidates.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// DataChannel returns the current data channel, or nil if none has been
// created (CreateOffer) or received from the remote side yet. A non-nil
// channel is not necessarily open.
func (p *Peer) DataChannel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

// ConnectionState returns the current ICE connection state.
func (p *Peer) ConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

// Done closes when the connection fails or closes.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close tears down the peer connection and its data channel.
func (p *Peer) Close() error {
	p.markDone()
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing overlay peer connection: %w", err)
	}
	return nil
}

func (p *Peer) markDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("overlay data channel open", "label", dc.Label())
		if p.cfg.OnDataChannel != nil {
			p.cfg.OnDataChannel(dc)
		}
	})
	dc.OnClose(func() {
		p.log.Info("overlay data channel closed", "label", dc.Label())
	})
	dc.OnError(func(err error) {
		p.log.Error("overlay data channel error", "label", dc.Label(), "error", err)
	})
}
