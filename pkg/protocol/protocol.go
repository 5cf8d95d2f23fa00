// Package protocol defines the wire format shared by clients and hubs: a
// single framed JSON envelope with a "type" discriminator and an opaque
// "data" payload. It is intentionally free of external dependencies so it
// can be vendored into lightweight client implementations.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Recognized type values. Client-originated types are the first block;
// hub-originated types (seen only on bootstrap links and the overlay)
// follow.
const (
	TypeAnnounce      = "announce"
	TypeGoodbye       = "goodbye"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeICECandidate  = "ice-candidate"
	TypePeerDiscovered = "peer-discovered"
	TypePing          = "ping"
	TypeCleanup       = "cleanup"

	TypeConnected         = "connected"
	TypePong              = "pong"
	TypePeerDisconnected  = "peer-disconnected"
	TypePeerAnnounceRelay = "peer-announce-relay"
	TypeClientSignalRelay = "client-signal-relay"
	TypeError             = "error"
)

// signalTypes is the set of types subject to RelayTable fingerprinting and
// network-scoped local delivery (spec §4.9).
var signalTypes = map[string]bool{
	TypeOffer:        true,
	TypeAnswer:       true,
	TypeICECandidate: true,
}

// IsSignalType reports whether typ is an offer/answer/ice-candidate frame.
func IsSignalType(typ string) bool {
	return signalTypes[typ]
}

// Message is the canonical wire envelope. Data is kept as a raw JSON value
// (rather than a type-switched struct) because its shape is open-ended and
// callers only ever project the fields they care about — see the payload
// types below.
type Message struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	NetworkName  string          `json:"networkName,omitempty"`
	FromPeerID   string          `json:"fromPeerId,omitempty"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

// New builds a Message of the given type, marshaling payload into Data.
// Pass a nil payload for types that carry no data (ping, goodbye).
func New(typ string, payload any) (Message, error) {
	msg := Message{Type: typ}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshaling %q payload: %w", typ, err)
	}
	msg.Data = raw
	return msg, nil
}

// DecodeData unmarshals the message's Data field into v. Returns nil
// without touching v if Data is empty.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decoding %q data: %w", m.Type, err)
	}
	return nil
}

// Marshal serializes a Message to its wire form.
func Marshal(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return data, nil
}

// Unmarshal parses a wire frame into a Message. It does not validate the
// type is recognized — callers type-switch on m.Type themselves (the
// Router answers an unknown type with an "error" frame).
func Unmarshal(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message envelope: %w", err)
	}
	return m, nil
}

// AnnounceData is the payload of a client "announce" message.
type AnnounceData struct {
	IsHub        bool            `json:"isHub,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// PeerDiscoveredData advertises a peer (local or remote) to a network,
// carried both in direct client notifications and in federation fan-out.
type PeerDiscoveredData struct {
	PeerID      string          `json:"peerId"`
	NetworkName string          `json:"networkName"`
	IsHub       bool            `json:"isHub,omitempty"`
	PeerData    json.RawMessage `json:"peerData,omitempty"`
}

// PeerAnnounceRelayData is the overlay-only counterpart of
// PeerDiscoveredData (spec §4.9, peer-announce-relay).
type PeerAnnounceRelayData struct {
	PeerID      string          `json:"peerId"`
	NetworkName string          `json:"networkName"`
	PeerData    json.RawMessage `json:"peerData,omitempty"`
}

// ClientSignalRelayData wraps a verbatim offer/answer/ice-candidate frame
// for transit across the overlay.
type ClientSignalRelayData struct {
	TargetPeerID string          `json:"targetPeerId"`
	SignalData   json.RawMessage `json:"signalData"`
}

// PeerDisconnectedData announces a remote peer's departure across the
// federation.
type PeerDisconnectedData struct {
	PeerID      string `json:"peerId"`
	NetworkName string `json:"networkName"`
}

// PongData carries the current server time in reply to a ping.
type PongData struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorData explains why a frame was rejected.
type ErrorData struct {
	Reason string `json:"reason"`
}

// ConnectedData is the payload shape of a "connected" frame identifying a
// hub. No component in this module sends a "connected" frame; bootstrap
// links open with an "announce" instead.
type ConnectedData struct {
	HubPeerID string `json:"hubPeerId"`
}

// SDPData is the payload of offer/answer messages.
type SDPData struct {
	SDP string `json:"sdp"`
}

// ICECandidateData is the payload of ice-candidate messages.
type ICECandidateData struct {
	Candidate string `json:"candidate"`
}
