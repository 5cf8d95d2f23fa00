package overlay

import (
	"sync"
	"testing"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
)

// localICEConfig returns an ICE config with no external STUN/TURN servers.
// pion can still establish connections between two local peers using host
// candidates alone.
func localICEConfig() ICEConfig {
	return ICEConfig{}
}

func relayCandidates(t *testing.T, a, b *Peer, fromA, fromB chan string) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for c := range fromA {
			if err := b.AddICECandidate(c); err != nil {
				t.Errorf("AddICECandidate: %v", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for c := range fromB {
			if err := a.AddICECandidate(c); err != nil {
				t.Errorf("AddICECandidate: %v", err)
			}
		}
	}()
	return &wg
}

func TestPeerOfferAnswerOpensDataChannel(t *testing.T) {
	t.Parallel()

	candidatesForB := make(chan string, 32)
	candidatesForA := make(chan string, 32)
	dcOpenA := make(chan *pionwebrtc.DataChannel, 1)
	dcOpenB := make(chan *pionwebrtc.DataChannel, 1)

	peerA, err := NewPeer(PeerConfig{
		ICE:             localICEConfig(),
		LocalHubPeerID:  "hub-a",
		RemoteHubPeerID: "hub-b",
		OnICECandidate:  func(c string) { candidatesForB <- c },
		OnDataChannel:   func(dc *pionwebrtc.DataChannel) { dcOpenA <- dc },
	})
	if err != nil {
		t.Fatalf("NewPeer(A): %v", err)
	}
	defer peerA.Close()

	peerB, err := NewPeer(PeerConfig{
		ICE:             localICEConfig(),
		LocalHubPeerID:  "hub-b",
		RemoteHubPeerID: "hub-a",
		OnICECandidate:  func(c string) { candidatesForA <- c },
		OnDataChannel:   func(dc *pionwebrtc.DataChannel) { dcOpenB <- dc },
	})
	if err != nil {
		t.Fatalf("NewPeer(B): %v", err)
	}
	defer peerB.Close()

	offerSDP, err := peerA.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answerSDP, err := peerB.HandleOffer(offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if err := peerA.SetAnswer(answerSDP); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	wg := relayCandidates(t, peerA, peerB, candidatesForB, candidatesForA)

	timeout := time.After(10 * time.Second)
	select {
	case dc := <-dcOpenA:
		if dc.Label() != DataChannelLabel {
			t.Errorf("peer A data channel label = %q, want %q", dc.Label(), DataChannelLabel)
		}
	case <-timeout:
		t.Fatal("timed out waiting for data channel on peer A")
	}
	select {
	case dc := <-dcOpenB:
		if dc.Label() != DataChannelLabel {
			t.Errorf("peer B data channel label = %q, want %q", dc.Label(), DataChannelLabel)
		}
	case <-timeout:
		t.Fatal("timed out waiting for data channel on peer B")
	}

	close(candidatesForB)
	close(candidatesForA)
	wg.Wait()
}

func TestPeerDataChannelOrderedReliable(t *testing.T) {
	t.Parallel()

	candidatesForB := make(chan string, 32)
	candidatesForA := make(chan string, 32)
	dcOpenB := make(chan *pionwebrtc.DataChannel, 1)

	peerA, err := NewPeer(PeerConfig{
		ICE:             localICEConfig(),
		LocalHubPeerID:  "hub-a",
		RemoteHubPeerID: "hub-b",
		OnICECandidate:  func(c string) { candidatesForB <- c },
	})
	if err != nil {
		t.Fatalf("NewPeer(A): %v", err)
	}
	defer peerA.Close()

	peerB, err := NewPeer(PeerConfig{
		ICE:             localICEConfig(),
		LocalHubPeerID:  "hub-b",
		RemoteHubPeerID: "hub-a",
		OnICECandidate:  func(c string) { candidatesForA <- c },
		OnDataChannel:   func(dc *pionwebrtc.DataChannel) { dcOpenB <- dc },
	})
	if err != nil {
		t.Fatalf("NewPeer(B): %v", err)
	}
	defer peerB.Close()

	offerSDP, err := peerA.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answerSDP, err := peerB.HandleOffer(offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if err := peerA.SetAnswer(answerSDP); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	wg := relayCandidates(t, peerA, peerB, candidatesForB, candidatesForA)

	dcA := peerA.DataChannel()
	if dcA == nil {
		t.Fatal("peer A data channel is nil after CreateOffer")
	}
	if !dcA.Ordered() {
		t.Error("peer A data channel ordered = false, want true")
	}
	if dcA.MaxRetransmits() != nil {
		t.Errorf("peer A data channel maxRetransmits = %v, want nil (reliable)", dcA.MaxRetransmits())
	}

	select {
	case <-dcOpenB:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for data channel on peer B")
	}

	close(candidatesForB)
	close(candidatesForA)
	wg.Wait()
}
