// Package rtc abstracts the peer-connection primitive so the call coordinator
// can be driven by a real pion PeerConnection in production and by a fake in
// tests. SDP and ICE values use pion's wire types directly; they are plain
// data and interoperate with browser peers unchanged.
package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Peer is the subset of peer-connection behavior the coordinator needs.
type Peer interface {
	// CreateOffer generates an SDP offer. iceRestart requests fresh ICE
	// credentials for connection recovery.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate registers a callback for locally gathered candidates.
	// End-of-gathering is not reported; the callback only sees real candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))

	// OnTrack fires when inbound media arrives, carrying the remote stream.
	// Subsequent tracks of the same stream re-fire with the grown stream.
	OnTrack(func(*MediaStream))

	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// Factory creates a Peer with the local stream's tracks already attached.
type Factory func(local *MediaStream) (Peer, error)

// Provider acquires the local capture stream. Acquisition may block on a
// permission prompt for an unbounded time, so it takes a context.
type Provider interface {
	Acquire(ctx context.Context) (*MediaStream, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (*MediaStream, error)

func (f ProviderFunc) Acquire(ctx context.Context) (*MediaStream, error) { return f(ctx) }
