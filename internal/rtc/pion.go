package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Config carries the ICE parameters for pion peers.
type Config struct {
	STUNServers       []string
	CandidatePoolSize uint8
}

// NewPionFactory returns a Factory producing pion-backed peers configured
// with the given STUN servers. The local stream's tracks must wrap pion
// local tracks (LocalTrack); anything else cannot be attached.
func NewPionFactory(cfg Config) Factory {
	return func(local *MediaStream) (Peer, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: cfg.STUNServers},
			},
			ICECandidatePoolSize: cfg.CandidatePoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}

		if local != nil {
			for _, t := range local.Tracks() {
				lt, ok := t.(*LocalTrack)
				if !ok {
					pc.Close()
					return nil, fmt.Errorf("track %s is not a pion local track", t.ID())
				}
				if _, err := pc.AddTrack(lt.Local); err != nil {
					pc.Close()
					return nil, fmt.Errorf("attach track %s: %w", t.ID(), err)
				}
			}
		}

		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	remote *MediaStream
}

func (p *pionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *pionPeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(fn func(*MediaStream)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		if p.remote == nil {
			p.remote = NewMediaStream(tr.StreamID())
		}
		stream := p.remote
		stream.AddTrack(&remoteTrack{tr: tr})
		p.mu.Unlock()
		fn(stream)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// remoteTrack wraps an inbound pion track. There is nothing to stop on the
// receiving side; teardown happens by closing the connection.
type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string   { return t.tr.ID() }
func (t *remoteTrack) Kind() string { return t.tr.Kind().String() }
func (t *remoteTrack) Stop() error  { return nil }
