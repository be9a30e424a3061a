package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/shuwashuwa/shuwacall/internal/rtc"
	"github.com/shuwashuwa/shuwacall/internal/session"
	"github.com/shuwashuwa/shuwacall/internal/signal"
	"github.com/shuwashuwa/shuwacall/internal/util"
)

var (
	ErrInCall         = errors.New("coordinator already started a call")
	ErrEnded          = errors.New("call already ended")
	ErrRoomBusy       = errors.New("chat room already has an active call")
	ErrNoPendingOffer = errors.New("no pending offer for this room")
	ErrOwnOffer       = errors.New("cannot join a call this user initiated")
	ErrCallFailed     = errors.New("call failed after one recovery attempt")
	ErrOfferConflict  = errors.New("competing offer took over the room")
)

const (
	defaultRecoverDelay = 5 * time.Second
	storeTimeout        = 5 * time.Second
	eventBuffer         = 16
)

// Event is delivered on the Events channel after every state transition.
// Remote is set exactly once, when inbound media first arrives.
type Event struct {
	State  State
	Remote *rtc.MediaStream
	Err    error
}

// Config assembles a Coordinator. RecoverDelay is how long a failed
// connection may sit after an ICE restart before the peer is recreated;
// zero means the default of five seconds.
type Config struct {
	UserID       string
	ChatRoomID   string
	Store        signal.Store
	NewPeer      rtc.Factory
	Media        rtc.Provider
	RecoverDelay time.Duration
}

// Coordinator drives exactly one call to media flow or to failure. An
// instance is single-use: after EndCall it stays in the terminal state.
//
// All store and peer callbacks funnel through a mutex and check the torn-down
// flag first, so notifications arriving after EndCall are no-ops.
type Coordinator struct {
	userID       string
	chatRoomID   string
	store        signal.Store
	newPeer      rtc.Factory
	media        rtc.Provider
	recoverDelay time.Duration

	events    chan Event
	connected chan struct{}
	connOnce  sync.Once

	mu            sync.Mutex
	state         State
	role          Role
	callID        string
	peer          rtc.Peer
	local         *rtc.MediaStream
	remote        *rtc.MediaStream
	unsubscribe   func()
	cancelSetup   context.CancelFunc
	attached      bool // a signaling document concerns this instance
	docReady      bool // the document exists; local candidates may be published
	localOffer    string
	lastRemoteSDP string
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	pendingLocal  []webrtc.ICECandidateInit
	recovered     bool
	tornDown      bool
}

// New creates an idle coordinator for one user in one chat room.
func New(cfg Config) *Coordinator {
	delay := cfg.RecoverDelay
	if delay == 0 {
		delay = defaultRecoverDelay
	}
	return &Coordinator{
		userID:       cfg.UserID,
		chatRoomID:   cfg.ChatRoomID,
		store:        cfg.Store,
		newPeer:      cfg.NewPeer,
		media:        cfg.Media,
		recoverDelay: delay,
		events:       make(chan Event, eventBuffer),
		connected:    make(chan struct{}),
		callID:       util.CallID(cfg.ChatRoomID),
	}
}

// Events returns the coordinator's state-transition feed. Slow consumers may
// miss intermediate events; terminal states are always retrievable via State.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Connected is closed the first time media-path establishment succeeds.
func (c *Coordinator) Connected() <-chan struct{} { return c.connected }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Coordinator) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// LocalStream returns the local capture stream, or nil before acquisition.
func (c *Coordinator) LocalStream() *rtc.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteStream returns the inbound stream, or nil until the first remote
// track has arrived.
func (c *Coordinator) RemoteStream() *rtc.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// CreateRoom starts a call as the caller: it acquires local media, writes the
// signaling document with a fresh offer, and returns once the document write
// has landed. Negotiation continues in the background; watch Events or
// Connected for progress.
func (c *Coordinator) CreateRoom(ctx context.Context) (*session.Session, error) {
	ctx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}

	if _, _, err := c.store.FindActive(ctx, c.chatRoomID); err == nil {
		c.abortSetup()
		return nil, ErrRoomBusy
	} else if !errors.Is(err, signal.ErrNotFound) {
		c.abortSetup()
		return nil, err
	}

	local, peer, err := c.setupPeer(ctx)
	if err != nil {
		c.abortSetup()
		return nil, err
	}

	offer, err := peer.CreateOffer(false)
	if err == nil {
		err = peer.SetLocalDescription(offer)
	}
	if err != nil {
		c.releaseSetup(local, peer)
		return nil, fmt.Errorf("create offer: %w", err)
	}

	doc := &signal.Document{
		ChatRoomID: c.chatRoomID,
		CallerID:   c.userID,
		Offer:      &signal.SessionDesc{Kind: "offer", SDP: offer.SDP, Sender: c.userID},
		CreatedAt:  time.Now(),
		Active:     true,
	}
	if err := c.store.Put(ctx, c.callID, doc); err != nil {
		c.releaseSetup(local, peer)
		return nil, fmt.Errorf("write signaling document: %w", err)
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		_ = peer.Close()
		_ = local.StopAll()
		_ = c.store.Delete(context.Background(), c.callID)
		return nil, ErrEnded
	}
	c.role = RoleCaller
	c.peer = peer
	c.local = local
	c.localOffer = offer.SDP
	c.attached = true
	c.docReady = true
	c.state = StateNegotiating
	flush := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()
	c.finishSetup()

	for _, cand := range flush {
		c.publishCandidate(cand)
	}
	if err := c.subscribe(); err != nil {
		_ = c.EndCall(context.Background())
		return nil, err
	}

	c.emit(Event{State: StateNegotiating})
	util.LogInfo("call: room %s created, waiting for answer", c.callID)
	return session.FromDocument(c.callID, doc), nil
}

// JoinRoom joins a pending call as the callee. The offer is consumed through
// the subscription's replay, so the answer is produced in the background.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) error {
	ctx, err := c.begin(ctx)
	if err != nil {
		return err
	}

	doc, err := c.store.Get(ctx, roomID)
	if errors.Is(err, signal.ErrNotFound) {
		c.abortSetup()
		return ErrNoPendingOffer
	}
	if err != nil {
		c.abortSetup()
		return err
	}
	if doc.Offer == nil || !doc.Active {
		c.abortSetup()
		return ErrNoPendingOffer
	}
	if doc.Offer.Sender == c.userID {
		c.abortSetup()
		return ErrOwnOffer
	}

	local, peer, err := c.setupPeer(ctx)
	if err != nil {
		c.abortSetup()
		return err
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		_ = peer.Close()
		_ = local.StopAll()
		return ErrEnded
	}
	c.callID = roomID
	c.role = RoleCallee
	c.peer = peer
	c.local = local
	c.attached = true
	c.docReady = true
	c.state = StateNegotiating
	flush := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()
	c.finishSetup()

	for _, cand := range flush {
		c.publishCandidate(cand)
	}
	if err := c.subscribe(); err != nil {
		_ = c.EndCall(context.Background())
		return err
	}

	c.emit(Event{State: StateNegotiating})
	util.LogInfo("call: joined room %s", roomID)
	return nil
}

// EndCall tears the call down: local tracks, peer connection, subscription,
// then the signaling document, in that order. It is idempotent and safe from
// any state; only the document deletion can report an error.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return nil
	}
	c.tornDown = true
	c.state = StateEnded
	peer := c.peer
	local := c.local
	unsub := c.unsubscribe
	cancelSetup := c.cancelSetup
	attached := c.attached
	callID := c.callID
	c.peer = nil
	c.local = nil
	c.remote = nil
	c.unsubscribe = nil
	c.cancelSetup = nil
	c.mu.Unlock()

	if cancelSetup != nil {
		cancelSetup()
	}
	if local != nil {
		if err := local.StopAll(); err != nil {
			util.LogWarning("call: stop local tracks: %v", err)
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			util.LogWarning("call: close peer connection: %v", err)
		}
	}
	if unsub != nil {
		unsub()
	}

	var delErr error
	if attached {
		delErr = c.store.Delete(ctx, callID)
	}
	c.emit(Event{State: StateEnded})
	return delErr
}

// ---------------------------------------------------------------------------
// Setup plumbing
// ---------------------------------------------------------------------------

func (c *Coordinator) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return nil, ErrEnded
	}
	if c.state != StateIdle {
		return nil, ErrInCall
	}
	c.state = StateInitiating
	sctx, cancel := context.WithCancel(ctx)
	c.cancelSetup = cancel
	return sctx, nil
}

func (c *Coordinator) abortSetup() {
	c.mu.Lock()
	if !c.tornDown && c.state == StateInitiating {
		c.state = StateIdle
	}
	cancel := c.cancelSetup
	c.cancelSetup = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) finishSetup() {
	c.mu.Lock()
	cancel := c.cancelSetup
	c.cancelSetup = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) releaseSetup(local *rtc.MediaStream, peer rtc.Peer) {
	if peer != nil {
		_ = peer.Close()
	}
	if local != nil {
		_ = local.StopAll()
	}
	c.abortSetup()
}

func (c *Coordinator) setupPeer(ctx context.Context) (*rtc.MediaStream, rtc.Peer, error) {
	local, err := c.media.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire local media: %w", err)
	}
	peer, err := c.newPeer(local)
	if err != nil {
		_ = local.StopAll()
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}
	c.wirePeer(peer)
	return local, peer, nil
}

func (c *Coordinator) wirePeer(peer rtc.Peer) {
	peer.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.publishCandidate(cand)
	})
	peer.OnTrack(func(stream *rtc.MediaStream) {
		c.setRemoteStream(stream)
	})
	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.handleConnState(peer, s)
	})
}

func (c *Coordinator) subscribe() error {
	unsub, err := c.store.Subscribe(c.callID, c.onSignalEvent)
	if err != nil {
		return fmt.Errorf("subscribe to signaling channel: %w", err)
	}
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsubscribe = unsub
	c.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Signaling-channel events
// ---------------------------------------------------------------------------

func (c *Coordinator) onSignalEvent(ev signal.Event) {
	switch ev.Kind {
	case signal.EventDocument:
		c.handleDocument(ev.Doc)
	case signal.EventCandidate:
		c.handleCandidate(ev.Candidate)
	case signal.EventDeleted:
		c.handleRemoteEnd()
	}
}

func (c *Coordinator) handleDocument(doc *signal.Document) {
	c.mu.Lock()
	if c.tornDown || c.peer == nil {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	role := c.role

	// Two peers racing CreateRoom for the same room: the lexicographically
	// smaller identity keeps the caller role and re-asserts its offer; the
	// larger one yields so the UI can rejoin as callee.
	if role == RoleCaller && doc.Offer != nil && doc.Offer.Sender != c.userID {
		if c.userID < doc.Offer.Sender {
			own := &signal.SessionDesc{Kind: "offer", SDP: c.localOffer, Sender: c.userID}
			callID := c.callID
			c.mu.Unlock()
			util.LogWarning("call: competing offer from %s, re-asserting own offer", doc.Offer.Sender)
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := c.store.SetOffer(ctx, callID, own); err != nil {
				util.LogWarning("call: re-assert offer: %v", err)
			}
			return
		}
		c.state = StateFailed
		c.mu.Unlock()
		util.LogWarning("call: competing offer from %s wins the room, yielding", doc.Offer.Sender)
		c.emit(Event{State: StateFailed, Err: ErrOfferConflict})
		return
	}

	var desc *signal.SessionDesc
	switch role {
	case RoleCaller:
		desc = doc.Answer
	case RoleCallee:
		desc = doc.Offer
	}
	if desc == nil || desc.Sender == c.userID || desc.SDP == c.lastRemoteSDP {
		c.mu.Unlock()
		return
	}
	if desc.Kind != "offer" && desc.Kind != "answer" {
		c.mu.Unlock()
		util.LogWarning("call: dropping signaling payload with kind %q", desc.Kind)
		return
	}
	c.lastRemoteSDP = desc.SDP
	c.remoteSet = true
	pending := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()

	c.applyRemote(peer, desc, pending)
}

// applyRemote installs the remote description, drains candidates queued
// before it, and for an offer produces and publishes the answer.
func (c *Coordinator) applyRemote(peer rtc.Peer, desc *signal.SessionDesc, pending []webrtc.ICECandidateInit) {
	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Kind), SDP: desc.SDP}
	if err := peer.SetRemoteDescription(remote); err != nil {
		util.LogWarning("call: set remote description: %v", err)
		// Un-mark the payload so a corrected rewrite is not deduplicated away.
		c.mu.Lock()
		if c.lastRemoteSDP == desc.SDP {
			c.lastRemoteSDP = ""
			c.remoteSet = false
			c.pendingRemote = append(pending, c.pendingRemote...)
		}
		c.mu.Unlock()
		return
	}
	for _, cand := range pending {
		if err := peer.AddICECandidate(cand); err != nil {
			util.LogWarning("call: add queued candidate: %v", err)
		}
	}

	if desc.Kind != "offer" {
		return
	}
	answer, err := peer.CreateAnswer()
	if err == nil {
		err = peer.SetLocalDescription(answer)
	}
	if err != nil {
		util.LogWarning("call: create answer: %v", err)
		return
	}
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.SetAnswer(ctx, callID, &signal.SessionDesc{Kind: "answer", SDP: answer.SDP, Sender: c.userID}); err != nil {
		util.LogWarning("call: publish answer: %v", err)
	}
}

func (c *Coordinator) handleCandidate(cand *signal.Candidate) {
	if cand.Sender == c.userID {
		return // self-echo from the shared document
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(cand.Payload), &init); err != nil {
		util.LogWarning("call: dropping malformed candidate from %s: %v", cand.Sender, err)
		return
	}

	c.mu.Lock()
	if c.tornDown || c.peer == nil {
		c.mu.Unlock()
		return
	}
	if !c.remoteSet {
		// Candidates may outrun the remote description; queue until it lands.
		c.pendingRemote = append(c.pendingRemote, init)
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.mu.Unlock()

	if err := peer.AddICECandidate(init); err != nil {
		util.LogWarning("call: add candidate: %v", err)
	}
}

func (c *Coordinator) handleRemoteEnd() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	util.LogInfo("call: remote peer ended the call")
	_ = c.EndCall(context.Background())
}

// ---------------------------------------------------------------------------
// Peer-connection events
// ---------------------------------------------------------------------------

func (c *Coordinator) setRemoteStream(stream *rtc.MediaStream) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	first := c.remote == nil
	c.remote = stream
	state := c.state
	c.mu.Unlock()
	if first {
		c.emit(Event{State: state, Remote: stream})
	}
}

func (c *Coordinator) handleConnState(peer rtc.Peer, s webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.tornDown || c.peer != peer {
		c.mu.Unlock()
		return // stale callback from a replaced connection
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.state = StateConnected
		c.mu.Unlock()
		c.connOnce.Do(func() { close(c.connected) })
		c.emit(Event{State: StateConnected})
		util.LogInfo("call: media path established")

	case webrtc.PeerConnectionStateFailed:
		if c.recovered {
			c.state = StateFailed
			c.mu.Unlock()
			c.emit(Event{State: StateFailed, Err: ErrCallFailed})
			util.LogError("call: connection failed again after recovery, giving up")
			return
		}
		c.recovered = true
		c.state = StateNegotiating
		role := c.role
		c.mu.Unlock()
		util.LogWarning("call: connection failed, attempting recovery")
		if role == RoleCaller {
			c.restartICE(peer)
		}
		time.AfterFunc(c.recoverDelay, c.recheckRecovery)
		c.emit(Event{State: StateNegotiating})

	case webrtc.PeerConnectionStateDisconnected:
		c.mu.Unlock()
		util.LogWarning("call: connection disconnected")

	default:
		c.mu.Unlock()
		util.LogDebug("call: connection state %s", s.String())
	}
}

// restartICE issues an offer with fresh ICE credentials and publishes it; the
// callee answers it through the normal offer-processing path.
func (c *Coordinator) restartICE(peer rtc.Peer) {
	offer, err := peer.CreateOffer(true)
	if err == nil {
		err = peer.SetLocalDescription(offer)
	}
	if err != nil {
		util.LogWarning("call: ICE restart: %v", err)
		c.recreatePeer()
		return
	}
	c.mu.Lock()
	c.localOffer = offer.SDP
	callID := c.callID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.SetOffer(ctx, callID, &signal.SessionDesc{Kind: "offer", SDP: offer.SDP, Sender: c.userID}); err != nil {
		util.LogWarning("call: publish restart offer: %v", err)
	}
}

// recheckRecovery fires recoverDelay after the first failure; if the
// connection is still failed the ICE restart did not take, so the peer is
// recreated outright.
func (c *Coordinator) recheckRecovery() {
	c.mu.Lock()
	if c.tornDown || c.state != StateNegotiating {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.mu.Unlock()
	if peer == nil || peer.ConnectionState() != webrtc.PeerConnectionStateFailed {
		return
	}
	c.recreatePeer()
}

// recreatePeer replaces the connection and replays signaling: the caller
// publishes a fresh offer, the callee reprocesses the documented offer.
func (c *Coordinator) recreatePeer() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	old := c.peer
	local := c.local
	role := c.role
	callID := c.callID
	c.remoteSet = false
	c.lastRemoteSDP = ""
	c.pendingRemote = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	peer, err := c.newPeer(local)
	if err != nil {
		util.LogError("call: recreate peer connection: %v", err)
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		c.emit(Event{State: StateFailed, Err: ErrCallFailed})
		return
	}
	c.wirePeer(peer)

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		_ = peer.Close()
		return
	}
	c.peer = peer
	c.mu.Unlock()
	util.LogInfo("call: peer connection recreated, replaying signaling")

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch role {
	case RoleCaller:
		offer, err := peer.CreateOffer(false)
		if err == nil {
			err = peer.SetLocalDescription(offer)
		}
		if err != nil {
			util.LogWarning("call: replay offer: %v", err)
			return
		}
		c.mu.Lock()
		c.localOffer = offer.SDP
		c.mu.Unlock()
		if err := c.store.SetOffer(ctx, callID, &signal.SessionDesc{Kind: "offer", SDP: offer.SDP, Sender: c.userID}); err != nil {
			util.LogWarning("call: publish replay offer: %v", err)
		}

	case RoleCallee:
		doc, err := c.store.Get(ctx, callID)
		if err != nil {
			util.LogWarning("call: replay signaling: %v", err)
			return
		}
		if doc.Offer == nil || doc.Offer.Sender == c.userID {
			return
		}
		c.mu.Lock()
		c.lastRemoteSDP = doc.Offer.SDP
		c.remoteSet = true
		c.mu.Unlock()
		c.applyRemote(peer, doc.Offer, nil)

		cands, err := c.store.Candidates(ctx, callID, doc.CallerID)
		if err != nil {
			util.LogWarning("call: replay candidates: %v", err)
			return
		}
		for _, cand := range cands {
			c.handleCandidate(cand)
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound helpers
// ---------------------------------------------------------------------------

func (c *Coordinator) publishCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	if !c.docReady {
		// Gathering can start before the document write lands.
		c.pendingLocal = append(c.pendingLocal, cand)
		c.mu.Unlock()
		return
	}
	callID := c.callID
	c.mu.Unlock()

	payload, err := json.Marshal(cand)
	if err != nil {
		util.LogWarning("call: encode candidate: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.AddCandidate(ctx, callID, &signal.Candidate{Payload: string(payload), Sender: c.userID}); err != nil {
		util.LogWarning("call: publish candidate: %v", err)
	}
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		util.LogDebug("call: event dropped, buffer full")
	}
}
