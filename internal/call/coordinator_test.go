package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/shuwashuwa/shuwacall/internal/rtc"
	"github.com/shuwashuwa/shuwacall/internal/signal"
	"github.com/shuwashuwa/shuwacall/internal/util"
)

type stubTrack struct {
	id   string
	kind string

	mu      sync.Mutex
	stopped bool
}

func (t *stubTrack) ID() string   { return t.id }
func (t *stubTrack) Kind() string { return t.kind }

func (t *stubTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

// fakePeer records every call and lets tests drive the callbacks by hand.
type fakePeer struct {
	name string

	mu       sync.Mutex
	ops      []string
	remote   []webrtc.SessionDescription
	cands    []webrtc.ICECandidateInit
	restarts []bool
	answers  int
	closed   bool
	state    webrtc.PeerConnectionState
	seq      int

	offerErr    error
	remoteErr   error
	remoteFails int

	onCand  func(webrtc.ICECandidateInit)
	onTrack func(*rtc.MediaStream)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	p.seq++
	p.restarts = append(p.restarts, iceRestart)
	p.ops = append(p.ops, "createOffer")
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("%s-offer-%d", p.name, p.seq),
	}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.answers++
	p.ops = append(p.ops, "createAnswer")
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("%s-answer-%d", p.name, p.seq),
	}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "setLocal")
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		p.remoteFails++
		return p.remoteErr
	}
	p.remote = append(p.remote, desc)
	p.ops = append(p.ops, "setRemote")
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cands = append(p.cands, c)
	p.ops = append(p.ops, "addCand")
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

func (p *fakePeer) OnTrack(fn func(*rtc.MediaStream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) fireState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = s
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePeer) emitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *fakePeer) emitTrack(s *rtc.MediaStream) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePeer) remoteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remote)
}

func (p *fakePeer) lastRemote() webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote[len(p.remote)-1]
}

func (p *fakePeer) candCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cands)
}

func (p *fakePeer) candAt(i int) webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cands[i]
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) setRemoteErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteErr = err
}

func (p *fakePeer) setOfferErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerErr = err
}

func (p *fakePeer) remoteFailCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteFails
}

func (p *fakePeer) opsSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ops))
	copy(out, p.ops)
	return out
}

func (p *fakePeer) lastRestart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.restarts) == 0 {
		return false
	}
	return p.restarts[len(p.restarts)-1]
}

type fakeFactory struct {
	name string

	mu    sync.Mutex
	err   error
	peers []*fakePeer
}

func (f *fakeFactory) New(*rtc.MediaStream) (rtc.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{
		name:  fmt.Sprintf("%s-%d", f.name, len(f.peers)+1),
		state: webrtc.PeerConnectionStateNew,
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

func newTestCoordinator(t *testing.T, store signal.Store, user, room string, delay time.Duration) (*Coordinator, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{name: user}
	c := New(Config{
		UserID:     user,
		ChatRoomID: room,
		Store:      store,
		NewPeer:    f.New,
		Media: &rtc.StaticProvider{
			Stream: rtc.NewMediaStream(user+"-local", &stubTrack{id: "cam", kind: "video"}),
		},
		RecoverDelay: delay,
	})
	t.Cleanup(func() { _ = c.EndCall(context.Background()) })
	return c, f
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitEvent(t *testing.T, c *Coordinator, desc string, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", desc)
		}
	}
}

func TestCreateRoomWritesOfferDocument(t *testing.T) {
	store := signal.NewMemStore()
	alice, f := newTestCoordinator(t, store, "alice", "room1", 0)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if sess.ID != util.CallID("room1") {
		t.Errorf("session ID = %q, want %q", sess.ID, util.CallID("room1"))
	}
	if sess.StarterID != "alice" || !sess.Active {
		t.Errorf("session = %+v, want started by alice and active", sess)
	}
	if got := alice.State(); got != StateNegotiating {
		t.Errorf("state = %s, want negotiating", got)
	}
	if got := alice.Role(); got != RoleCaller {
		t.Errorf("role = %s, want caller", got)
	}

	doc, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get document: %v", err)
	}
	if doc.Offer == nil || doc.Offer.Kind != "offer" || doc.Offer.Sender != "alice" {
		t.Errorf("document offer = %+v, want an offer from alice", doc.Offer)
	}
	if doc.CallerID != "alice" || !doc.Active {
		t.Errorf("document = %+v, want caller alice and active", doc)
	}
	if f.count() != 1 {
		t.Errorf("peer connections created = %d, want 1", f.count())
	}
}

func TestCreateRoomWhenRoomBusy(t *testing.T) {
	store := signal.NewMemStore()
	err := store.Put(context.Background(), "call-existing", &signal.Document{
		ChatRoomID: "room1",
		CallerID:   "carol",
		Offer:      &signal.SessionDesc{Kind: "offer", SDP: "carol-offer", Sender: "carol"},
		Active:     true,
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}

	alice, f := newTestCoordinator(t, store, "alice", "room1", 0)
	if _, err := alice.CreateRoom(context.Background()); !errors.Is(err, ErrRoomBusy) {
		t.Fatalf("CreateRoom error = %v, want ErrRoomBusy", err)
	}
	if got := alice.State(); got != StateIdle {
		t.Errorf("state after busy = %s, want idle", got)
	}
	if f.count() != 0 {
		t.Errorf("peer connections created = %d, want 0", f.count())
	}

	// The same instance can still join the existing call instead.
	if err := alice.JoinRoom(context.Background(), "call-existing"); err != nil {
		t.Fatalf("JoinRoom after busy: %v", err)
	}
	if got := alice.Role(); got != RoleCallee {
		t.Errorf("role = %s, want callee", got)
	}
}

func TestCreateRoomMediaDenied(t *testing.T) {
	store := signal.NewMemStore()
	denied := errors.New("camera permission denied")
	c := New(Config{
		UserID:     "alice",
		ChatRoomID: "room1",
		Store:      store,
		NewPeer:    (&fakeFactory{name: "alice"}).New,
		Media: rtc.ProviderFunc(func(context.Context) (*rtc.MediaStream, error) {
			return nil, denied
		}),
	})

	if _, err := c.CreateRoom(context.Background()); !errors.Is(err, denied) {
		t.Fatalf("CreateRoom error = %v, want media denial", err)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if _, _, err := store.FindActive(context.Background(), "room1"); !errors.Is(err, signal.ErrNotFound) {
		t.Errorf("FindActive error = %v, want ErrNotFound (no document must be written)", err)
	}
}

func TestJoinRoomErrors(t *testing.T) {
	tests := []struct {
		name    string
		seed    func(t *testing.T, store *signal.MemStore)
		roomID  string
		wantErr error
	}{
		{
			name:    "no document",
			seed:    func(*testing.T, *signal.MemStore) {},
			roomID:  "call-missing",
			wantErr: ErrNoPendingOffer,
		},
		{
			name: "inactive document",
			seed: func(t *testing.T, store *signal.MemStore) {
				err := store.Put(context.Background(), "call-dead", &signal.Document{
					ChatRoomID: "room1",
					CallerID:   "carol",
					Offer:      &signal.SessionDesc{Kind: "offer", SDP: "x", Sender: "carol"},
					Active:     false,
				})
				if err != nil {
					t.Fatalf("seed: %v", err)
				}
			},
			roomID:  "call-dead",
			wantErr: ErrNoPendingOffer,
		},
		{
			name: "own offer",
			seed: func(t *testing.T, store *signal.MemStore) {
				err := store.Put(context.Background(), "call-own", &signal.Document{
					ChatRoomID: "room1",
					CallerID:   "bob",
					Offer:      &signal.SessionDesc{Kind: "offer", SDP: "x", Sender: "bob"},
					Active:     true,
				})
				if err != nil {
					t.Fatalf("seed: %v", err)
				}
			},
			roomID:  "call-own",
			wantErr: ErrOwnOffer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := signal.NewMemStore()
			tt.seed(t, store)
			bob, _ := newTestCoordinator(t, store, "bob", "room1", 0)
			if err := bob.JoinRoom(context.Background(), tt.roomID); !errors.Is(err, tt.wantErr) {
				t.Fatalf("JoinRoom error = %v, want %v", err, tt.wantErr)
			}
			if got := bob.State(); got != StateIdle {
				t.Errorf("state = %s, want idle", got)
			}
		})
	}
}

func TestOfferAnswerHandshake(t *testing.T) {
	store := signal.NewMemStore()
	alice, fa := newTestCoordinator(t, store, "alice", "room1", 0)
	bob, fb := newTestCoordinator(t, store, "bob", "room1", 0)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := bob.JoinRoom(context.Background(), sess.ID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	bobPeer := fb.peer(0)
	waitFor(t, "bob to answer the offer", func() bool { return bobPeer.remoteCount() == 1 })
	if got := bobPeer.lastRemote(); got.Type != webrtc.SDPTypeOffer {
		t.Errorf("bob remote description type = %s, want offer", got.Type)
	}

	doc, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get document: %v", err)
	}
	waitFor(t, "answer in the document", func() bool {
		doc, err = store.Get(context.Background(), sess.ID)
		return err == nil && doc.Answer != nil
	})
	if doc.Answer.Kind != "answer" || doc.Answer.Sender != "bob" {
		t.Errorf("document answer = %+v, want an answer from bob", doc.Answer)
	}

	alicePeer := fa.peer(0)
	waitFor(t, "alice to apply the answer", func() bool { return alicePeer.remoteCount() == 1 })
	if got := alicePeer.lastRemote(); got.Type != webrtc.SDPTypeAnswer {
		t.Errorf("alice remote description type = %s, want answer", got.Type)
	}

	// Candidates cross through the shared log in both directions.
	alicePeer.emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:alice-1"})
	bobPeer.emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:bob-1"})
	waitFor(t, "bob to receive alice's candidate", func() bool { return bobPeer.candCount() == 1 })
	waitFor(t, "alice to receive bob's candidate", func() bool { return alicePeer.candCount() == 1 })

	alicePeer.fireState(webrtc.PeerConnectionStateConnected)
	bobPeer.fireState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "both sides connected", func() bool {
		return alice.State() == StateConnected && bob.State() == StateConnected
	})

	select {
	case <-alice.Connected():
	default:
		t.Error("alice Connected channel not closed")
	}
	select {
	case <-bob.Connected():
	default:
		t.Error("bob Connected channel not closed")
	}
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	store := signal.NewMemStore()
	alice, fa := newTestCoordinator(t, store, "alice", "room1", 0)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	answer := &signal.SessionDesc{Kind: "answer", SDP: "bob-answer-1", Sender: "bob"}
	if err := store.SetAnswer(context.Background(), sess.ID, answer); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	peer := fa.peer(0)
	waitFor(t, "first answer applied", func() bool { return peer.remoteCount() == 1 })

	// The identical payload again, then a genuinely new one. Only the new one
	// may reach the peer connection.
	if err := store.SetAnswer(context.Background(), sess.ID, answer); err != nil {
		t.Fatalf("SetAnswer duplicate: %v", err)
	}
	fresh := &signal.SessionDesc{Kind: "answer", SDP: "bob-answer-2", Sender: "bob"}
	if err := store.SetAnswer(context.Background(), sess.ID, fresh); err != nil {
		t.Fatalf("SetAnswer fresh: %v", err)
	}
	waitFor(t, "fresh answer applied", func() bool { return peer.remoteCount() == 2 })
	if got := peer.lastRemote().SDP; got != "bob-answer-2" {
		t.Errorf("second applied SDP = %q, want bob-answer-2", got)
	}
}

func TestRejectedRemoteDescriptionReprocessed(t *testing.T) {
	store := signal.NewMemStore()
	alice, fa := newTestCoordinator(t, store, "alice", "room1", 0)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	peer := fa.peer(0)

	// Queue a candidate first: it must survive the failed application below.
	if err := store.AddCandidate(context.Background(), sess.ID, &signal.Candidate{
		Payload: `{"candidate":"candidate:bob-1"}`, Sender: "bob",
	}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	// The connection rejects the answer; the payload is dropped, not fatal.
	boom := errors.New("wrong signaling state")
	peer.setRemoteErr(boom)
	answer := &signal.SessionDesc{Kind: "answer", SDP: "bob-answer", Sender: "bob"}
	if err := store.SetAnswer(context.Background(), sess.ID, answer); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	waitFor(t, "rejected answer attempt", func() bool { return peer.remoteFailCount() == 1 })
	if got := alice.State(); got != StateNegotiating {
		t.Errorf("state after rejected payload = %s, want negotiating", got)
	}

	// The identical payload delivered again must be re-processed: a rejected
	// application must not poison the duplicate filter.
	peer.setRemoteErr(nil)
	if err := store.SetAnswer(context.Background(), sess.ID, answer); err != nil {
		t.Fatalf("SetAnswer retry: %v", err)
	}
	waitFor(t, "answer applied with queued candidate", func() bool {
		return peer.remoteCount() == 1 && peer.candCount() == 1
	})
	if got := peer.lastRemote().SDP; got != "bob-answer" {
		t.Errorf("applied SDP = %q, want bob-answer", got)
	}
	if got := peer.candAt(0).Candidate; got != "candidate:bob-1" {
		t.Errorf("applied candidate = %q, want candidate:bob-1", got)
	}
}

func TestRestartOfferFailureRecreatesPeer(t *testing.T) {
	store := signal.NewMemStore()
	alice, fa := newTestCoordinator(t, store, "alice", "room1", time.Minute)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := store.SetAnswer(context.Background(), sess.ID, &signal.SessionDesc{Kind: "answer", SDP: "bob-answer", Sender: "bob"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	peer1 := fa.peer(0)
	waitFor(t, "answer applied", func() bool { return peer1.remoteCount() == 1 })

	// The restart offer cannot be generated, so recovery falls through to
	// recreating the connection outright.
	peer1.setOfferErr(errors.New("offer generation failed"))
	peer1.fireState(webrtc.PeerConnectionStateFailed)

	waitFor(t, "peer recreated", func() bool { return fa.count() == 2 })
	waitFor(t, "fresh offer from new peer", func() bool {
		doc, err := store.Get(context.Background(), sess.ID)
		return err == nil && doc.Offer.SDP == fmt.Sprintf("%s-offer-1", "alice-2")
	})
	if !peer1.isClosed() {
		t.Error("replaced peer connection not closed")
	}
	if got := alice.State(); got != StateNegotiating {
		t.Errorf("state = %s, want negotiating", got)
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	store := signal.NewMemStore()
	alice, fa := newTestCoordinator(t, store, "alice", "room1", 0)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	// Candidates land before the answer: malformed ones are dropped, valid
	// ones are held back until the remote description is installed.
	bad := &signal.Candidate{Payload: "not json", Sender: "bob"}
	good := &signal.Candidate{Payload: `{"candidate":"candidate:bob-1"}`, Sender: "bob"}
	if err := store.AddCandidate(context.Background(), sess.ID, bad); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if err := store.AddCandidate(context.Background(), sess.ID, good); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if err := store.SetAnswer(context.Background(), sess.ID, &signal.SessionDesc{Kind: "answer", SDP: "bob-answer", Sender: "bob"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	peer := fa.peer(0)
	waitFor(t, "queued candidate applied", func() bool {
		return peer.remoteCount() == 1 && peer.candCount() == 1
	})
	ops := peer.opsSnapshot()
	remoteAt, candAt := -1, -1
	for i, op := range ops {
		switch op {
		case "setRemote":
			if remoteAt == -1 {
				remoteAt = i
			}
		case "addCand":
			if candAt == -1 {
				candAt = i
			}
		}
	}
	if remoteAt == -1 || candAt == -1 || candAt < remoteAt {
		t.Errorf("operation order = %v, want setRemote before addCand", ops)
	}
	if got := peer.candAt(0).Candidate; got != "candidate:bob-1" {
		t.Errorf("applied candidate = %q, want candidate:bob-1", got)
	}
}

func TestEndCallTearsDownBothSides(t *testing.T) {
	store := signal.NewMemStore()
	alice, _ := newTestCoordinator(t, store, "alice", "room1", 0)
	bob, _ := newTestCoordinator(t, store, "bob", "room1", 0)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := bob.JoinRoom(context.Background(), sess.ID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	if err := bob.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if got := bob.State(); got != StateEnded {
		t.Errorf("bob state = %s, want ended", got)
	}
	if _, err := store.Get(context.Background(), sess.ID); !errors.Is(err, signal.ErrNotFound) {
		t.Errorf("Get after EndCall error = %v, want ErrNotFound", err)
	}

	// The other side observes the deletion and tears down too.
	waitFor(t, "alice to observe the hang-up", func() bool { return alice.State() == StateEnded })

	// Idempotent from every angle.
	if err := bob.EndCall(context.Background()); err != nil {
		t.Errorf("second EndCall: %v", err)
	}
	if err := alice.EndCall(context.Background()); err != nil {
		t.Errorf("alice EndCall after remote end: %v", err)
	}
}

func TestEndCallBeforeStart(t *testing.T) {
	store := signal.NewMemStore()
	alice, _ := newTestCoordinator(t, store, "alice", "room1", 0)

	if err := alice.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall from idle: %v", err)
	}
	if _, err := alice.CreateRoom(context.Background()); !errors.Is(err, ErrEnded) {
		t.Errorf("CreateRoom after EndCall error = %v, want ErrEnded", err)
	}
}

func TestSecondCallAttemptRejected(t *testing.T) {
	store := signal.NewMemStore()
	alice, _ := newTestCoordinator(t, store, "alice", "room1", 0)

	if _, err := alice.CreateRoom(context.Background()); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := alice.CreateRoom(context.Background()); !errors.Is(err, ErrInCall) {
		t.Errorf("second CreateRoom error = %v, want ErrInCall", err)
	}
	if err := alice.JoinRoom(context.Background(), "call-x"); !errors.Is(err, ErrInCall) {
		t.Errorf("JoinRoom while in call error = %v, want ErrInCall", err)
	}
}

func TestRemoteStreamEvent(t *testing.T) {
	store := signal.NewMemStore()
	alice, fa := newTestCoordinator(t, store, "alice", "room1", 0)

	if _, err := alice.CreateRoom(context.Background()); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	stream := rtc.NewMediaStream("bob-remote", &stubTrack{id: "v", kind: "video"})
	fa.peer(0).emitTrack(stream)

	ev := waitEvent(t, alice, "remote stream event", func(ev Event) bool { return ev.Remote != nil })
	if ev.Remote.ID() != "bob-remote" {
		t.Errorf("remote stream ID = %q, want bob-remote", ev.Remote.ID())
	}
	if got := alice.RemoteStream(); got == nil || got.ID() != "bob-remote" {
		t.Errorf("RemoteStream = %v, want bob-remote", got)
	}
}

func TestCallerRecoveryRestartsICEThenRecreates(t *testing.T) {
	store := signal.NewMemStore()
	alice, fa := newTestCoordinator(t, store, "alice", "room1", 30*time.Millisecond)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := store.SetAnswer(context.Background(), sess.ID, &signal.SessionDesc{Kind: "answer", SDP: "bob-answer", Sender: "bob"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	peer1 := fa.peer(0)
	waitFor(t, "answer applied", func() bool { return peer1.remoteCount() == 1 })
	firstOffer := func() string {
		doc, err := store.Get(context.Background(), sess.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		return doc.Offer.SDP
	}()

	// First failure: ICE restart offer is published, state falls back to
	// negotiating.
	peer1.fireState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "restart offer published", func() bool {
		doc, err := store.Get(context.Background(), sess.ID)
		return err == nil && doc.Offer.SDP != firstOffer
	})
	if !peer1.lastRestart() {
		t.Error("recovery offer was not an ICE restart")
	}
	if got := alice.State(); got != StateNegotiating {
		t.Errorf("state after first failure = %s, want negotiating", got)
	}

	// The connection stays failed past the recheck delay, so the peer is
	// recreated and a fresh offer published.
	waitFor(t, "peer recreated", func() bool { return fa.count() == 2 })
	peer2 := fa.peer(1)
	waitFor(t, "fresh offer from new peer", func() bool {
		doc, err := store.Get(context.Background(), sess.ID)
		return err == nil && doc.Offer.SDP == fmt.Sprintf("%s-offer-1", "alice-2")
	})
	if !peer1.isClosed() {
		t.Error("replaced peer connection not closed")
	}

	// A stale event from the old connection must be ignored.
	peer1.fireState(webrtc.PeerConnectionStateConnected)
	if got := alice.State(); got == StateConnected {
		t.Error("stale connected event from replaced peer changed the state")
	}

	// Second failure is terminal.
	peer2.fireState(webrtc.PeerConnectionStateFailed)
	ev := waitEvent(t, alice, "terminal failure", func(ev Event) bool { return ev.State == StateFailed })
	if !errors.Is(ev.Err, ErrCallFailed) {
		t.Errorf("terminal event error = %v, want ErrCallFailed", ev.Err)
	}
	if got := alice.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestRecoverySucceedsWithoutRecreate(t *testing.T) {
	store := signal.NewMemStore()
	alice, fa := newTestCoordinator(t, store, "alice", "room1", 30*time.Millisecond)

	sess, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := store.SetAnswer(context.Background(), sess.ID, &signal.SessionDesc{Kind: "answer", SDP: "bob-answer", Sender: "bob"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	peer := fa.peer(0)
	waitFor(t, "answer applied", func() bool { return peer.remoteCount() == 1 })

	peer.fireState(webrtc.PeerConnectionStateFailed)
	peer.fireState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "recovered to connected", func() bool { return alice.State() == StateConnected })

	// Past the recheck delay nothing further happens: no recreation.
	time.Sleep(80 * time.Millisecond)
	if got := fa.count(); got != 1 {
		t.Errorf("peer connections created = %d, want 1", got)
	}
	if got := alice.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestCalleeRecoveryReplaysOffer(t *testing.T) {
	store := signal.NewMemStore()
	err := store.Put(context.Background(), "call-1", &signal.Document{
		ChatRoomID: "room1",
		CallerID:   "alice",
		Offer:      &signal.SessionDesc{Kind: "offer", SDP: "alice-offer", Sender: "alice"},
		Active:     true,
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := store.AddCandidate(context.Background(), "call-1", &signal.Candidate{
		Payload: `{"candidate":"candidate:alice-1"}`, Sender: "alice",
	}); err != nil {
		t.Fatalf("seed candidate: %v", err)
	}

	bob, fb := newTestCoordinator(t, store, "bob", "room1", 30*time.Millisecond)
	if err := bob.JoinRoom(context.Background(), "call-1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	peer1 := fb.peer(0)
	waitFor(t, "offer answered", func() bool { return peer1.remoteCount() == 1 && peer1.candCount() == 1 })

	peer1.fireState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "peer recreated", func() bool { return fb.count() == 2 })
	peer2 := fb.peer(1)

	// The new connection reprocesses the documented offer, answers again, and
	// drains the caller's logged candidates.
	waitFor(t, "offer replayed on new peer", func() bool {
		return peer2.remoteCount() == 1 && peer2.candCount() == 1
	})
	waitFor(t, "fresh answer published", func() bool {
		doc, err := store.Get(context.Background(), "call-1")
		return err == nil && doc.Answer != nil && doc.Answer.SDP == fmt.Sprintf("%s-answer-1", "bob-2")
	})
}

func TestOfferCollision(t *testing.T) {
	t.Run("smaller identity re-asserts", func(t *testing.T) {
		store := signal.NewMemStore()
		alice, _ := newTestCoordinator(t, store, "alice", "room1", 0)
		sess, err := alice.CreateRoom(context.Background())
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
		own := func() string {
			doc, err := store.Get(context.Background(), sess.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			return doc.Offer.SDP
		}()

		foreign := &signal.SessionDesc{Kind: "offer", SDP: "zed-offer", Sender: "zed"}
		if err := store.SetOffer(context.Background(), sess.ID, foreign); err != nil {
			t.Fatalf("SetOffer: %v", err)
		}
		waitFor(t, "own offer re-asserted", func() bool {
			doc, err := store.Get(context.Background(), sess.ID)
			return err == nil && doc.Offer.Sender == "alice" && doc.Offer.SDP == own
		})
		if got := alice.State(); got != StateNegotiating {
			t.Errorf("state = %s, want negotiating", got)
		}
	})

	t.Run("larger identity yields", func(t *testing.T) {
		store := signal.NewMemStore()
		zed, _ := newTestCoordinator(t, store, "zed", "room1", 0)
		sess, err := zed.CreateRoom(context.Background())
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
		foreign := &signal.SessionDesc{Kind: "offer", SDP: "alice-offer", Sender: "alice"}
		if err := store.SetOffer(context.Background(), sess.ID, foreign); err != nil {
			t.Fatalf("SetOffer: %v", err)
		}
		ev := waitEvent(t, zed, "conflict failure", func(ev Event) bool { return ev.State == StateFailed })
		if !errors.Is(ev.Err, ErrOfferConflict) {
			t.Errorf("event error = %v, want ErrOfferConflict", ev.Err)
		}
	})
}
