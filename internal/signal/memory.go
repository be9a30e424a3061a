package signal

import (
	"context"
	"sync"

	"github.com/shuwashuwa/shuwacall/internal/util"
)

// subscriberBuffer bounds how many undelivered events a slow subscriber may
// accumulate before further events are dropped for it.
const subscriberBuffer = 128

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver must tolerate racing close: publishers collect subscriber pointers
// under the store lock but send after unlock, so an unsubscribe can land in
// between. The per-subscriber lock makes close-then-send impossible.
func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		util.LogWarning("signal: dropping event for slow subscriber (kind=%d call=%s)", ev.Kind, ev.CallID)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// MemStore is an in-process Store. Each subscriber gets its own goroutine and
// buffered queue, so events are delivered asynchronously but in observation
// order per subscriber.
type MemStore struct {
	mu       sync.Mutex
	docs     map[string]*Document
	cands    map[string][]*Candidate
	rooms    map[string]string // chatRoomID -> active callID
	subs     map[string]map[int]*subscriber
	roomSubs map[string]map[int]*subscriber
	nextID   int
}

// NewMemStore creates an empty in-memory signaling store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs:     make(map[string]*Document),
		cands:    make(map[string][]*Candidate),
		rooms:    make(map[string]string),
		subs:     make(map[string]map[int]*subscriber),
		roomSubs: make(map[string]map[int]*subscriber),
	}
}

func (ms *MemStore) Put(_ context.Context, callID string, doc *Document) error {
	ms.mu.Lock()
	cp := doc.Clone()
	ms.docs[callID] = cp
	if cp.Active {
		ms.rooms[cp.ChatRoomID] = callID
	}
	ev := Event{Kind: EventDocument, CallID: callID, Doc: cp.Clone()}
	targets := ms.collect(callID, cp.ChatRoomID)
	ms.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return nil
}

func (ms *MemStore) Get(_ context.Context, callID string) (*Document, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	doc, ok := ms.docs[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (ms *MemStore) SetOffer(ctx context.Context, callID string, desc *SessionDesc) error {
	return ms.setField(callID, func(doc *Document) { d := *desc; doc.Offer = &d })
}

func (ms *MemStore) SetAnswer(ctx context.Context, callID string, desc *SessionDesc) error {
	return ms.setField(callID, func(doc *Document) { d := *desc; doc.Answer = &d })
}

func (ms *MemStore) setField(callID string, mutate func(*Document)) error {
	ms.mu.Lock()
	doc, ok := ms.docs[callID]
	if !ok {
		ms.mu.Unlock()
		return ErrNotFound
	}
	mutate(doc)
	ev := Event{Kind: EventDocument, CallID: callID, Doc: doc.Clone()}
	targets := ms.collect(callID, doc.ChatRoomID)
	ms.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return nil
}

func (ms *MemStore) AddCandidate(_ context.Context, callID string, cand *Candidate) error {
	ms.mu.Lock()
	doc, ok := ms.docs[callID]
	if !ok {
		ms.mu.Unlock()
		return ErrNotFound
	}
	c := *cand
	ms.cands[callID] = append(ms.cands[callID], &c)
	ev := Event{Kind: EventCandidate, CallID: callID, Candidate: &c}
	targets := ms.collect(callID, doc.ChatRoomID)
	ms.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return nil
}

func (ms *MemStore) Candidates(_ context.Context, callID, sender string) ([]*Candidate, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*Candidate
	for _, c := range ms.cands[callID] {
		if c.Sender == sender {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (ms *MemStore) Delete(_ context.Context, callID string) error {
	ms.mu.Lock()
	doc, ok := ms.docs[callID]
	if !ok {
		ms.mu.Unlock()
		return nil
	}
	delete(ms.docs, callID)
	delete(ms.cands, callID)
	if ms.rooms[doc.ChatRoomID] == callID {
		delete(ms.rooms, doc.ChatRoomID)
	}
	ev := Event{Kind: EventDeleted, CallID: callID}
	targets := ms.collect(callID, doc.ChatRoomID)
	ms.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return nil
}

func (ms *MemStore) FindActive(_ context.Context, chatRoomID string) (string, *Document, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	callID, ok := ms.rooms[chatRoomID]
	if !ok {
		return "", nil, ErrNotFound
	}
	doc, ok := ms.docs[callID]
	if !ok || !doc.Active {
		return "", nil, ErrNotFound
	}
	return callID, doc.Clone(), nil
}

func (ms *MemStore) Subscribe(callID string, fn func(Event)) (func(), error) {
	ms.mu.Lock()
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	id := ms.nextID
	ms.nextID++
	if ms.subs[callID] == nil {
		ms.subs[callID] = make(map[int]*subscriber)
	}
	ms.subs[callID][id] = sub

	// Replay current state so late subscribers see the pending offer/answer
	// and every candidate logged so far.
	if doc, ok := ms.docs[callID]; ok {
		sub.deliver(Event{Kind: EventDocument, CallID: callID, Doc: doc.Clone()})
		for _, c := range ms.cands[callID] {
			cp := *c
			sub.deliver(Event{Kind: EventCandidate, CallID: callID, Candidate: &cp})
		}
	}
	ms.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			fn(ev)
		}
	}()

	cancel := func() {
		ms.mu.Lock()
		if m, ok := ms.subs[callID]; ok {
			delete(m, id)
		}
		ms.mu.Unlock()
		sub.close()
	}
	return cancel, nil
}

func (ms *MemStore) SubscribeRoom(chatRoomID string, fn func(Event)) (func(), error) {
	ms.mu.Lock()
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	id := ms.nextID
	ms.nextID++
	if ms.roomSubs[chatRoomID] == nil {
		ms.roomSubs[chatRoomID] = make(map[int]*subscriber)
	}
	ms.roomSubs[chatRoomID][id] = sub

	if callID, ok := ms.rooms[chatRoomID]; ok {
		if doc, ok := ms.docs[callID]; ok {
			sub.deliver(Event{Kind: EventDocument, CallID: callID, Doc: doc.Clone()})
		}
	}
	ms.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			fn(ev)
		}
	}()

	cancel := func() {
		ms.mu.Lock()
		if m, ok := ms.roomSubs[chatRoomID]; ok {
			delete(m, id)
		}
		ms.mu.Unlock()
		sub.close()
	}
	return cancel, nil
}

// collect gathers the subscribers interested in an event while the lock is
// held; delivery happens after unlock so callbacks can call back into the
// store without deadlocking.
func (ms *MemStore) collect(callID, chatRoomID string) []*subscriber {
	var targets []*subscriber
	for _, s := range ms.subs[callID] {
		targets = append(targets, s)
	}
	for _, s := range ms.roomSubs[chatRoomID] {
		targets = append(targets, s)
	}
	return targets
}
