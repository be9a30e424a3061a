package call

import (
	"sync"

	"github.com/shuwashuwa/shuwacall/internal/session"
	"github.com/shuwashuwa/shuwacall/internal/signal"
	"github.com/shuwashuwa/shuwacall/internal/util"
)

// RoomEventKind classifies what the watcher observed in a chat room.
type RoomEventKind uint8

const (
	// RoomInvited means another user started a call in the room.
	RoomInvited RoomEventKind = iota + 1
	// RoomEnded means the room's call was torn down.
	RoomEnded
)

// RoomEvent is an incoming-call notification for the chat-room UI.
type RoomEvent struct {
	Kind    RoomEventKind
	CallID  string
	Session *session.Session
}

// RoomWatcher surfaces incoming-call invitations for one chat room. It
// filters out calls started by the watching user and reports each call at
// most once, so rapid document rewrites during negotiation do not re-ring.
type RoomWatcher struct {
	userID string
	events chan RoomEvent

	mu          sync.Mutex
	seen        map[string]bool
	unsubscribe func()
	closed      bool
}

// WatchRoom starts watching chatRoomID on behalf of userID. Close stops it.
func WatchRoom(store signal.Store, chatRoomID, userID string) (*RoomWatcher, error) {
	w := &RoomWatcher{
		userID: userID,
		events: make(chan RoomEvent, eventBuffer),
		seen:   make(map[string]bool),
	}
	unsub, err := store.SubscribeRoom(chatRoomID, w.onEvent)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.unsubscribe = unsub
	w.mu.Unlock()
	return w, nil
}

// Events returns the invitation feed.
func (w *RoomWatcher) Events() <-chan RoomEvent { return w.events }

// Close stops the subscription. It is idempotent.
func (w *RoomWatcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	unsub := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (w *RoomWatcher) onEvent(ev signal.Event) {
	switch ev.Kind {
	case signal.EventDocument:
		if ev.Doc == nil || ev.Doc.CallerID == w.userID || !ev.Doc.Active {
			return
		}
		w.mu.Lock()
		if w.closed || w.seen[ev.CallID] {
			w.mu.Unlock()
			return
		}
		w.seen[ev.CallID] = true
		w.mu.Unlock()
		w.send(RoomEvent{
			Kind:    RoomInvited,
			CallID:  ev.CallID,
			Session: session.FromDocument(ev.CallID, ev.Doc),
		})

	case signal.EventDeleted:
		w.mu.Lock()
		if w.closed || !w.seen[ev.CallID] {
			w.mu.Unlock()
			return
		}
		delete(w.seen, ev.CallID)
		w.mu.Unlock()
		w.send(RoomEvent{Kind: RoomEnded, CallID: ev.CallID})
	}
}

func (w *RoomWatcher) send(ev RoomEvent) {
	select {
	case w.events <- ev:
	default:
		util.LogDebug("call: room event dropped, buffer full")
	}
}
