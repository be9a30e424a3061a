package signal

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no signaling document exists for a call ID.
var ErrNotFound = errors.New("signaling document not found")

// Store is the signaling channel: a shared mutable document per call with
// live-update delivery to all active subscribers.
//
// Subscriptions replay the current state first (document, then stored
// candidates, in insertion order) and then deliver changes in the order the
// backend observes them. There is no cross-peer ordering guarantee beyond
// "eventually delivered"; consumers are expected to filter their own writes
// and deduplicate payloads.
type Store interface {
	// Put creates or replaces the whole document.
	Put(ctx context.Context, callID string, doc *Document) error

	// Get returns a copy of the document, or ErrNotFound.
	Get(ctx context.Context, callID string) (*Document, error)

	// SetOffer overwrites only the offer field (used for ICE restarts).
	SetOffer(ctx context.Context, callID string, desc *SessionDesc) error

	// SetAnswer overwrites only the answer field.
	SetAnswer(ctx context.Context, callID string, desc *SessionDesc) error

	// AddCandidate appends one candidate to the call's candidate log.
	AddCandidate(ctx context.Context, callID string, cand *Candidate) error

	// Candidates returns the logged candidates announced by sender.
	Candidates(ctx context.Context, callID, sender string) ([]*Candidate, error)

	// Delete removes the document and its candidate log.
	Delete(ctx context.Context, callID string) error

	// FindActive returns the call ID and document of the room's active call,
	// or ErrNotFound when the room has none.
	FindActive(ctx context.Context, chatRoomID string) (string, *Document, error)

	// Subscribe registers fn for all events of one call. The returned cancel
	// function stops delivery; it is safe to call more than once.
	Subscribe(callID string, fn func(Event)) (func(), error)

	// SubscribeRoom registers fn for document lifecycle events of a chat
	// room's calls (used to detect an invitation or a hang-up).
	SubscribeRoom(chatRoomID string, fn func(Event)) (func(), error)
}
