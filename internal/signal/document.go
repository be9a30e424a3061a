// Package signal defines the shared signaling document two peers use to
// rendezvous, and the Store interface that backs it. A document holds at most
// one offer and one answer; ICE candidates live in an append-only log beside
// it, one entry per candidate.
package signal

import "time"

// SessionDesc is an SDP payload together with the identity that produced it.
type SessionDesc struct {
	Kind   string `json:"type"` // "offer" or "answer"
	SDP    string `json:"sdp"`
	Sender string `json:"sender"`
}

// Candidate is one trickled ICE candidate. Payload is the JSON-encoded
// ICECandidateInit exactly as produced by the peer connection.
type Candidate struct {
	Payload string `json:"payload"`
	Sender  string `json:"sender"`
}

// Document is the per-call rendezvous record. The caller writes Offer, the
// callee writes Answer; each field is written by exactly one role, so
// last-writer-wins per field is safe.
type Document struct {
	ChatRoomID string       `json:"chatRoomId"`
	CallerID   string       `json:"callerId"`
	Offer      *SessionDesc `json:"offer,omitempty"`
	Answer     *SessionDesc `json:"answer,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	Active     bool         `json:"isActive"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Offer != nil {
		o := *d.Offer
		cp.Offer = &o
	}
	if d.Answer != nil {
		a := *d.Answer
		cp.Answer = &a
	}
	return &cp
}

// EventKind discriminates the change-feed payload union.
type EventKind uint8

const (
	EventDocument EventKind = iota + 1 // Doc is set
	EventCandidate                     // Candidate is set
	EventDeleted                       // neither is set; the call is gone
)

// Event is one change-feed notification. Exactly one of Doc / Candidate is
// non-nil, selected by Kind; consumers must switch on Kind exhaustively.
type Event struct {
	Kind      EventKind  `json:"kind"`
	CallID    string     `json:"callId"`
	Doc       *Document  `json:"doc,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}
