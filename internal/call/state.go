// Package call implements the video-call coordinator: it drives one peer
// connection through the offer/answer/ICE exchange, using the signaling
// document store as the only rendezvous between the two peers.
package call

// Role fixes which signaling fields this coordinator produces and consumes.
// It is set by the entry point (CreateRoom or JoinRoom) and never changes.
type Role string

const (
	RoleNone   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// State is the coordinator's lifecycle position.
type State uint8

const (
	StateIdle State = iota
	StateInitiating
	StateNegotiating
	StateConnected
	StateFailed
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}
