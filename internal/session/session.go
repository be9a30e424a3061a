// Package session provides call-session bookkeeping on top of the signaling
// store, plus the call-schedule proposals exchanged between chat partners.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/shuwashuwa/shuwacall/internal/signal"
	"github.com/shuwashuwa/shuwacall/internal/util"
)

var (
	ErrNoActiveCall = errors.New("no active call for this chat room")
	ErrCallExists   = errors.New("chat room already has an active call")
	ErrNotMember    = errors.New("user is not a member of this chat room")
)

// Session describes one call attempt as the UI sees it.
type Session struct {
	ID         string     `json:"id"`
	ChatRoomID string     `json:"chatRoomId"`
	StarterID  string     `json:"starterId"`
	Active     bool       `json:"isActive"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// FromDocument projects a signaling document into a session record.
func FromDocument(callID string, doc *signal.Document) *Session {
	return &Session{
		ID:         callID,
		ChatRoomID: doc.ChatRoomID,
		StarterID:  doc.CallerID,
		Active:     doc.Active,
		StartedAt:  doc.CreatedAt,
	}
}

// Membership answers whether a user belongs to a chat room. The chat-room
// data itself lives outside this service.
type Membership interface {
	IsMember(ctx context.Context, chatRoomID, userID string) (bool, error)
}

// AllowAll is the development membership policy.
type AllowAll struct{}

func (AllowAll) IsMember(context.Context, string, string) (bool, error) { return true, nil }

// Config assembles a Service.
type Config struct {
	Store     signal.Store
	Schedules ScheduleStore
	Users     *UserCache
	Members   Membership
	Now       func() time.Time
}

// Service is the REST-facing view over call sessions and schedules.
type Service struct {
	store     signal.Store
	schedules ScheduleStore
	users     *UserCache
	members   Membership
	now       func() time.Time
}

// NewService creates a Service; nil Members means allow-all and nil Now means
// the wall clock.
func NewService(cfg Config) *Service {
	svc := &Service{
		store:     cfg.Store,
		schedules: cfg.Schedules,
		users:     cfg.Users,
		members:   cfg.Members,
		now:       cfg.Now,
	}
	if svc.members == nil {
		svc.members = AllowAll{}
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

// StartSession creates the room's signaling document on behalf of a browser
// peer, which then negotiates through the WebSocket gateway. Native peers
// write the document themselves via the coordinator instead.
func (svc *Service) StartSession(ctx context.Context, chatRoomID, userID string) (*Session, error) {
	if err := svc.requireMember(ctx, chatRoomID, userID); err != nil {
		return nil, err
	}
	if _, _, err := svc.store.FindActive(ctx, chatRoomID); err == nil {
		return nil, ErrCallExists
	} else if !errors.Is(err, signal.ErrNotFound) {
		return nil, err
	}
	callID := util.CallID(chatRoomID)
	doc := &signal.Document{
		ChatRoomID: chatRoomID,
		CallerID:   userID,
		CreatedAt:  svc.now(),
		Active:     true,
	}
	if err := svc.store.Put(ctx, callID, doc); err != nil {
		return nil, err
	}
	return FromDocument(callID, doc), nil
}

// ActiveSession returns the room's current call, or ErrNoActiveCall.
func (svc *Service) ActiveSession(ctx context.Context, chatRoomID, userID string) (*Session, error) {
	if err := svc.requireMember(ctx, chatRoomID, userID); err != nil {
		return nil, err
	}
	callID, doc, err := svc.store.FindActive(ctx, chatRoomID)
	if errors.Is(err, signal.ErrNotFound) {
		return nil, ErrNoActiveCall
	}
	if err != nil {
		return nil, err
	}
	return FromDocument(callID, doc), nil
}

// EndSession force-ends the room's active call by deleting its signaling
// document; both peers observe the deletion and tear down.
func (svc *Service) EndSession(ctx context.Context, chatRoomID, userID string) error {
	if err := svc.requireMember(ctx, chatRoomID, userID); err != nil {
		return err
	}
	callID, _, err := svc.store.FindActive(ctx, chatRoomID)
	if errors.Is(err, signal.ErrNotFound) {
		return ErrNoActiveCall
	}
	if err != nil {
		return err
	}
	return svc.store.Delete(ctx, callID)
}

func (svc *Service) requireMember(ctx context.Context, chatRoomID, userID string) error {
	ok, err := svc.members.IsMember(ctx, chatRoomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}
