package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScheduleStatus is the lifecycle of a call-schedule proposal.
type ScheduleStatus string

const (
	SchedulePending  ScheduleStatus = "pending"
	ScheduleAccepted ScheduleStatus = "accepted"
	ScheduleRejected ScheduleStatus = "rejected"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidAction    = errors.New("invalid schedule action")
)

// Schedule is a proposed video-call appointment within a chat room.
type Schedule struct {
	ID               string         `json:"id"`
	ChatRoomID       string         `json:"chatRoomId"`
	ProposerID       string         `json:"proposerId"`
	ProposerUsername string         `json:"proposerUsername,omitempty"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	ProposedAt       time.Time      `json:"proposedAt"`
	Status           ScheduleStatus `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// ScheduleStore persists schedule proposals.
type ScheduleStore interface {
	Create(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	ListByRoom(ctx context.Context, chatRoomID string) ([]*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
}

// Propose records a new pending schedule for the chat room.
func (svc *Service) Propose(ctx context.Context, chatRoomID, proposerID, title, description string, proposedAt time.Time) (*Schedule, error) {
	if err := svc.requireMember(ctx, chatRoomID, proposerID); err != nil {
		return nil, err
	}
	now := svc.now()
	s := &Schedule{
		ID:          uuid.New().String(),
		ChatRoomID:  chatRoomID,
		ProposerID:  proposerID,
		Title:       title,
		Description: description,
		ProposedAt:  proposedAt,
		Status:      SchedulePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := svc.schedules.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Schedules lists the room's proposals, oldest proposal time first, with
// proposer usernames resolved through the user cache when one is configured.
func (svc *Service) Schedules(ctx context.Context, chatRoomID, userID string) ([]*Schedule, error) {
	if err := svc.requireMember(ctx, chatRoomID, userID); err != nil {
		return nil, err
	}
	list, err := svc.schedules.ListByRoom(ctx, chatRoomID)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ProposedAt.Before(list[j].ProposedAt) })
	if svc.users != nil {
		for _, s := range list {
			if info, err := svc.users.Get(ctx, s.ProposerID); err == nil {
				s.ProposerUsername = info.Username
			}
		}
	}
	return list, nil
}

// Respond accepts or rejects a pending proposal.
func (svc *Service) Respond(ctx context.Context, scheduleID, userID, action string) (*Schedule, error) {
	var status ScheduleStatus
	switch action {
	case "accept":
		status = ScheduleAccepted
	case "reject":
		status = ScheduleRejected
	default:
		return nil, ErrInvalidAction
	}

	s, err := svc.schedules.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if err := svc.requireMember(ctx, s.ChatRoomID, userID); err != nil {
		return nil, err
	}
	s.Status = status
	s.UpdatedAt = svc.now()
	if err := svc.schedules.Update(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// MemScheduleStore is the in-process ScheduleStore.
type MemScheduleStore struct {
	mu   sync.Mutex
	byID map[string]*Schedule
}

func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{byID: make(map[string]*Schedule)}
}

func (ms *MemScheduleStore) Create(_ context.Context, s *Schedule) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *s
	ms.byID[s.ID] = &cp
	return nil
}

func (ms *MemScheduleStore) Get(_ context.Context, id string) (*Schedule, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.byID[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	cp := *s
	return &cp, nil
}

func (ms *MemScheduleStore) ListByRoom(_ context.Context, chatRoomID string) ([]*Schedule, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []*Schedule
	for _, s := range ms.byID {
		if s.ChatRoomID == chatRoomID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (ms *MemScheduleStore) Update(_ context.Context, s *Schedule) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.byID[s.ID]; !ok {
		return ErrScheduleNotFound
	}
	cp := *s
	ms.byID[s.ID] = &cp
	return nil
}
