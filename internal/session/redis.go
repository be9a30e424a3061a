package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shuwashuwa/shuwacall/internal/util"
)

// RedisScheduleStore persists schedules in Redis: one JSON value per schedule
// and a per-room list of IDs.
type RedisScheduleStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisScheduleStore(rdb *redis.Client, ttl time.Duration) *RedisScheduleStore {
	return &RedisScheduleStore{rdb: rdb, ttl: ttl}
}

func scheduleKey(id string) string { return "schedule:" + id }

func roomSchedulesKey(roomID string) string { return "schedules:" + roomID }

func (rs *RedisScheduleStore) Create(ctx context.Context, s *Schedule) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	if err := rs.rdb.Set(ctx, scheduleKey(s.ID), data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("store schedule: %w", err)
	}
	if err := rs.rdb.RPush(ctx, roomSchedulesKey(s.ChatRoomID), s.ID).Err(); err != nil {
		return fmt.Errorf("index schedule: %w", err)
	}
	if rs.ttl > 0 {
		rs.rdb.Expire(ctx, roomSchedulesKey(s.ChatRoomID), rs.ttl)
	}
	return nil
}

func (rs *RedisScheduleStore) Get(ctx context.Context, id string) (*Schedule, error) {
	data, err := rs.rdb.Get(ctx, scheduleKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	var s Schedule
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return &s, nil
}

func (rs *RedisScheduleStore) ListByRoom(ctx context.Context, chatRoomID string) ([]*Schedule, error) {
	ids, err := rs.rdb.LRange(ctx, roomSchedulesKey(chatRoomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	var out []*Schedule
	for _, id := range ids {
		s, err := rs.Get(ctx, id)
		if errors.Is(err, ErrScheduleNotFound) {
			continue // expired entry still referenced by the index
		}
		if err != nil {
			util.LogWarning("session: skipping unreadable schedule %s: %v", id, err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (rs *RedisScheduleStore) Update(ctx context.Context, s *Schedule) error {
	if _, err := rs.Get(ctx, s.ID); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	if err := rs.rdb.Set(ctx, scheduleKey(s.ID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return nil
}
