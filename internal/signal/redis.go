package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shuwashuwa/shuwacall/internal/util"
)

// RedisStore is a Store backed by Redis: the document is a JSON value, the
// candidate log is a list, and the change feed rides on pub/sub. The client
// is injected; this package never owns a global connection.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps an already-connected client. ttl bounds the lifetime of
// abandoned call documents; zero means no expiry.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func docKey(callID string) string { return "call:" + callID }

func candKey(callID string) string { return "call:" + callID + ":cand" }

func roomKey(chatRoomID string) string { return "callroom:" + chatRoomID }

func callChannel(callID string) string { return "callev:" + callID }

func roomChannel(roomID string) string { return "roomev:" + roomID }

func (rs *RedisStore) Put(ctx context.Context, callID string, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := rs.rdb.Set(ctx, docKey(callID), data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	if doc.Active {
		if err := rs.rdb.Set(ctx, roomKey(doc.ChatRoomID), callID, rs.ttl).Err(); err != nil {
			return fmt.Errorf("index active call: %w", err)
		}
	}
	rs.publish(ctx, callID, doc.ChatRoomID, Event{Kind: EventDocument, CallID: callID, Doc: doc})
	return nil
}

func (rs *RedisStore) Get(ctx context.Context, callID string) (*Document, error) {
	data, err := rs.rdb.Get(ctx, docKey(callID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

func (rs *RedisStore) SetOffer(ctx context.Context, callID string, desc *SessionDesc) error {
	return rs.setField(ctx, callID, func(doc *Document) { d := *desc; doc.Offer = &d })
}

func (rs *RedisStore) SetAnswer(ctx context.Context, callID string, desc *SessionDesc) error {
	return rs.setField(ctx, callID, func(doc *Document) { d := *desc; doc.Answer = &d })
}

// setField rewrites the whole value after mutating one field. Offer and
// answer are each written by exactly one role, so the read-modify-write does
// not race against the other peer's field.
func (rs *RedisStore) setField(ctx context.Context, callID string, mutate func(*Document)) error {
	doc, err := rs.Get(ctx, callID)
	if err != nil {
		return err
	}
	mutate(doc)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := rs.rdb.Set(ctx, docKey(callID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	rs.publish(ctx, callID, doc.ChatRoomID, Event{Kind: EventDocument, CallID: callID, Doc: doc})
	return nil
}

func (rs *RedisStore) AddCandidate(ctx context.Context, callID string, cand *Candidate) error {
	doc, err := rs.Get(ctx, callID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	if err := rs.rdb.RPush(ctx, candKey(callID), data).Err(); err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	if rs.ttl > 0 {
		rs.rdb.Expire(ctx, candKey(callID), rs.ttl)
	}
	rs.publish(ctx, callID, doc.ChatRoomID, Event{Kind: EventCandidate, CallID: callID, Candidate: cand})
	return nil
}

func (rs *RedisStore) Candidates(ctx context.Context, callID, sender string) ([]*Candidate, error) {
	raw, err := rs.rdb.LRange(ctx, candKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	var out []*Candidate
	for _, item := range raw {
		var c Candidate
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			util.LogWarning("signal: skipping malformed candidate entry: %v", err)
			continue
		}
		if c.Sender == sender {
			out = append(out, &c)
		}
	}
	return out, nil
}

func (rs *RedisStore) Delete(ctx context.Context, callID string) error {
	doc, err := rs.Get(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := rs.rdb.Del(ctx, docKey(callID), candKey(callID)).Err(); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	rs.rdb.Del(ctx, roomKey(doc.ChatRoomID))
	rs.publish(ctx, callID, doc.ChatRoomID, Event{Kind: EventDeleted, CallID: callID})
	return nil
}

func (rs *RedisStore) FindActive(ctx context.Context, chatRoomID string) (string, *Document, error) {
	callID, err := rs.rdb.Get(ctx, roomKey(chatRoomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("lookup active call: %w", err)
	}
	doc, err := rs.Get(ctx, callID)
	if err != nil {
		return "", nil, err
	}
	if !doc.Active {
		return "", nil, ErrNotFound
	}
	return callID, doc, nil
}

func (rs *RedisStore) Subscribe(callID string, fn func(Event)) (func(), error) {
	return rs.subscribe(callChannel(callID), func(ctx context.Context, deliver func(Event)) {
		// Replay current state before live events, mirroring a snapshot
		// listener: document first, then the candidate log in order.
		if doc, err := rs.Get(ctx, callID); err == nil {
			deliver(Event{Kind: EventDocument, CallID: callID, Doc: doc})
		}
		raw, err := rs.rdb.LRange(ctx, candKey(callID), 0, -1).Result()
		if err != nil {
			return
		}
		for _, item := range raw {
			var c Candidate
			if err := json.Unmarshal([]byte(item), &c); err == nil {
				deliver(Event{Kind: EventCandidate, CallID: callID, Candidate: &c})
			}
		}
	}, fn)
}

func (rs *RedisStore) SubscribeRoom(chatRoomID string, fn func(Event)) (func(), error) {
	return rs.subscribe(roomChannel(chatRoomID), func(ctx context.Context, deliver func(Event)) {
		if callID, doc, err := rs.FindActive(ctx, chatRoomID); err == nil {
			deliver(Event{Kind: EventDocument, CallID: callID, Doc: doc})
		}
	}, fn)
}

func (rs *RedisStore) subscribe(channel string, replay func(context.Context, func(Event)), fn func(Event)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := rs.rdb.Subscribe(ctx, channel)

	go func() {
		replay(ctx, fn)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				util.LogWarning("signal: malformed event on %s: %v", channel, err)
				continue
			}
			fn(ev)
		}
	}()

	return func() {
		cancel()
		_ = ps.Close()
	}, nil
}

func (rs *RedisStore) publish(ctx context.Context, callID, chatRoomID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		util.LogWarning("signal: encode event: %v", err)
		return
	}
	if err := rs.rdb.Publish(ctx, callChannel(callID), data).Err(); err != nil {
		util.LogWarning("signal: publish call event: %v", err)
	}
	if err := rs.rdb.Publish(ctx, roomChannel(chatRoomID), data).Err(); err != nil {
		util.LogWarning("signal: publish room event: %v", err)
	}
}
