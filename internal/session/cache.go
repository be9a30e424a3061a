package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// UserInfo is the slice of user data the call UI needs.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// UserLookup fetches user info from whatever backs the user directory.
type UserLookup func(ctx context.Context, id string) (*UserInfo, error)

// UserCache memoizes user lookups in a bounded, expiring LRU. Capacity and
// TTL are explicit construction parameters; nothing about the cache is
// ambient state.
type UserCache struct {
	lru    *expirable.LRU[string, *UserInfo]
	lookup UserLookup
}

// NewUserCache builds a cache holding at most capacity entries for at most
// ttl each.
func NewUserCache(lookup UserLookup, capacity int, ttl time.Duration) *UserCache {
	return &UserCache{
		lru:    expirable.NewLRU[string, *UserInfo](capacity, nil, ttl),
		lookup: lookup,
	}
}

// Get returns the cached user info, fetching and caching it on a miss.
func (c *UserCache) Get(ctx context.Context, id string) (*UserInfo, error) {
	if info, ok := c.lru.Get(id); ok {
		return info, nil
	}
	info, err := c.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	c.lru.Add(id, info)
	return info, nil
}
