// Package dedup remembers which messages were already ingested, using
// Redis keys with a TTL. It sits in front of the store's duplicate check
// so repeated cycles over the same window skip the database lookup.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen message ID is remembered.
	DefaultTTL = 7 * 24 * time.Hour

	keyPrefix = "jobmail:seen:"
)

// Filter tracks which message IDs have already been processed per user.
type Filter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A non-positive ttl
// selects DefaultTTL.
func NewFilter(rdb redis.Cmdable, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// Connect parses a redis:// URL, opens a client and checks it responds.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

func key(userID, messageID string) string {
	return keyPrefix + userID + ":" + messageID
}

// Seen reports whether messageID was marked for userID within the TTL.
func (f *Filter) Seen(ctx context.Context, userID, messageID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, key(userID, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// Mark records messageID as processed for userID. It reports whether
// the ID was new; an existing mark keeps its original expiry.
func (f *Filter) Mark(ctx context.Context, userID, messageID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(userID, messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}
