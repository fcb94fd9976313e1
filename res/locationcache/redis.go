package locationcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "location:"
	DefaultTTL = 24 * time.Hour
	maxRetries = 3
)

type redisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis returns a cache shared by every server instance using rdb.
func NewRedis(rdb *redis.Client, ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisCache{rdb: rdb, ttl: ttl}
}

func (r *redisCache) Put(ctx context.Context, e Entry) error {
	key := keyPrefix + e.BookingID
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode location entry: %w", err)
	}

	// Optimistic compare-and-set: retry when another instance wrote the key
	// between our read and our write.
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			prev, err := readEntry(ctx, tx, key)
			if err != nil {
				return err
			}
			if prev != nil && !e.UpdatedAt.After(prev.UpdatedAt) {
				return ErrStale
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, r.ttl)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("location cache write contended (booking: %s): %w", e.BookingID, err)
}

func (r *redisCache) Get(ctx context.Context, bookingID string) (Entry, bool, error) {
	e, err := readEntry(ctx, r.rdb, keyPrefix+bookingID)
	if err != nil || e == nil {
		return Entry{}, false, err
	}
	return *e, true, nil
}

func (r *redisCache) Delete(ctx context.Context, bookingID string) error {
	return r.rdb.Del(ctx, keyPrefix+bookingID).Err()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readEntry(ctx context.Context, c getter, key string) (*Entry, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("corrupt location entry %s: %w", key, err)
	}
	return &e, nil
}
