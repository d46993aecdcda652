package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// The two policies sharing the Allow contract: per-connection throughput on
// the relay, per-room submission on the REST send path.
const (
	ConnCeiling = 60
	ConnWindow  = 60 * time.Second

	RoomCeiling = 5
	RoomWindow  = 5 * time.Second
)

// ConnScopeKey keys the per-connection throughput counter. connID is minted
// once per session, so two sessions of the same user never share a window.
func ConnScopeKey(userID int64, connID string) string {
	return fmt.Sprintf("ratelimit:%d:%s", userID, connID)
}

// RoomScopeKey keys the per-user-per-room submission counter.
func RoomScopeKey(userID, roomID int64) string {
	return fmt.Sprintf("ratelimit:%d:%d", userID, roomID)
}

// Counters is the slice of the counter store the limiter needs. *redis.Client
// satisfies it through RedisCounters; tests use an in-memory fake.
type Counters interface {
	HGet(ctx context.Context, key, field string) (value string, found bool, err error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Limiter bounds the event rate for a key over a fixed window. The counter
// lives in the external store; expiry is the window boundary.
type Limiter struct {
	store Counters
}

func NewLimiter(store Counters) *Limiter {
	return &Limiter{store: store}
}

// Allow reports whether one more event fits under ceiling within the current
// window for key. At the ceiling it does not increment, so a violator
// recovers as soon as the window expires. If the window expiry cannot be set
// the key is unsafe and gets deleted, rejecting this call.
func (l *Limiter) Allow(ctx context.Context, key string, ceiling int64, window time.Duration) (bool, error) {
	raw, found, err := l.store.HGet(ctx, key, "count")
	if err != nil {
		return false, errors.Wrap(err, "ratelimit: read counter")
	}
	if found {
		count, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			// unparseable counter rejects rather than resetting the window
			return false, nil
		}
		if count >= ceiling {
			return false, nil
		}
		if _, err := l.store.HIncrBy(ctx, key, "count", 1); err != nil {
			return false, errors.Wrap(err, "ratelimit: increment")
		}
		return true, nil
	}

	if _, err := l.store.HIncrBy(ctx, key, "count", 1); err != nil {
		return false, errors.Wrap(err, "ratelimit: create counter")
	}
	set, err := l.store.Expire(ctx, key, window)
	if err != nil {
		return false, errors.Wrap(err, "ratelimit: set window")
	}
	if !set {
		// a counter with no deadline would throttle the key forever
		_ = l.store.Del(ctx, key)
		return false, nil
	}
	return true, nil
}

// RedisCounters adapts *redis.Client to the Counters seam.
type RedisCounters struct {
	rdb *redis.Client
}

func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

func (c *RedisCounters) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCounters) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, incr).Result()
}

func (c *RedisCounters) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

func (c *RedisCounters) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}
