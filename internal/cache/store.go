package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks every failure of a Store. Callers treat it as a miss.
var ErrUnavailable = errors.New("cache unavailable")

// Store is the subset of a Redis-like hash API the unread cache needs.
// Implementations return errors wrapping ErrUnavailable.
type Store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSetExpire writes fields and sets the key's expiry as one transaction.
	HSetExpire(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error
	// HIncrByExpire adds incr to field and refreshes the key's expiry as one
	// transaction.
	HIncrByExpire(ctx context.Context, key, field string, incr int64, ttl time.Duration) error
	// HIncrByEach adds incr to field in each key and refreshes each key's
	// expiry as one transaction.
	HIncrByEach(ctx context.Context, keys []string, field string, incr int64, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// NoopStore is a Store that is never reachable.
type NoopStore struct{}

func (NoopStore) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, ErrUnavailable
}
func (NoopStore) HSetExpire(context.Context, string, map[string]int64, time.Duration) error {
	return ErrUnavailable
}
func (NoopStore) HIncrByExpire(context.Context, string, string, int64, time.Duration) error {
	return ErrUnavailable
}
func (NoopStore) HIncrByEach(context.Context, []string, string, int64, time.Duration) error {
	return ErrUnavailable
}
func (NoopStore) Ping(context.Context) error { return ErrUnavailable }
func (NoopStore) Close() error               { return nil }
