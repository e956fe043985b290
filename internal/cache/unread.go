package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/npezzotti/rostra/internal/stats"
)

const (
	DefaultTTL = 24 * time.Hour

	// completeField marks a hash written by a full population. Increments
	// against an expired key recreate the hash without it, so such a hash
	// is a miss rather than a partial answer.
	completeField = "__complete"
)

// CountSource computes every unread count of a user from the durable store.
type CountSource interface {
	UnreadCounts(ctx context.Context, userId int64) (map[int64]int64, error)
}

// UnreadCache is a read-through projection of (user, room) -> unread count.
// Store failures are logged and absorbed; only a failing CountSource
// surfaces an error.
type UnreadCache struct {
	store  Store
	source CountSource
	ttl    time.Duration
	log    zerolog.Logger
	stats  stats.StatsProvider
}

func NewUnreadCache(store Store, source CountSource, ttl time.Duration, log zerolog.Logger, sp stats.StatsProvider) *UnreadCache {
	if store == nil {
		store = NoopStore{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sp == nil {
		sp = stats.NoopStats{}
	}
	return &UnreadCache{
		store:  store,
		source: source,
		ttl:    ttl,
		log:    log.With().Str("component", "unread_cache").Logger(),
		stats:  sp,
	}
}

func Key(userId int64) string {
	return "rostra:unread:user_" + strconv.FormatInt(userId, 10)
}

// Counts returns room id -> unread count for every room the user belongs to.
func (u *UnreadCache) Counts(ctx context.Context, userId int64) (map[int64]int64, error) {
	key := Key(userId)

	fields, readErr := u.store.HGetAll(ctx, key)
	if readErr != nil {
		u.failed(readErr, "read", userId)
	} else if counts, ok := parseCounts(fields); ok {
		u.stats.Incr(stats.CacheHits)
		return counts, nil
	}
	u.stats.Incr(stats.CacheMisses)

	counts, err := u.source.UnreadCounts(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}

	// A failed read means the store is down; skip the write.
	if readErr == nil {
		u.populate(ctx, key, userId, counts)
	}

	return counts, nil
}

func (u *UnreadCache) populate(ctx context.Context, key string, userId int64, counts map[int64]int64) {
	values := make(map[string]int64, len(counts)+1)
	for roomId, n := range counts {
		values[strconv.FormatInt(roomId, 10)] = n
	}
	values[completeField] = 1

	if err := u.store.HSetExpire(ctx, key, values, u.ttl); err != nil {
		u.failed(err, "populate", userId)
	}
}

// Increment adds one to the user's cached count for the room.
func (u *UnreadCache) Increment(ctx context.Context, userId, roomId int64) {
	if err := u.store.HIncrByExpire(ctx, Key(userId), strconv.FormatInt(roomId, 10), 1, u.ttl); err != nil {
		u.failed(err, "increment", userId)
	}
}

// IncrementMany adds one to the room's cached count of every user.
func (u *UnreadCache) IncrementMany(ctx context.Context, userIds []int64, roomId int64) {
	if len(userIds) == 0 {
		return
	}
	keys := make([]string, len(userIds))
	for i, id := range userIds {
		keys[i] = Key(id)
	}
	if err := u.store.HIncrByEach(ctx, keys, strconv.FormatInt(roomId, 10), 1, u.ttl); err != nil {
		u.stats.Incr(stats.CacheErrors)
		u.log.Warn().Err(err).Int64("room_id", roomId).Int("users", len(userIds)).Msg("cache increment failed")
	}
}

// Reset sets the user's cached count for the room to zero.
func (u *UnreadCache) Reset(ctx context.Context, userId, roomId int64) {
	fields := map[string]int64{strconv.FormatInt(roomId, 10): 0}
	if err := u.store.HSetExpire(ctx, Key(userId), fields, u.ttl); err != nil {
		u.failed(err, "reset", userId)
	}
}

func (u *UnreadCache) failed(err error, op string, userId int64) {
	u.stats.Incr(stats.CacheErrors)
	u.log.Warn().Err(err).Str("op", op).Int64("user_id", userId).Msg("cache operation failed")
}

// parseCounts converts a cached hash. It reports false for an empty, partial
// or corrupt hash.
func parseCounts(fields map[string]string) (map[int64]int64, bool) {
	if _, ok := fields[completeField]; !ok {
		return nil, false
	}
	counts := make(map[int64]int64, len(fields)-1)
	for k, v := range fields {
		if k == completeField {
			continue
		}
		roomId, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, false
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, false
		}
		counts[roomId] = max(n, 0)
	}
	return counts, true
}
