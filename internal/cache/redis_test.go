package cache

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/rostra/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_unreachable(t *testing.T) {
	s := NewRedisStore(RedisConfig{
		// Nothing listens on the discard port.
		Addr:             "127.0.0.1:9",
		Timeout:          200 * time.Millisecond,
		FailureThreshold: 2,
		BreakerTimeout:   time.Minute,
	}, testutil.TestLogger(t))
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for range 2 {
		err := s.HIncrByExpire(ctx, Key(1), "10", 1, time.Hour)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "open", s.BreakerState())

	start := time.Now()
	_, err := s.HGetAll(ctx, Key(1))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "expected an open breaker to fail fast")
}

func TestRedisStore_emptyFanout(t *testing.T) {
	s := NewRedisStore(RedisConfig{Addr: "127.0.0.1:9"}, testutil.TestLogger(t))
	t.Cleanup(func() { s.Close() })

	assert.NoError(t, s.HIncrByEach(context.Background(), nil, "10", 1, time.Hour))
	assert.Equal(t, "closed", s.BreakerState())
}
