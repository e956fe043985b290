package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds dialing and each read and write.
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker for BreakerTimeout.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// RedisStore is a Store over go-redis. Calls go through a circuit breaker so
// an unreachable server costs one timeout per breaker period, not one per call.
type RedisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker[any]
	log     zerolog.Logger
}

func NewRedisStore(cfg RedisConfig, log zerolog.Logger) *RedisStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	log = log.With().Str("component", "redis").Logger()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   1,
	})

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("cache circuit breaker state changed")
		},
	})

	return &RedisStore{client: client, breaker: breaker, log: log}
}

// execute runs fn through the breaker and folds every failure into
// ErrUnavailable.
func execute[T any](s *RedisStore, fn func() (T, error)) (T, error) {
	var zero T
	res, err := s.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	v, _ := res.(T)
	return v, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return execute(s, func() (map[string]string, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
}

func (s *RedisStore) HSetExpire(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	_, err := execute(s, func() ([]redis.Cmder, error) {
		return s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
	})
	return err
}

func (s *RedisStore) HIncrByExpire(ctx context.Context, key, field string, incr int64, ttl time.Duration) error {
	_, err := execute(s, func() ([]redis.Cmder, error) {
		return s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, field, incr)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
	})
	return err
}

func (s *RedisStore) HIncrByEach(ctx context.Context, keys []string, field string, incr int64, ttl time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := execute(s, func() ([]redis.Cmder, error) {
		return s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range keys {
				pipe.HIncrBy(ctx, key, field, incr)
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
	})
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := execute(s, func() (string, error) {
		return s.client.Ping(ctx).Result()
	})
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// BreakerState reports the breaker state for health output.
func (s *RedisStore) BreakerState() string {
	return s.breaker.State().String()
}
