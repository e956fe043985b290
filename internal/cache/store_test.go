package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// fakeStore is an in-process Store with the Redis commands' semantics and
// switchable failure.
type fakeStore struct {
	mu      sync.Mutex
	hashes  map[string]map[string]int64
	ttls    map[string]time.Duration
	down    bool
	calls   map[string]int
	failOps map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes:  make(map[string]map[string]int64),
		ttls:    make(map[string]time.Duration),
		calls:   make(map[string]int),
		failOps: make(map[string]bool),
	}
}

func (s *fakeStore) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *fakeStore) fail(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOps[op] = true
}

func (s *fakeStore) called(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeStore) get(key, field string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	return v, ok
}

// expire drops a key as if its TTL elapsed.
func (s *fakeStore) expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, key)
	delete(s.ttls, key)
}

func (s *fakeStore) enter(op string) error {
	s.calls[op]++
	if s.down || s.failOps[op] {
		return ErrUnavailable
	}
	return nil
}

func (s *fakeStore) hash(key string) map[string]int64 {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]int64)
		s.hashes[key] = h
	}
	return h
}

func (s *fakeStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("HGetAll"); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for k, v := range s.hashes[key] {
		out[k] = strconv.FormatInt(v, 10)
	}
	return out, nil
}

func (s *fakeStore) HSetExpire(_ context.Context, key string, fields map[string]int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("HSetExpire"); err != nil {
		return err
	}
	h := s.hash(key)
	for k, v := range fields {
		h[k] = v
	}
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) HIncrByExpire(_ context.Context, key, field string, incr int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("HIncrByExpire"); err != nil {
		return err
	}
	s.hash(key)[field] += incr
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) HIncrByEach(_ context.Context, keys []string, field string, incr int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("HIncrByEach"); err != nil {
		return err
	}
	for _, key := range keys {
		s.hash(key)[field] += incr
		s.ttls[key] = ttl
	}
	return nil
}

func (s *fakeStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("Ping")
}

func (s *fakeStore) Close() error { return nil }
