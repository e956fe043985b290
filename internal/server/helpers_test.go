package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/rostra/internal/database"
	"github.com/npezzotti/rostra/internal/stats"
	"github.com/npezzotti/rostra/internal/testutil"
	"github.com/npezzotti/rostra/internal/types"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeConn records every event sent to it.
type fakeConn struct {
	mu      sync.Mutex
	msgs    [][]byte
	fail    bool
	closed  bool
	onClose func()
}

func (f *fakeConn) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errBrokenPipe
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	cb := f.onClose
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *fakeConn) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

func (f *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.msgs))
	for _, raw := range f.msgs {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

func (f *fakeConn) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range f.events(t) {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	evs := f.events(t)
	require.NotEmpty(t, evs, "expected at least one event")
	return evs[len(evs)-1]
}

// recordingTracker keeps unread counts in memory the way the cache would.
type recordingTracker struct {
	mu     sync.Mutex
	counts map[int64]map[int64]int64
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{counts: make(map[int64]map[int64]int64)}
}

func (r *recordingTracker) bump(userId, roomId, n int64, reset bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[userId] == nil {
		r.counts[userId] = make(map[int64]int64)
	}
	if reset {
		r.counts[userId][roomId] = 0
		return
	}
	r.counts[userId][roomId] += n
}

func (r *recordingTracker) Increment(_ context.Context, userId, roomId int64) {
	r.bump(userId, roomId, 1, false)
}

func (r *recordingTracker) IncrementMany(_ context.Context, userIds []int64, roomId int64) {
	for _, id := range userIds {
		r.bump(id, roomId, 1, false)
	}
}

func (r *recordingTracker) Reset(_ context.Context, userId, roomId int64) {
	r.bump(userId, roomId, 0, true)
}

func (r *recordingTracker) count(userId, roomId int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[userId][roomId]
}

var (
	alice = types.User{Id: 1, Username: "alice"}
	bob   = types.User{Id: 2, Username: "bob"}
	carol = types.User{Id: 3, Username: "carol"}
)

const (
	general = int64(10)
	random  = int64(20)
	private = int64(30)
)

// newTestRepo seeds alice and bob in general and random, and carol alone in
// private.
func newTestRepo() *database.MemoryRepository {
	repo := database.NewMemoryRepository()
	for _, u := range []types.User{alice, bob, carol} {
		repo.AddUser(database.User{Id: u.Id, Username: u.Username})
	}
	repo.AddRoom(database.Room{Id: general, Name: "general", CreatedBy: alice.Id})
	repo.AddRoom(database.Room{Id: random, Name: "random", CreatedBy: alice.Id})
	repo.AddRoom(database.Room{Id: private, Name: "private", CreatedBy: carol.Id})
	repo.AddMember(alice.Id, general)
	repo.AddMember(bob.Id, general)
	repo.AddMember(alice.Id, random)
	repo.AddMember(bob.Id, random)
	repo.AddMember(carol.Id, private)
	return repo
}

func newTestChatServer(t *testing.T, store Store, unread UnreadTracker, sp stats.StatsProvider, opts Options) *ChatServer {
	t.Helper()
	return NewChatServer(testutil.TestLogger(t), store, unread, sp, opts)
}

// connect registers a fakeConn that disconnects itself when closed.
func connect(cs *ChatServer, user types.User) *fakeConn {
	c := &fakeConn{}
	c.onClose = func() { cs.Disconnect(c) }
	cs.Register(c, user)
	return c
}

func frame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
