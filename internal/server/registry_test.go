package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/rostra/internal/stats"
	"github.com/npezzotti/rostra/internal/testutil"
	"github.com/npezzotti/rostra/internal/types"
)

func newTestRegistry(t *testing.T, maxSubs int) *Registry {
	return NewRegistry(maxSubs, testutil.TestLogger(t), stats.NoopStats{})
}

func TestRegistry_ConnectDisconnect(t *testing.T) {
	r := newTestRegistry(t, 0)
	c := &fakeConn{}

	assert.True(t, r.Connect(c, alice))
	assert.False(t, r.Connect(c, bob), "expected a second connect to be a no-op")
	u, ok := r.User(c)
	require.True(t, ok)
	assert.Equal(t, alice, u, "expected the first registration to stick")

	require.True(t, r.Subscribe(c, random))
	require.True(t, r.Subscribe(c, general))

	rooms, ok := r.Disconnect(c)
	assert.True(t, ok)
	assert.Equal(t, []int64{general, random}, rooms)
	assert.Zero(t, r.ConnectionCount())
	assert.Zero(t, r.RoomCount(), "expected no empty room entries after disconnect")

	rooms, ok = r.Disconnect(c)
	assert.False(t, ok)
	assert.Empty(t, rooms)
}

func TestRegistry_Subscribe(t *testing.T) {
	t.Run("unknown connection", func(t *testing.T) {
		r := newTestRegistry(t, 0)
		assert.False(t, r.Subscribe(&fakeConn{}, general))
		assert.Zero(t, r.RoomCount())
	})

	t.Run("cap fails closed", func(t *testing.T) {
		r := newTestRegistry(t, 3)
		c := &fakeConn{}
		r.Connect(c, alice)

		for room := int64(1); room <= 3; room++ {
			require.True(t, r.Subscribe(c, room))
		}
		assert.False(t, r.Subscribe(c, 4), "expected the room over the cap to be refused")
		assert.False(t, r.IsSubscribed(c, 4))
		assert.Equal(t, 3, r.RoomCount())

		assert.True(t, r.Subscribe(c, 2), "expected re-subscribing at the cap to succeed")
		assert.Equal(t, 1, r.SubscriberCount(2))

		r.Unsubscribe(c, 1)
		assert.True(t, r.Subscribe(c, 4), "expected a freed slot to be usable")
	})

	t.Run("default cap", func(t *testing.T) {
		r := newTestRegistry(t, 0)
		c := &fakeConn{}
		r.Connect(c, alice)
		for room := int64(1); room <= DefaultMaxSubscriptions; room++ {
			require.True(t, r.Subscribe(c, room))
		}
		assert.False(t, r.Subscribe(c, DefaultMaxSubscriptions+1))
	})
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := newTestRegistry(t, 0)
	a, b := &fakeConn{}, &fakeConn{}
	r.Connect(a, alice)
	r.Connect(b, bob)
	r.Subscribe(a, general)
	r.Subscribe(b, general)

	assert.True(t, r.Unsubscribe(a, general))
	assert.False(t, r.Unsubscribe(a, general), "expected a repeat unsubscribe to report false")
	assert.Equal(t, 1, r.RoomCount())

	assert.True(t, r.Unsubscribe(b, general))
	assert.Zero(t, r.RoomCount(), "expected the empty room entry to be deleted")

	assert.False(t, r.Unsubscribe(&fakeConn{}, general))
}

func TestRegistry_Broadcast(t *testing.T) {
	t.Run("excludes the sender", func(t *testing.T) {
		r := newTestRegistry(t, 0)
		a, b := &fakeConn{}, &fakeConn{}
		r.Connect(a, alice)
		r.Connect(b, bob)
		r.Subscribe(a, general)
		r.Subscribe(b, general)

		n := r.Broadcast(general, []byte(`{"type":"x"}`), a)
		assert.Equal(t, 1, n)
		assert.Empty(t, a.events(t))
		assert.Len(t, b.events(t), 1)

		n = r.Broadcast(general, []byte(`{"type":"y"}`), nil)
		assert.Equal(t, 2, n)
	})

	t.Run("reaps only the failing subscriber", func(t *testing.T) {
		r := newTestRegistry(t, 0)
		healthy, broken := &fakeConn{}, &fakeConn{fail: true}
		r.Connect(healthy, alice)
		r.Connect(broken, bob)
		r.Subscribe(healthy, general)
		r.Subscribe(broken, general)
		r.Subscribe(broken, random)

		n := r.Broadcast(general, []byte(`{"type":"x"}`), nil)
		assert.Equal(t, 1, n)
		assert.Len(t, healthy.events(t), 1)
		assert.True(t, r.IsSubscribed(healthy, general))
		assert.False(t, r.IsSubscribed(broken, general))
		assert.True(t, r.IsSubscribed(broken, random), "expected other rooms to be untouched")

		rooms, _ := r.Disconnect(broken)
		assert.Equal(t, []int64{random}, rooms, "expected the reaped room to be gone from the connection too")
	})

	t.Run("all failing removes the room", func(t *testing.T) {
		r := newTestRegistry(t, 0)
		a, b := &fakeConn{fail: true}, &fakeConn{fail: true}
		r.Connect(a, alice)
		r.Connect(b, bob)
		r.Subscribe(a, general)
		r.Subscribe(b, general)

		assert.Zero(t, r.Broadcast(general, []byte(`{}`), nil))
		assert.Zero(t, r.RoomCount())
		assert.Zero(t, r.SubscriberCount(general))
	})

	t.Run("empty room", func(t *testing.T) {
		r := newTestRegistry(t, 0)
		assert.Zero(t, r.Broadcast(general, []byte(`{}`), nil))
	})
}

func TestRegistry_Broadcast_stats(t *testing.T) {
	sp := &stats.MockStatsUpdater{}
	sp.On("Incr", stats.ActiveSubscriptions).Twice()
	sp.On("Add", stats.BroadcastDelivered, 1).Once()
	sp.On("Add", stats.BroadcastFailed, 1).Once()
	sp.On("Decr", stats.ActiveSubscriptions).Once()

	r := NewRegistry(0, testutil.TestLogger(t), sp)
	a, b := &fakeConn{}, &fakeConn{fail: true}
	r.Connect(a, alice)
	r.Connect(b, bob)
	r.Subscribe(a, general)
	r.Subscribe(b, general)
	r.Broadcast(general, []byte(`{}`), nil)

	sp.AssertExpectations(t)
}

func TestRegistry_RoomMembers(t *testing.T) {
	r := newTestRegistry(t, 0)
	conns := []struct {
		conn *fakeConn
		user types.User
	}{
		{&fakeConn{}, carol},
		{&fakeConn{}, alice},
		{&fakeConn{}, alice},
		{&fakeConn{}, bob},
	}
	for _, c := range conns {
		r.Connect(c.conn, c.user)
		r.Subscribe(c.conn, general)
	}

	assert.Equal(t, []types.User{alice, bob, carol}, r.RoomMembers(general))
	assert.Empty(t, r.RoomMembers(random))
}

func TestRegistry_concurrentBroadcastAndDisconnect(t *testing.T) {
	r := newTestRegistry(t, 0)
	const n = 50
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = &fakeConn{fail: i%5 == 0}
		r.Connect(conns[i], types.User{Id: int64(i + 1), Username: fmt.Sprintf("u%d", i)})
		r.Subscribe(conns[i], general)
		r.Subscribe(conns[i], random)
	}

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Broadcast(general, []byte(`{}`), nil)
			r.Broadcast(random, []byte(`{}`), conns[i])
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				r.Disconnect(conns[i])
			} else {
				r.Unsubscribe(conns[i], random)
			}
		}()
	}
	wg.Wait()

	for i, c := range conns {
		if i%2 == 0 {
			assert.False(t, r.IsSubscribed(c, general))
			_, ok := r.User(c)
			assert.False(t, ok)
		}
		assert.False(t, r.IsSubscribed(c, random))
	}
	assert.LessOrEqual(t, r.SubscriberCount(general), n/2)
	assert.Zero(t, r.SubscriberCount(random))
}
