package server

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/npezzotti/rostra/internal/stats"
	"github.com/npezzotti/rostra/internal/types"
)

const DefaultMaxSubscriptions = 50

// Conn is a live connection as the registry sees it. Send must not block.
type Conn interface {
	Send(msg []byte) error
	Close()
}

type connState struct {
	user  types.User
	rooms map[int64]struct{}
}

// Registry tracks live connections and their room subscriptions. A single
// mutex guards both maps; it is never held while sending.
type Registry struct {
	mu      sync.Mutex
	maxSubs int
	conns   map[Conn]*connState
	rooms   map[int64]map[Conn]struct{}
	log     zerolog.Logger
	stats   stats.StatsProvider
}

func NewRegistry(maxSubs int, log zerolog.Logger, sp stats.StatsProvider) *Registry {
	if maxSubs <= 0 {
		maxSubs = DefaultMaxSubscriptions
	}
	if sp == nil {
		sp = stats.NoopStats{}
	}
	return &Registry{
		maxSubs: maxSubs,
		conns:   make(map[Conn]*connState),
		rooms:   make(map[int64]map[Conn]struct{}),
		log:     log.With().Str("component", "registry").Logger(),
		stats:   sp,
	}
}

// Connect registers conn for user. It reports false if conn was already
// registered, in which case nothing changes.
func (r *Registry) Connect(conn Conn, user types.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn]; ok {
		return false
	}
	r.conns[conn] = &connState{user: user, rooms: make(map[int64]struct{})}
	return true
}

// Disconnect removes conn and all of its subscriptions and returns the rooms
// it was in, in ascending order. ok is false when conn was not registered.
func (r *Registry) Disconnect(conn Conn) (rooms []int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[conn]
	if !ok {
		return nil, false
	}
	delete(r.conns, conn)

	rooms = make([]int64, 0, len(st.rooms))
	for roomId := range st.rooms {
		r.removeLocked(roomId, conn)
		rooms = append(rooms, roomId)
	}
	slices.Sort(rooms)
	r.stats.Add(stats.ActiveSubscriptions, -len(rooms))

	return rooms, true
}

// Subscribe adds conn to the room. Subscribing twice is a no-op that
// reports true; exceeding the cap or an unknown conn reports false and
// changes nothing.
func (r *Registry) Subscribe(conn Conn, roomId int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[conn]
	if !ok {
		return false
	}
	if _, ok := st.rooms[roomId]; ok {
		return true
	}
	if len(st.rooms) >= r.maxSubs {
		return false
	}

	st.rooms[roomId] = struct{}{}
	set, ok := r.rooms[roomId]
	if !ok {
		set = make(map[Conn]struct{})
		r.rooms[roomId] = set
	}
	set[conn] = struct{}{}
	r.stats.Incr(stats.ActiveSubscriptions)

	return true
}

// Unsubscribe removes conn from the room and reports whether it was
// subscribed.
func (r *Registry) Unsubscribe(conn Conn, roomId int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[conn]
	if !ok {
		return false
	}
	if _, ok := st.rooms[roomId]; !ok {
		return false
	}
	delete(st.rooms, roomId)
	r.removeLocked(roomId, conn)
	r.stats.Decr(stats.ActiveSubscriptions)

	return true
}

func (r *Registry) IsSubscribed(conn Conn, roomId int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[roomId][conn]
	return ok
}

// removeLocked drops conn from the room's set and the set itself once empty.
func (r *Registry) removeLocked(roomId int64, conn Conn) {
	set, ok := r.rooms[roomId]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.rooms, roomId)
	}
}

// Broadcast sends msg to every subscriber of the room except exclude and
// returns how many sends succeeded. Subscribers whose send fails are removed
// from the room before it returns.
func (r *Registry) Broadcast(roomId int64, msg []byte, exclude Conn) int {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.rooms[roomId]))
	for conn := range r.rooms[roomId] {
		if conn != exclude {
			targets = append(targets, conn)
		}
	}
	r.mu.Unlock()

	var failed []Conn
	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			r.log.Warn().Err(err).Int64("room_id", roomId).Msg("broadcast send failed")
			failed = append(failed, conn)
		}
	}

	delivered := len(targets) - len(failed)
	r.stats.Add(stats.BroadcastDelivered, delivered)

	if len(failed) > 0 {
		r.stats.Add(stats.BroadcastFailed, len(failed))
		r.reap(roomId, failed)
	}

	return delivered
}

func (r *Registry) reap(roomId int64, failed []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range failed {
		if _, ok := r.rooms[roomId][conn]; !ok {
			// unsubscribed or disconnected while we were sending
			continue
		}
		r.removeLocked(roomId, conn)
		if st, ok := r.conns[conn]; ok {
			delete(st.rooms, roomId)
		}
		r.stats.Decr(stats.ActiveSubscriptions)
	}
}

// RoomMembers returns the distinct users subscribed to the room, by id.
func (r *Registry) RoomMembers(roomId int64) []types.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]struct{})
	users := make([]types.User, 0, len(r.rooms[roomId]))
	for conn := range r.rooms[roomId] {
		st, ok := r.conns[conn]
		if !ok {
			continue
		}
		if _, dup := seen[st.user.Id]; dup {
			continue
		}
		seen[st.user.Id] = struct{}{}
		users = append(users, st.user)
	}
	slices.SortFunc(users, func(a, b types.User) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	})

	return users
}

// User returns the user conn was registered for.
func (r *Registry) User(conn Conn) (types.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[conn]
	if !ok {
		return types.User{}, false
	}
	return st.user, true
}

// Conns returns a snapshot of every registered connection.
func (r *Registry) Conns() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// SubscriberCount is the number of connections subscribed to the room.
func (r *Registry) SubscriberCount(roomId int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomId])
}
