package database

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is a process-local Repository. It orders and bounds
// messages exactly like the Postgres queries, and matches search queries
// when every term appears in the content (case-insensitively).
type MemoryRepository struct {
	mu       sync.RWMutex
	now      func() time.Time
	users    map[int64]User
	rooms    map[int64]Room
	members  map[int64]map[int64]*Membership // room id -> user id -> membership
	messages []Message                       // chronological by (created_at, id)
	nextId   int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:     time.Now,
		users:   make(map[int64]User),
		rooms:   make(map[int64]Room),
		members: make(map[int64]map[int64]*Membership),
	}
}

// SetClock replaces the time source used for created_at.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) AddUser(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Id] = u
}

func (r *MemoryRepository) AddRoom(room Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.Id] = room
	if r.members[room.Id] == nil {
		r.members[room.Id] = make(map[int64]*Membership)
	}
}

func (r *MemoryRepository) AddMember(userId, roomId int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[roomId] == nil {
		r.members[roomId] = make(map[int64]*Membership)
	}
	r.members[roomId][userId] = &Membership{
		UserId:   userId,
		RoomId:   roomId,
		JoinedAt: r.now().UTC(),
	}
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) GetUser(_ context.Context, id int64) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepository) RoomExists(_ context.Context, roomId int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomId]
	return ok, nil
}

func (r *MemoryRepository) IsMember(_ context.Context, userId, roomId int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[roomId][userId]
	return ok, nil
}

func (r *MemoryRepository) MemberIds(_ context.Context, roomId int64) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.members[roomId]))
	for id := range r.members[roomId] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *MemoryRepository) ListRoomsForUser(_ context.Context, userId int64) ([]Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]Room, 0)
	for roomId, members := range r.members {
		if _, ok := members[userId]; ok {
			if room, ok := r.rooms[roomId]; ok {
				rooms = append(rooms, room)
			}
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Id < rooms[j].Id })
	return rooms, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, userId, roomId int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[roomId][userId]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC().Truncate(time.Microsecond)
	m.LastReadAt = &t
	return nil
}

func (r *MemoryRepository) UnreadCounts(_ context.Context, userId int64) (map[int64]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[int64]int64)
	for roomId, members := range r.members {
		m, ok := members[userId]
		if !ok {
			continue
		}
		counts[roomId] = 0
		for _, msg := range r.messages {
			if msg.RoomId != roomId {
				continue
			}
			if m.LastReadAt == nil || msg.CreatedAt.After(*m.LastReadAt) {
				counts[roomId]++
			}
		}
	}
	return counts, nil
}

func (r *MemoryRepository) CreateMessage(_ context.Context, roomId, userId int64, content string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomId]; !ok {
		return Message{}, ErrNotFound
	}

	r.nextId++
	msg := Message{
		Id:      r.nextId,
		RoomId:  roomId,
		UserId:  userId,
		Content: content,
		// Postgres timestamptz keeps microseconds.
		CreatedAt: r.now().UTC().Truncate(time.Microsecond),
	}
	if u, ok := r.users[userId]; ok {
		msg.Username = u.Username
	}

	// A clock that moves backwards still yields a total order by (created_at, id).
	i := sort.Search(len(r.messages), func(i int) bool { return msg.Key().Less(r.messages[i].Key()) })
	r.messages = slices.Insert(r.messages, i, msg)

	return msg, nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, id int64) (Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, msg := range r.messages {
		if msg.Id == id {
			return msg, nil
		}
	}
	return Message{}, ErrNotFound
}

func (r *MemoryRepository) MessagesBefore(_ context.Context, roomId int64, bound *Keyset, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectBackward(roomId, bound, limit, nil), nil
}

func (r *MemoryRepository) MessagesAfter(_ context.Context, roomId int64, bound *Keyset, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Message, 0, limit)
	for _, msg := range r.messages {
		if len(out) == limit {
			break
		}
		if msg.RoomId != roomId {
			continue
		}
		if bound != nil && !bound.Less(msg.Key()) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *MemoryRepository) SearchMessages(_ context.Context, roomId int64, query string, bound *Keyset, limit int) ([]Message, error) {
	terms := strings.Fields(strings.ToLower(query))
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectBackward(roomId, bound, limit, func(m Message) bool {
		content := strings.ToLower(m.Content)
		for _, t := range terms {
			if !strings.Contains(content, t) {
				return false
			}
		}
		return len(terms) > 0
	}), nil
}

func (r *MemoryRepository) collectBackward(roomId int64, bound *Keyset, limit int, match func(Message) bool) []Message {
	out := make([]Message, 0, limit)
	for i := len(r.messages) - 1; i >= 0 && len(out) < limit; i-- {
		msg := r.messages[i]
		if msg.RoomId != roomId {
			continue
		}
		if bound != nil && !msg.Key().Less(*bound) {
			continue
		}
		if match != nil && !match(msg) {
			continue
		}
		out = append(out, msg)
	}
	return out
}
