package database

import (
	"time"

	"github.com/npezzotti/rostra/internal/types"
)

type User struct {
	Id        int64
	Username  string
	CreatedAt time.Time
}

type Room struct {
	Id        int64
	Name      string
	CreatedBy int64
	CreatedAt time.Time
}

// Membership is a user's row in a room. LastReadAt is nil until the user
// records a read.
type Membership struct {
	UserId     int64
	RoomId     int64
	LastReadAt *time.Time
	JoinedAt   time.Time
}

type Message struct {
	Id        int64
	RoomId    int64
	UserId    int64
	Username  string
	Content   string
	CreatedAt time.Time
}

// Keyset is a position in the (created_at, id) message order.
type Keyset struct {
	CreatedAt time.Time
	Id        int64
}

func (m Message) Key() Keyset {
	return Keyset{CreatedAt: m.CreatedAt, Id: m.Id}
}

// Less reports whether k sorts strictly before o in chronological order.
func (k Keyset) Less(o Keyset) bool {
	if k.CreatedAt.Equal(o.CreatedAt) {
		return k.Id < o.Id
	}
	return k.CreatedAt.Before(o.CreatedAt)
}

func (m Message) ToWire() types.Message {
	return types.Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		UserId:    m.UserId,
		Username:  m.Username,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func (r Room) ToWire() types.Room {
	return types.Room{
		Id:        r.Id,
		Name:      r.Name,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
	}
}
