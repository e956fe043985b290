package database

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// MessageStore persists messages and serves ordered range queries over a
// room's history. Bounds are exclusive; a nil bound starts at the newest
// (MessagesBefore, SearchMessages) or oldest (MessagesAfter) row.
type MessageStore interface {
	CreateMessage(ctx context.Context, roomId, userId int64, content string) (Message, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	// MessagesBefore returns rows ordered (created_at DESC, id DESC).
	MessagesBefore(ctx context.Context, roomId int64, bound *Keyset, limit int) ([]Message, error)
	// MessagesAfter returns rows ordered (created_at ASC, id ASC).
	MessagesAfter(ctx context.Context, roomId int64, bound *Keyset, limit int) ([]Message, error)
	SearchMessages(ctx context.Context, roomId int64, query string, bound *Keyset, limit int) ([]Message, error)
}

type RoomStore interface {
	RoomExists(ctx context.Context, roomId int64) (bool, error)
	IsMember(ctx context.Context, userId, roomId int64) (bool, error)
	MemberIds(ctx context.Context, roomId int64) ([]int64, error)
	ListRoomsForUser(ctx context.Context, userId int64) ([]Room, error)
}

type ReadStateStore interface {
	// MarkRead sets the user's last_read_at in the room. It returns
	// ErrNotFound when the user is not a member.
	MarkRead(ctx context.Context, userId, roomId int64, at time.Time) error
	// UnreadCounts computes room id -> unread count for every room the
	// user belongs to in a single query.
	UnreadCounts(ctx context.Context, userId int64) (map[int64]int64, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (User, error)
}

type Repository interface {
	MessageStore
	RoomStore
	ReadStateStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
