package types

import (
	"time"
)

type User struct {
	Id       int64  `json:"id"`
	Username string `json:"username"`
}

type Room struct {
	Id          int64     `json:"id"`
	Name        string    `json:"name"`
	CreatedBy   int64     `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UnreadCount *int64    `json:"unread_count,omitempty"`
}

type Message struct {
	Id        int64     `json:"id"`
	RoomId    int64     `json:"room_id"`
	UserId    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
