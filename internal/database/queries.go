package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = "m.id, m.room_id, m.user_id, u.username, m.content, m.created_at"

func (db *PgRepository) GetUser(ctx context.Context, id int64) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, created_at FROM users WHERE id = $1",
		id,
	)

	var u User
	if err := row.Scan(&u.Id, &u.Username, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}

func (db *PgRepository) RoomExists(ctx context.Context, roomId int64) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)",
		roomId,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("room exists: %w", err)
	}

	return exists, nil
}

func (db *PgRepository) IsMember(ctx context.Context, userId, roomId int64) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM user_room WHERE user_id = $1 AND room_id = $2)",
		userId,
		roomId,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}

	return exists, nil
}

func (db *PgRepository) MemberIds(ctx context.Context, roomId int64) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id FROM user_room WHERE room_id = $1 ORDER BY user_id",
		roomId,
	)
	if err != nil {
		return nil, fmt.Errorf("member ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *PgRepository) ListRoomsForUser(ctx context.Context, userId int64) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.id, r.name, r.created_by, r.created_at FROM rooms r "+
			"JOIN user_room ur ON ur.room_id = r.id WHERE ur.user_id = $1 ORDER BY r.id",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.Id, &r.Name, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}

	return rooms, rows.Err()
}

func (db *PgRepository) MarkRead(ctx context.Context, userId, roomId int64, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE user_room SET last_read_at = $3 WHERE user_id = $1 AND room_id = $2",
		userId,
		roomId,
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// UnreadCounts counts, per membership, the messages newer than last_read_at,
// or every message when the user never recorded a read.
func (db *PgRepository) UnreadCounts(ctx context.Context, userId int64) (map[int64]int64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT ur.room_id, COUNT(m.id)
		FROM user_room ur
		LEFT JOIN messages m
			ON m.room_id = ur.room_id
			AND (ur.last_read_at IS NULL OR m.created_at > ur.last_read_at)
		WHERE ur.user_id = $1
		GROUP BY ur.room_id`,
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var roomId, count int64
		if err := rows.Scan(&roomId, &count); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[roomId] = count
	}

	return counts, rows.Err()
}

func (db *PgRepository) CreateMessage(ctx context.Context, roomId, userId int64, content string) (Message, error) {
	row := db.conn.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO messages (room_id, user_id, content)
			VALUES ($1, $2, $3)
			RETURNING id, room_id, user_id, content, created_at
		)
		SELECT m.id, m.room_id, m.user_id, u.username, m.content, m.created_at
		FROM inserted m JOIN users u ON u.id = m.user_id`,
		roomId,
		userId,
		content,
	)

	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}

	return msg, nil
}

func (db *PgRepository) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.user_id WHERE m.id = $1",
		id,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}

	return msg, nil
}

// The row-value comparisons below are what keep pages stable under
// concurrent inserts; they match the (room_id, created_at DESC, id DESC)
// index.

func (db *PgRepository) MessagesBefore(ctx context.Context, roomId int64, bound *Keyset, limit int) ([]Message, error) {
	if bound == nil {
		return db.queryMessages(ctx,
			"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.user_id "+
				"WHERE m.room_id = $1 ORDER BY m.created_at DESC, m.id DESC LIMIT $2",
			roomId, limit,
		)
	}

	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.user_id "+
			"WHERE m.room_id = $1 AND (m.created_at, m.id) < ($2, $3) "+
			"ORDER BY m.created_at DESC, m.id DESC LIMIT $4",
		roomId, bound.CreatedAt.UTC(), bound.Id, limit,
	)
}

func (db *PgRepository) MessagesAfter(ctx context.Context, roomId int64, bound *Keyset, limit int) ([]Message, error) {
	if bound == nil {
		return db.queryMessages(ctx,
			"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.user_id "+
				"WHERE m.room_id = $1 ORDER BY m.created_at ASC, m.id ASC LIMIT $2",
			roomId, limit,
		)
	}

	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.user_id "+
			"WHERE m.room_id = $1 AND (m.created_at, m.id) > ($2, $3) "+
			"ORDER BY m.created_at ASC, m.id ASC LIMIT $4",
		roomId, bound.CreatedAt.UTC(), bound.Id, limit,
	)
}

func (db *PgRepository) SearchMessages(ctx context.Context, roomId int64, query string, bound *Keyset, limit int) ([]Message, error) {
	if bound == nil {
		return db.queryMessages(ctx,
			"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.user_id "+
				"WHERE m.room_id = $1 AND m.search_vector @@ plainto_tsquery('english', $2) "+
				"ORDER BY m.created_at DESC, m.id DESC LIMIT $3",
			roomId, query, limit,
		)
	}

	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.search_vector @@ plainto_tsquery('english', $2) "+
			"AND (m.created_at, m.id) < ($3, $4) "+
			"ORDER BY m.created_at DESC, m.id DESC LIMIT $5",
		roomId, query, bound.CreatedAt.UTC(), bound.Id, limit,
	)
}

func (db *PgRepository) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var msg Message
	err := s.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.UserId,
		&msg.Username,
		&msg.Content,
		&msg.CreatedAt,
	)
	msg.CreatedAt = msg.CreatedAt.UTC()

	return msg, err
}
