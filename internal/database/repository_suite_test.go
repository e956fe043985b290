package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seeder creates the fixtures the Repository interface cannot.
type seeder interface {
	seedUser(t *testing.T, id int64, username string)
	seedRoom(t *testing.T, id int64, name string, createdBy int64)
	seedMember(t *testing.T, userId, roomId int64)
}

// runRepositorySuite checks behaviour every Repository must share.
func runRepositorySuite(t *testing.T, repo Repository, s seeder) {
	ctx := context.Background()

	s.seedUser(t, 1, "alice")
	s.seedUser(t, 2, "bob")
	s.seedUser(t, 3, "carol")
	s.seedRoom(t, 10, "general", 1)
	s.seedRoom(t, 20, "random", 2)
	s.seedMember(t, 2, 10)
	s.seedMember(t, 1, 10)
	s.seedMember(t, 2, 20)

	var sent []Message
	for _, content := range []string{"hello world", "deploy finished", "lunch?", "the deploy failed", "retrying"} {
		msg, err := repo.CreateMessage(ctx, 10, 1, content)
		require.NoError(t, err)
		sent = append(sent, msg)
	}
	_, err := repo.CreateMessage(ctx, 20, 2, "other room")
	require.NoError(t, err)

	t.Run("create returns the author's username in UTC", func(t *testing.T) {
		assert.Equal(t, "alice", sent[0].Username)
		assert.Equal(t, time.UTC, sent[0].CreatedAt.Location())
		assert.Positive(t, sent[0].Id)
	})

	t.Run("get message", func(t *testing.T) {
		msg, err := repo.GetMessage(ctx, sent[2].Id)
		require.NoError(t, err)
		assert.Equal(t, sent[2].Content, msg.Content)
		assert.True(t, sent[2].CreatedAt.Equal(msg.CreatedAt))

		_, err = repo.GetMessage(ctx, 999999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("messages before", func(t *testing.T) {
		msgs, err := repo.MessagesBefore(ctx, 10, nil, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, sent[4].Id, msgs[0].Id)
		assert.Equal(t, sent[3].Id, msgs[1].Id)

		bound := sent[3].Key()
		msgs, err = repo.MessagesBefore(ctx, 10, &bound, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, []int64{sent[2].Id, sent[1].Id, sent[0].Id}, ids(msgs))
	})

	t.Run("messages after", func(t *testing.T) {
		msgs, err := repo.MessagesAfter(ctx, 10, nil, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{sent[0].Id, sent[1].Id}, ids(msgs))

		bound := sent[2].Key()
		msgs, err = repo.MessagesAfter(ctx, 10, &bound, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{sent[3].Id, sent[4].Id}, ids(msgs))
	})

	t.Run("search", func(t *testing.T) {
		msgs, err := repo.SearchMessages(ctx, 10, "deploy", nil, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{sent[3].Id, sent[1].Id}, ids(msgs))

		bound := sent[3].Key()
		msgs, err = repo.SearchMessages(ctx, 10, "deploy", &bound, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{sent[1].Id}, ids(msgs))

		msgs, err = repo.SearchMessages(ctx, 20, "deploy", nil, 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("rooms and members", func(t *testing.T) {
		exists, err := repo.RoomExists(ctx, 10)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = repo.RoomExists(ctx, 30)
		require.NoError(t, err)
		assert.False(t, exists)

		member, err := repo.IsMember(ctx, 3, 10)
		require.NoError(t, err)
		assert.False(t, member)

		members, err := repo.MemberIds(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, members)

		rooms, err := repo.ListRoomsForUser(ctx, 2)
		require.NoError(t, err)
		require.Len(t, rooms, 2)
		assert.Equal(t, int64(10), rooms[0].Id)
		assert.Equal(t, "random", rooms[1].Name)
	})

	t.Run("unread counts follow last_read_at", func(t *testing.T) {
		counts, err := repo.UnreadCounts(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, map[int64]int64{10: 5, 20: 1}, counts)

		require.NoError(t, repo.MarkRead(ctx, 2, 10, sent[2].CreatedAt))
		counts, err = repo.UnreadCounts(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[10])

		require.NoError(t, repo.MarkRead(ctx, 2, 10, sent[4].CreatedAt))
		counts, err = repo.UnreadCounts(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(0), counts[10])

		counts, err = repo.UnreadCounts(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, counts)
	})

	t.Run("mark read without membership", func(t *testing.T) {
		err := repo.MarkRead(ctx, 3, 10, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}
