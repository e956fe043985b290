package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateMessage(ctx context.Context, roomId, userId int64, content string) (Message, error) {
	args := m.Called(ctx, roomId, userId, content)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessage(ctx context.Context, id int64) (Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) MessagesBefore(ctx context.Context, roomId int64, bound *Keyset, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, bound, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) MessagesAfter(ctx context.Context, roomId int64, bound *Keyset, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, bound, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) SearchMessages(ctx context.Context, roomId int64, query string, bound *Keyset, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, query, bound, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) RoomExists(ctx context.Context, roomId int64) (bool, error) {
	args := m.Called(ctx, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) IsMember(ctx context.Context, userId, roomId int64) (bool, error) {
	args := m.Called(ctx, userId, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) MemberIds(ctx context.Context, roomId int64) ([]int64, error) {
	args := m.Called(ctx, roomId)
	if ids, ok := args.Get(0).([]int64); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ListRoomsForUser(ctx context.Context, userId int64) ([]Room, error) {
	args := m.Called(ctx, userId)
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) MarkRead(ctx context.Context, userId, roomId int64, at time.Time) error {
	args := m.Called(ctx, userId, roomId, at)
	return args.Error(0)
}
func (m *MockRepository) UnreadCounts(ctx context.Context, userId int64) (map[int64]int64, error) {
	args := m.Called(ctx, userId)
	if counts, ok := args.Get(0).(map[int64]int64); ok {
		return counts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetUser(ctx context.Context, id int64) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
