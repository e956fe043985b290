package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/npezzotti/rostra/internal/database"
	"github.com/npezzotti/rostra/internal/stats"
	"github.com/npezzotti/rostra/internal/types"
)

const DefaultStoreTimeout = 5 * time.Second

// Store is the durable state the chat server reads and writes.
type Store interface {
	database.MessageStore
	database.RoomStore
	database.ReadStateStore
}

// UnreadTracker receives unread count changes from the send and read paths.
type UnreadTracker interface {
	Increment(ctx context.Context, userId, roomId int64)
	IncrementMany(ctx context.Context, userIds []int64, roomId int64)
	Reset(ctx context.Context, userId, roomId int64)
}

type noopTracker struct{}

func (noopTracker) Increment(context.Context, int64, int64)       {}
func (noopTracker) IncrementMany(context.Context, []int64, int64) {}
func (noopTracker) Reset(context.Context, int64, int64)           {}

type Options struct {
	MaxSubscriptions int
	RateLimit        int
	RateWindow       time.Duration
	StoreTimeout     time.Duration
}

type actionHandler func(conn Conn, user types.User, raw []byte) error

// ChatServer routes client frames and owns the registry and rate limiter.
type ChatServer struct {
	log          zerolog.Logger
	store        Store
	unread       UnreadTracker
	stats        stats.StatsProvider
	registry     *Registry
	limiter      *RateLimiter
	storeTimeout time.Duration
	handlers     map[string]actionHandler
	now          func() time.Time
	active       sync.WaitGroup
}

func NewChatServer(logger zerolog.Logger, store Store, unread UnreadTracker, sp stats.StatsProvider, opts Options) *ChatServer {
	if sp == nil {
		sp = stats.NoopStats{}
	}
	if unread == nil {
		unread = noopTracker{}
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	logger = logger.With().Str("component", "server").Logger()

	cs := &ChatServer{
		log:          logger,
		store:        store,
		unread:       unread,
		stats:        sp,
		registry:     NewRegistry(opts.MaxSubscriptions, logger, sp),
		limiter:      NewRateLimiter(opts.RateLimit, opts.RateWindow),
		storeTimeout: opts.StoreTimeout,
		now:          time.Now,
	}
	cs.handlers = map[string]actionHandler{
		ActionSubscribe:   cs.handleSubscribe,
		ActionUnsubscribe: cs.handleUnsubscribe,
		ActionSendMessage: cs.handleSendMessage,
		ActionTyping:      cs.handleTyping,
		ActionUserTyping:  cs.handleTyping,
		ActionMarkRead:    cs.handleMarkRead,
	}

	return cs
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

func (cs *ChatServer) Limiter() *RateLimiter {
	return cs.limiter
}

// Register adds an authenticated connection.
func (cs *ChatServer) Register(conn Conn, user types.User) {
	if cs.registry.Connect(conn, user) {
		cs.active.Add(1)
		cs.stats.Incr(stats.ActiveConnections)
		cs.log.Info().Int64("user_id", user.Id).Msg("connection registered")
	}
}

// Disconnect removes conn and tells each of its rooms the user left. Only
// the first call for a connection has any effect.
func (cs *ChatServer) Disconnect(conn Conn) {
	user, _ := cs.registry.User(conn)
	rooms, ok := cs.registry.Disconnect(conn)
	if !ok {
		return
	}
	defer cs.active.Done()
	cs.stats.Decr(stats.ActiveConnections)

	for _, roomId := range rooms {
		cs.broadcast(roomId, UserEvent{Type: EventUserLeft, RoomId: roomId, User: user}, nil)
	}
	cs.log.Info().Int64("user_id", user.Id).Ints64("rooms", rooms).Msg("connection removed")
}

// Dispatch handles one inbound frame. Failures are answered with an error
// event on conn; the connection stays open.
func (cs *ChatServer) Dispatch(conn Conn, user types.User, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			cs.log.Error().Interface("panic", r).Int64("user_id", user.Id).Msg("frame handler panicked")
			cs.replyError(conn, ErrInternal)
		}
	}()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		cs.replyError(conn, ErrInvalidFormat)
		return
	}

	handler, ok := cs.handlers[env.Action]
	if !ok {
		cs.replyError(conn, unknownAction(env.Action))
		return
	}

	if err := handler(conn, user, raw); err != nil {
		cs.log.Debug().Err(err).Str("action", env.Action).Int64("user_id", user.Id).Msg("frame rejected")
		cs.replyError(conn, err)
	}
}

func (cs *ChatServer) handleSubscribe(conn Conn, user types.User, raw []byte) error {
	var frame RoomFrame
	if err := decodeFrame(raw, &frame); err != nil {
		return err
	}

	if cs.registry.IsSubscribed(conn, frame.RoomId) {
		return cs.reply(conn, cs.subscribedEvent(frame.RoomId))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.storeTimeout)
	defer cancel()
	if err := cs.checkMember(ctx, user.Id, frame.RoomId); err != nil {
		return err
	}

	if !cs.registry.Subscribe(conn, frame.RoomId) {
		return ErrSubscriptionLimit
	}

	if err := cs.reply(conn, cs.subscribedEvent(frame.RoomId)); err != nil {
		return err
	}
	cs.broadcast(frame.RoomId, UserEvent{Type: EventUserJoined, RoomId: frame.RoomId, User: user}, conn)

	return nil
}

func (cs *ChatServer) subscribedEvent(roomId int64) SubscribedEvent {
	return SubscribedEvent{
		Type:        EventSubscribed,
		RoomId:      roomId,
		OnlineUsers: cs.registry.RoomMembers(roomId),
	}
}

func (cs *ChatServer) handleUnsubscribe(conn Conn, user types.User, raw []byte) error {
	var frame RoomFrame
	if err := decodeFrame(raw, &frame); err != nil {
		return err
	}

	wasSubscribed := cs.registry.Unsubscribe(conn, frame.RoomId)
	if err := cs.reply(conn, RoomEvent{Type: EventUnsubscribed, RoomId: frame.RoomId}); err != nil {
		return err
	}
	if wasSubscribed {
		cs.broadcast(frame.RoomId, UserEvent{Type: EventUserLeft, RoomId: frame.RoomId, User: user}, conn)
	}

	return nil
}

func (cs *ChatServer) handleSendMessage(conn Conn, user types.User, raw []byte) error {
	var frame SendMessageFrame
	if err := decodeFrame(raw, &frame); err != nil {
		return err
	}

	_, err := cs.SendMessage(context.Background(), user, frame.RoomId, frame.Content)
	return err
}

func (cs *ChatServer) handleTyping(conn Conn, user types.User, raw []byte) error {
	var frame RoomFrame
	if err := decodeFrame(raw, &frame); err != nil {
		return err
	}

	if !cs.registry.IsSubscribed(conn, frame.RoomId) {
		return ErrNotSubscribed
	}
	cs.broadcast(frame.RoomId, UserEvent{Type: EventTypingIndicator, RoomId: frame.RoomId, User: user}, conn)

	return nil
}

func (cs *ChatServer) handleMarkRead(conn Conn, user types.User, raw []byte) error {
	var frame RoomFrame
	if err := decodeFrame(raw, &frame); err != nil {
		return err
	}

	at, err := cs.MarkRead(context.Background(), user.Id, frame.RoomId)
	if err != nil {
		return err
	}

	return cs.reply(conn, MarkedReadEvent{Type: EventMarkedRead, RoomId: frame.RoomId, LastReadAt: at})
}

// SendMessage persists content from user in the room, moves the sender's read
// marker, broadcasts new_message to every subscriber and updates the unread
// counts of the room's members. Surrounding whitespace is trimmed from content.
func (cs *ChatServer) SendMessage(ctx context.Context, user types.User, roomId int64, content string) (types.Message, error) {
	content = strings.TrimSpace(content)
	if err := ValidateFrame(&SendMessageFrame{RoomId: roomId, Content: content}); err != nil {
		return types.Message{}, err
	}

	if !cs.limiter.Allow(user.Id) {
		cs.stats.Incr(stats.RateLimited)
		return types.Message{}, ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, cs.storeTimeout)
	defer cancel()

	if err := cs.checkMember(ctx, user.Id, roomId); err != nil {
		return types.Message{}, err
	}

	msg, err := cs.store.CreateMessage(ctx, roomId, user.Id, content)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Message{}, ErrRoomNotFound
		}
		cs.log.Error().Err(err).Int64("room_id", roomId).Msg("create message")
		return types.Message{}, ErrInternal
	}
	cs.stats.Incr(stats.MessagesSent)

	// The marker must not trail the message or the sender's own message
	// would count as unread.
	readAt := cs.now().UTC()
	if readAt.Before(msg.CreatedAt) {
		readAt = msg.CreatedAt
	}
	if err := cs.store.MarkRead(ctx, user.Id, roomId, readAt); err != nil {
		cs.log.Warn().Err(err).Int64("room_id", roomId).Int64("user_id", user.Id).Msg("mark sender read")
	}

	wire := msg.ToWire()
	cs.broadcast(roomId, NewMessageEvent{Type: EventNewMessage, Message: wire}, nil)

	cs.unread.Reset(ctx, user.Id, roomId)
	members, err := cs.store.MemberIds(ctx, roomId)
	if err != nil {
		cs.log.Warn().Err(err).Int64("room_id", roomId).Msg("list members for unread counts")
		return wire, nil
	}
	others := make([]int64, 0, len(members))
	for _, id := range members {
		if id != user.Id {
			others = append(others, id)
		}
	}
	cs.unread.IncrementMany(ctx, others, roomId)

	return wire, nil
}

// MarkRead records that the user has read the room up to now and clears the
// cached unread count.
func (cs *ChatServer) MarkRead(ctx context.Context, userId, roomId int64) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, cs.storeTimeout)
	defer cancel()

	exists, err := cs.store.RoomExists(ctx, roomId)
	if err != nil {
		cs.log.Error().Err(err).Int64("room_id", roomId).Msg("room exists")
		return time.Time{}, ErrInternal
	}
	if !exists {
		return time.Time{}, ErrRoomNotFound
	}

	at := cs.now().UTC()
	if err := cs.store.MarkRead(ctx, userId, roomId, at); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return time.Time{}, ErrNotMember
		}
		cs.log.Error().Err(err).Int64("room_id", roomId).Msg("mark read")
		return time.Time{}, ErrInternal
	}
	cs.unread.Reset(ctx, userId, roomId)

	return at, nil
}

// checkMember resolves the room and the user's membership against the store.
func (cs *ChatServer) checkMember(ctx context.Context, userId, roomId int64) error {
	exists, err := cs.store.RoomExists(ctx, roomId)
	if err != nil {
		cs.log.Error().Err(err).Int64("room_id", roomId).Msg("room exists")
		return ErrInternal
	}
	if !exists {
		return ErrRoomNotFound
	}

	member, err := cs.store.IsMember(ctx, userId, roomId)
	if err != nil {
		cs.log.Error().Err(err).Int64("room_id", roomId).Msg("is member")
		return ErrInternal
	}
	if !member {
		return ErrNotMember
	}

	return nil
}

// broadcast encodes event once and fans it out to the room.
func (cs *ChatServer) broadcast(roomId int64, event any, exclude Conn) int {
	msg, err := encodeEvent(event)
	if err != nil {
		cs.log.Error().Err(err).Int64("room_id", roomId).Msg("encode event")
		return 0
	}
	return cs.registry.Broadcast(roomId, msg, exclude)
}

func (cs *ChatServer) reply(conn Conn, event any) error {
	msg, err := encodeEvent(event)
	if err != nil {
		cs.log.Error().Err(err).Msg("encode reply")
		return ErrInternal
	}
	if err := conn.Send(msg); err != nil {
		cs.log.Warn().Err(err).Msg("reply dropped")
	}
	return nil
}

func (cs *ChatServer) replyError(conn Conn, err error) {
	cs.stats.Incr(stats.FrameErrors)
	if err := cs.reply(conn, NewErrorEvent(err)); err != nil {
		cs.log.Error().Err(err).Msg("reply error")
	}
}

// Shutdown closes every connection and waits for their cleanup or ctx.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Int("connections", cs.registry.ConnectionCount()).Msg("received shutdown signal")
	for _, conn := range cs.registry.Conns() {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		cs.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
