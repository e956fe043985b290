package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/npezzotti/rostra/internal/database"
	"github.com/npezzotti/rostra/internal/pagination"
	"github.com/npezzotti/rostra/internal/server"
	"github.com/npezzotti/rostra/internal/types"
)

const healthTimeout = 2 * time.Second

type CreateMessageRequest struct {
	Content string `json:"content"`
}

// MessagePage is one page of history. NextCursor is null on the last page.
type MessagePage struct {
	Messages   []types.Message `json:"messages"`
	NextCursor *string         `json:"next_cursor"`
}

type MessageContext struct {
	Messages        []types.Message `json:"messages"`
	TargetMessageId int64           `json:"target_message_id"`
	OlderCursor     *string         `json:"older_cursor"`
	NewerCursor     *string         `json:"newer_cursor"`
}

type MarkReadResponse struct {
	RoomId     int64     `json:"room_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("health check")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	includeUnread := false
	if v := r.URL.Query().Get("include_unread"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		includeUnread = b
	}

	dbRooms, err := s.store.ListRoomsForUser(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var counts map[int64]int64
	if includeUnread {
		counts, err = s.unread.Counts(r.Context(), userId)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, dbRoom := range dbRooms {
		room := dbRoom.ToWire()
		if includeUnread {
			n := counts[room.Id]
			room.UnreadCount = &n
		}
		rooms = append(rooms, room)
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	userId, roomId, ok := s.roomRequest(w, r)
	if !ok {
		return
	}

	rooms, err := s.store.ListRoomsForUser(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, room := range rooms {
		if room.Id == roomId {
			s.writeJson(w, http.StatusOK, room.ToWire())
			return
		}
	}

	s.writeError(w, r, server.ErrRoomNotFound)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	roomId, err := pathId(r, "room_id")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	at, err := s.cs.MarkRead(r.Context(), userId, roomId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, MarkReadResponse{RoomId: roomId, LastReadAt: at})
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	_, roomId, ok := s.roomRequest(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dir := pagination.Direction(r.URL.Query().Get("direction"))
	if dir != "" && dir != pagination.Older && dir != pagination.Newer {
		errResp := NewBadRequestError()
		errResp.Message = "direction must be older or newer"
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	page, err := s.pager.Page(r.Context(), roomId, dir, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, newMessagePage(page))
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	roomId, err := pathId(r, "room_id")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, ok := s.lookupUser(w, r, userId)
	if !ok {
		return
	}

	msg, err := s.cs.SendMessage(r.Context(), user, roomId, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *Server) searchMessages(w http.ResponseWriter, r *http.Request) {
	_, roomId, ok := s.roomRequest(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	q := r.URL.Query()
	page, err := s.pager.Search(r.Context(), roomId, q.Get("q"), q.Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, newMessagePage(page))
}

func (s *Server) messageContext(w http.ResponseWriter, r *http.Request) {
	_, roomId, ok := s.roomRequest(w, r)
	if !ok {
		return
	}

	messageId, err := pathId(r, "message_id")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	// -1 selects the default window
	before, err := queryInt(r, "before", -1)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	after, err := queryInt(r, "after", -1)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	window, err := s.pager.Context(r.Context(), roomId, messageId, before, after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, MessageContext{
		Messages:        wireMessages(window.Messages),
		TargetMessageId: window.Target.Id,
		OlderCursor:     optional(window.OlderCursor),
		NewerCursor:     optional(window.NewerCursor),
	})
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, ok := s.lookupUser(w, r, userId)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(user, conn, s.cs, s.log)
	s.cs.Register(client, user)
	go client.Write()
	go client.Read()
}

// roomRequest resolves the caller and the room_id path parameter and checks
// the caller belongs to the room. It writes the error response when ok is
// false.
func (s *Server) roomRequest(w http.ResponseWriter, r *http.Request) (userId, roomId int64, ok bool) {
	userId, ok = UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return 0, 0, false
	}

	roomId, err := pathId(r, "room_id")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return 0, 0, false
	}

	exists, err := s.store.RoomExists(r.Context(), roomId)
	if err != nil {
		s.writeError(w, r, err)
		return 0, 0, false
	}
	if !exists {
		s.writeError(w, r, server.ErrRoomNotFound)
		return 0, 0, false
	}

	member, err := s.store.IsMember(r.Context(), userId, roomId)
	if err != nil {
		s.writeError(w, r, err)
		return 0, 0, false
	}
	if !member {
		s.writeError(w, r, server.ErrNotMember)
		return 0, 0, false
	}

	return userId, roomId, true
}

func (s *Server) lookupUser(w http.ResponseWriter, r *http.Request, userId int64) (types.User, bool) {
	dbUser, err := s.store.GetUser(r.Context(), userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return types.User{}, false
		}
		s.writeError(w, r, err)
		return types.User{}, false
	}

	return types.User{Id: dbUser.Id, Username: dbUser.Username}, true
}

func pathId(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New(name + " must be positive")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func newMessagePage(p pagination.Page) MessagePage {
	return MessagePage{
		Messages:   wireMessages(p.Messages),
		NextCursor: optional(p.NextCursor),
	}
}

func wireMessages(msgs []database.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToWire())
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
