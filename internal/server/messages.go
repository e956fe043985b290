package server

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/npezzotti/rostra/internal/types"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSendMessage = "send_message"
	ActionTyping      = "typing"
	ActionUserTyping  = "user_typing"
	ActionMarkRead    = "mark_read"
)

const (
	EventSubscribed      = "subscribed"
	EventUnsubscribed    = "unsubscribed"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventNewMessage      = "new_message"
	EventTypingIndicator = "typing_indicator"
	EventMarkedRead      = "marked_read"
	EventError           = "error"
)

const MaxContentLength = 1000

var (
	ErrInvalidFormat     = errors.New("invalid message format")
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotMember         = errors.New("not a member of this room")
	ErrNotSubscribed     = errors.New("not subscribed to room")
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	ErrRateLimited       = errors.New("rate limit exceeded, slow down")
	ErrInternal          = errors.New("internal server error")
)

// envelope is decoded first to pick the handler.
type envelope struct {
	Action string `json:"action"`
}

type RoomFrame struct {
	RoomId int64 `json:"room_id" validate:"required,gt=0"`
}

type SendMessageFrame struct {
	RoomId  int64  `json:"room_id" validate:"required,gt=0"`
	Content string `json:"content" validate:"required,min=1,max=1000"`
}

type SubscribedEvent struct {
	Type        string       `json:"type"`
	RoomId      int64        `json:"room_id"`
	OnlineUsers []types.User `json:"online_users"`
}

type RoomEvent struct {
	Type   string `json:"type"`
	RoomId int64  `json:"room_id"`
}

// UserEvent carries user_joined, user_left and typing_indicator.
type UserEvent struct {
	Type   string     `json:"type"`
	RoomId int64      `json:"room_id"`
	User   types.User `json:"user"`
}

type NewMessageEvent struct {
	Type    string        `json:"type"`
	Message types.Message `json:"message"`
}

type MarkedReadEvent struct {
	Type       string    `json:"type"`
	RoomId     int64     `json:"room_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

type ErrorEvent struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type FieldError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param,omitempty"`
}

// ValidationError reports every field of a frame that failed validation.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		parts[i] = d.Field + ": " + d.Tag
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func NewErrorEvent(err error) ErrorEvent {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return ErrorEvent{Type: EventError, Message: "invalid request", Details: verr.Details}
	}
	return ErrorEvent{Type: EventError, Message: err.Error()}
}

func unknownAction(action string) error {
	return fmt.Errorf("unknown action: %s", action)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateFrame runs the struct tags of a decoded frame.
func ValidateFrame(frame any) error {
	err := validate.Struct(frame)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	details := make([]FieldError, len(verrs))
	for i, fe := range verrs {
		details[i] = FieldError{Field: fe.Field(), Tag: fe.Tag(), Param: fe.Param()}
	}
	return &ValidationError{Details: details}
}

// decodeFrame unmarshals raw into frame and validates it.
func decodeFrame(raw []byte, frame any) error {
	if err := json.Unmarshal(raw, frame); err != nil {
		return ErrInvalidFormat
	}
	if f, ok := frame.(*SendMessageFrame); ok {
		f.Content = strings.TrimSpace(f.Content)
	}
	return ValidateFrame(frame)
}

func encodeEvent(v any) ([]byte, error) {
	return json.Marshal(v)
}
