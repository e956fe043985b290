package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/npezzotti/rostra/internal/database"
)

var (
	ErrInvalidCursor    = errors.New("invalid cursor")
	ErrInvalidEncoding  = fmt.Errorf("%w: invalid cursor format", ErrInvalidCursor)
	ErrInvalidPayload   = fmt.Errorf("%w: cursor payload is not an object", ErrInvalidCursor)
	ErrMissingField     = fmt.Errorf("%w: cursor missing required field (created_at, id)", ErrInvalidCursor)
	ErrInvalidTimestamp = fmt.Errorf("%w: invalid timestamp in cursor", ErrInvalidCursor)
	ErrInvalidID        = fmt.Errorf("%w: invalid message id in cursor", ErrInvalidCursor)
)

// Cursor is a decoded position in a room's (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	Id        int64
}

func (c Cursor) Keyset() database.Keyset {
	return database.Keyset{CreatedAt: c.CreatedAt, Id: c.Id}
}

type cursorPayload struct {
	CreatedAt string `json:"created_at"`
	Id        int64  `json:"id"`
}

// Encode returns the opaque token for a position. Clients must not parse it.
func Encode(createdAt time.Time, id int64) string {
	b, _ := json.Marshal(cursorPayload{
		CreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
		Id:        id,
	})
	return base64.URLEncoding.EncodeToString(b)
}

// EncodeKey is Encode for a message position.
func EncodeKey(k database.Keyset) string {
	return Encode(k.CreatedAt, k.Id)
}

func Decode(s string) (Cursor, error) {
	raw, err := decodeBase64(s)
	if err != nil {
		return Cursor{}, ErrInvalidEncoding
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Cursor{}, ErrInvalidPayload
	}

	rawTs, okTs := fields["created_at"]
	rawId, okId := fields["id"]
	if !okTs || !okId {
		return Cursor{}, ErrMissingField
	}

	var ts string
	if err := json.Unmarshal(rawTs, &ts); err != nil {
		return Cursor{}, ErrInvalidTimestamp
	}
	createdAt, err := parseTimestamp(ts)
	if err != nil {
		return Cursor{}, ErrInvalidTimestamp
	}

	id, err := parseId(rawId)
	if err != nil || id <= 0 {
		return Cursor{}, ErrInvalidID
	}

	return Cursor{CreatedAt: createdAt, Id: id}, nil
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty cursor")
	}
	unpadded := strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(unpadded); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(unpadded)
}

// parseTimestamp accepts RFC 3339 and offset-less ISO 8601, treating the
// latter as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}

// parseId accepts a JSON integer or an integer string.
func parseId(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
