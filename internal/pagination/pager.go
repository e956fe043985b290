package pagination

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/npezzotti/rostra/internal/database"
)

const (
	DefaultLimit  = 50
	MaxLimit      = 100
	DefaultWindow = 25
	MaxWindow     = 100
)

var (
	ErrEmptyQuery      = errors.New("search query must not be empty")
	ErrMessageNotFound = errors.New("message not found")
)

type Direction string

const (
	Older Direction = "older"
	Newer Direction = "newer"
)

// Page is one slice of history. Older and search pages are newest first,
// newer pages are chronological. NextCursor is empty on the last page.
type Page struct {
	Messages   []database.Message
	NextCursor string
	HasMore    bool
}

// ContextWindow is a chronological run of messages around a target.
type ContextWindow struct {
	Messages    []database.Message
	Target      database.Message
	OlderCursor string
	NewerCursor string
	HasOlder    bool
	HasNewer    bool
}

type Pager struct {
	store database.MessageStore
}

func NewPager(store database.MessageStore) *Pager {
	return &Pager{store: store}
}

// ClampLimit bounds a page size to 1..MaxLimit; zero or negative selects the default.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// ClampWindow bounds a context window side to 0..MaxWindow; negative selects
// the default.
func ClampWindow(n int) int {
	if n < 0 {
		return DefaultWindow
	}
	return min(n, MaxWindow)
}

func (p *Pager) Page(ctx context.Context, roomId int64, dir Direction, cursor string, limit int) (Page, error) {
	switch dir {
	case Older, "":
		return p.Older(ctx, roomId, cursor, limit)
	case Newer:
		return p.Newer(ctx, roomId, cursor, limit)
	default:
		return Page{}, fmt.Errorf("unknown direction %q", dir)
	}
}

// Older pages backwards from cursor, or from the newest message when cursor
// is empty.
func (p *Pager) Older(ctx context.Context, roomId int64, cursor string, limit int) (Page, error) {
	bound, err := parseBound(cursor)
	if err != nil {
		return Page{}, err
	}
	limit = ClampLimit(limit)

	rows, err := p.store.MessagesBefore(ctx, roomId, bound, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("older page: %w", err)
	}
	return newPage(rows, limit), nil
}

// Newer pages forwards from cursor, or from the oldest message when cursor
// is empty.
func (p *Pager) Newer(ctx context.Context, roomId int64, cursor string, limit int) (Page, error) {
	bound, err := parseBound(cursor)
	if err != nil {
		return Page{}, err
	}
	limit = ClampLimit(limit)

	rows, err := p.store.MessagesAfter(ctx, roomId, bound, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("newer page: %w", err)
	}
	return newPage(rows, limit), nil
}

// Search returns full-text matches newest first with the same cursor
// mechanics as Older.
func (p *Pager) Search(ctx context.Context, roomId int64, query, cursor string, limit int) (Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Page{}, ErrEmptyQuery
	}
	bound, err := parseBound(cursor)
	if err != nil {
		return Page{}, err
	}
	limit = ClampLimit(limit)

	rows, err := p.store.SearchMessages(ctx, roomId, query, bound, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("search page: %w", err)
	}
	return newPage(rows, limit), nil
}

// Context returns up to before older and after newer messages around
// messageId. The target must belong to roomId.
func (p *Pager) Context(ctx context.Context, roomId, messageId int64, before, after int) (ContextWindow, error) {
	target, err := p.store.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ContextWindow{}, ErrMessageNotFound
		}
		return ContextWindow{}, fmt.Errorf("context target: %w", err)
	}
	if target.RoomId != roomId {
		return ContextWindow{}, ErrMessageNotFound
	}

	before, after = ClampWindow(before), ClampWindow(after)
	anchor := target.Key()

	older, err := p.store.MessagesBefore(ctx, roomId, &anchor, before+1)
	if err != nil {
		return ContextWindow{}, fmt.Errorf("context older: %w", err)
	}
	newer, err := p.store.MessagesAfter(ctx, roomId, &anchor, after+1)
	if err != nil {
		return ContextWindow{}, fmt.Errorf("context newer: %w", err)
	}

	w := ContextWindow{Target: target}
	if len(older) > before {
		older = older[:before]
		w.HasOlder = true
		w.OlderCursor = EncodeKey(boundary(older, target))
	}
	if len(newer) > after {
		newer = newer[:after]
		w.HasNewer = true
		w.NewerCursor = EncodeKey(boundary(newer, target))
	}

	slices.Reverse(older)
	w.Messages = make([]database.Message, 0, len(older)+1+len(newer))
	w.Messages = append(w.Messages, older...)
	w.Messages = append(w.Messages, target)
	w.Messages = append(w.Messages, newer...)

	return w, nil
}

func parseBound(cursor string) (*database.Keyset, error) {
	if cursor == "" {
		return nil, nil
	}
	c, err := Decode(cursor)
	if err != nil {
		return nil, err
	}
	k := c.Keyset()
	return &k, nil
}

func newPage(rows []database.Message, limit int) Page {
	page := Page{Messages: rows}
	if len(rows) > limit {
		page.Messages = rows[:limit]
		page.HasMore = true
		page.NextCursor = EncodeKey(page.Messages[len(page.Messages)-1].Key())
	}
	return page
}

// boundary is the last row of a fetched slice, in fetch order, or the target
// when nothing was kept on that side.
func boundary(rows []database.Message, target database.Message) database.Keyset {
	if len(rows) == 0 {
		return target.Key()
	}
	return rows[len(rows)-1].Key()
}
