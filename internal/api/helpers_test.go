package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/rostra/internal/cache"
	"github.com/npezzotti/rostra/internal/database"
	"github.com/npezzotti/rostra/internal/pagination"
	"github.com/npezzotti/rostra/internal/server"
	"github.com/npezzotti/rostra/internal/testutil"
)

const (
	alice   = int64(1)
	bob     = int64(2)
	carol   = int64(3)
	general = int64(10)
	private = int64(30)
)

var testKey = []byte("test-signing-key")

type testApp struct {
	api      *Server
	repo     *database.MemoryRepository
	cs       *server.ChatServer
	verifier *JWTVerifier
}

// newTestApp wires the API onto an in-memory repository seeded with alice and
// bob in general, and carol alone in private.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	log := testutil.TestLogger(t)

	repo := database.NewMemoryRepository()
	repo.AddUser(database.User{Id: alice, Username: "alice"})
	repo.AddUser(database.User{Id: bob, Username: "bob"})
	repo.AddUser(database.User{Id: carol, Username: "carol"})
	repo.AddRoom(database.Room{Id: general, Name: "general", CreatedBy: alice})
	repo.AddRoom(database.Room{Id: private, Name: "private", CreatedBy: carol})
	repo.AddMember(alice, general)
	repo.AddMember(bob, general)
	repo.AddMember(carol, private)

	unread := cache.NewUnreadCache(cache.NoopStore{}, repo, 0, log, nil)
	cs := server.NewChatServer(log, repo, unread, nil, server.Options{})
	verifier := NewJWTVerifier(testKey)
	api := NewServer(log, cs, repo, pagination.NewPager(repo), unread, verifier, http.NotFoundHandler(), Options{
		AllowedOrigins:  []string{"http://localhost:3000"},
		SearchRateLimit: 5,
	})

	return &testApp{api: api, repo: repo, cs: cs, verifier: verifier}
}

func (a *testApp) token(t *testing.T, userId int64) string {
	t.Helper()
	token, err := a.verifier.Issue(userId, time.Hour)
	require.NoError(t, err)
	return token
}

func (a *testApp) do(t *testing.T, method, path string, userId int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userId != 0 {
		req.Header.Set("Authorization", "Bearer "+a.token(t, userId))
	}
	rr := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}
