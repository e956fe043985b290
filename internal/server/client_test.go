package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/rostra/internal/testutil"
)

func TestClient_Send(t *testing.T) {
	c := NewClient(alice, nil, nil, testutil.TestLogger(t))
	assert.NotEmpty(t, c.Id())
	assert.Equal(t, alice, c.User())

	for range sendBufferSize {
		require.NoError(t, c.Send([]byte("{}")))
	}
	assert.ErrorIs(t, c.Send([]byte("{}")), ErrSendBufferFull)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send([]byte("{}")), ErrClientClosed)
}

func newWsServer(t *testing.T, cs *ChatServer) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		user := alice
		if r.URL.Query().Get("as") == "bob" {
			user = bob
		}
		c := NewClient(user, conn, cs, testutil.TestLogger(t))
		cs.Register(c, user)
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, as string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?as=" + as
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestClient_websocket(t *testing.T) {
	cs := newTestChatServer(t, newTestRepo(), nil, nil, Options{})
	srv := newWsServer(t, cs)

	a := dial(t, srv, "alice")
	b := dial(t, srv, "bob")
	require.Eventually(t, func() bool { return cs.Registry().ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","room_id":10}`)))
	assert.Equal(t, EventSubscribed, readEvent(t, a)["type"])
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","room_id":10}`)))
	assert.Equal(t, EventSubscribed, readEvent(t, b)["type"])
	assert.Equal(t, EventUserJoined, readEvent(t, a)["type"])

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"action":"send_message","room_id":10,"content":"hi bob"}`)))
	ev := readEvent(t, b)
	assert.Equal(t, EventNewMessage, ev["type"])
	assert.Equal(t, "hi bob", ev["message"].(map[string]any)["content"])
	assert.Equal(t, EventNewMessage, readEvent(t, a)["type"])

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	assert.Equal(t, "invalid message format", readEvent(t, a)["message"])

	b.Close()
	ev = readEvent(t, a)
	assert.Equal(t, EventUserLeft, ev["type"])
	assert.Equal(t, "bob", ev["user"].(map[string]any)["username"])
	require.Eventually(t, func() bool { return cs.Registry().ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestClient_shutdownSendsClose(t *testing.T) {
	cs := newTestChatServer(t, newTestRepo(), nil, nil, Options{})
	srv := newWsServer(t, cs)

	a := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return cs.Registry().ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	go cs.Shutdown(t.Context())

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected a going away close, got %v", err)
	require.Eventually(t, func() bool { return cs.Registry().ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}
