package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peridot/api/internal/quota"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readType(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestSocketEndToEnd(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, nil)
	h := NewHandler(registry, dispatcher, knownUsers("u1"), nil, Options{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	first, second := dial(t, srv), dial(t, srv)
	for _, ws := range []*websocket.Conn{first, second} {
		assert.Equal(t, MessageConnectionEstablished, readType(t, ws)["type"])
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "authenticate", "userId": "u1"}))
		assert.Equal(t, MessageAuthenticated, readType(t, ws)["type"])
	}
	require.Eventually(t, func() bool { return registry.Size("u1") == 2 }, time.Second, 10*time.Millisecond)

	dispatcher.Publish(context.Background(), "u1", StorageUpdated(quota.Usage{TotalBytes: 200, UsedBytes: 50}))
	for _, ws := range []*websocket.Conn{first, second} {
		msg := readType(t, ws)
		assert.Equal(t, MessageStorageUpdate, msg["type"])
	}

	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte("garbage")))
	assert.Equal(t, MessageError, readType(t, first)["type"])

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return registry.Size("u1") == 1 }, 2*time.Second, 10*time.Millisecond)
}
