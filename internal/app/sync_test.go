package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSync(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var msg map[string]any
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestMutationsReachLiveSockets(t *testing.T) {
	env := newTestEnv(t, 0)
	token, _ := env.signUp(t, "avery")
	owner, err := env.service.Subject(context.Background(), token)
	if err != nil {
		t.Fatalf("Subject() error = %v", err)
	}
	other, _ := env.signUp(t, "blake")
	otherOwner, _ := env.service.Subject(context.Background(), other)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	mine := dialSync(t, srv, "/api/ws/sync/")
	theirs := dialSync(t, srv, "/ws/sync")
	for ws, auth := range map[*websocket.Conn]map[string]string{
		mine:   {"type": "authenticate", "userId": owner, "token": token},
		theirs: {"type": "authenticate", "userId": otherOwner},
	} {
		if msg := readFrame(t, ws); msg["type"] != "connection-established" {
			t.Fatalf("expected connection-established, got %v", msg)
		}
		if err := ws.WriteJSON(auth); err != nil {
			t.Fatal(err)
		}
		if msg := readFrame(t, ws); msg["type"] != "authenticated" {
			t.Fatalf("expected authenticated, got %v", msg)
		}
	}

	deadline := time.Now().Add(time.Second)
	for env.registry.Size(owner) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	rr := env.do(t, http.MethodPost, "/api/notes/", token, map[string]any{"id": 3, "content": "hi"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rr.Code)
	}

	synced := readFrame(t, mine)
	if synced["type"] != "sync-update" || synced["status"] != "synced" || synced["noteId"] != float64(3) {
		t.Fatalf("unexpected first frame %v", synced)
	}
	storage := readFrame(t, mine)
	if storage["type"] != "storage-update" {
		t.Fatalf("expected storage-update, got %v", storage)
	}

	// Another owner's socket sees nothing.
	_ = theirs.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray map[string]any
	if err := theirs.ReadJSON(&stray); err == nil {
		t.Fatalf("unexpected frame for other owner: %v", stray)
	}
}

func TestSocketRejectsUnknownAccount(t *testing.T) {
	env := newTestEnv(t, 0)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ws := dialSync(t, srv, "/api/ws/sync")
	readFrame(t, ws)
	if err := ws.WriteJSON(map[string]string{"type": "authenticate", "userId": "ghost"}); err != nil {
		t.Fatal(err)
	}
	msg := readFrame(t, ws)
	if msg["type"] != "error" || msg["code"] != "AUTH_FAILED" {
		t.Fatalf("expected AUTH_FAILED error, got %v", msg)
	}
}
