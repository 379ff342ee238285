package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/alfred-project/alfred/internal/clock"
)

func newTestListener(t *testing.T) (*Listener, *httptest.Server, *clock.Manual) {
	t.Helper()
	scheduler := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := &fakeStore{roles: map[string]any{"key:abc": []any{"editor"}}}
	listener := NewListener(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		store, scheduler, &fakeValidator{},
		Options{
			MaxFrameSize:   65536,
			AuthTimeout:    5 * time.Second,
			RequestTimeout: time.Second,
			CloseLinger:    time.Second,
		},
	)
	srv := httptest.NewServer(listener)
	t.Cleanup(srv.Close)
	t.Cleanup(listener.Shutdown)
	return listener, srv, scheduler
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readTyped(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("undecodable frame %q: %v", data, err)
	}
	return msg
}

func waitForSessions(t *testing.T, l *Listener, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.SessionCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session count never reached %d (have %d)", want, l.SessionCount())
}

func TestListener_PlainRequestGets426(t *testing.T) {
	_, srv, _ := newTestListener(t)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
	if got := resp.Header.Get("Upgrade"); got != "websocket" {
		t.Errorf("Upgrade header = %q, want websocket", got)
	}
}

func TestListener_KeyAuthenticationOverWire(t *testing.T) {
	_, srv, _ := newTestListener(t)
	conn := dial(t, srv)

	if err := conn.WriteJSON(map[string]any{"type": "Authenticate", "key": "abc"}); err != nil {
		t.Fatal(err)
	}
	msg := readTyped(t, conn)
	if msg["type"] != "Authenticated" {
		t.Errorf("reply = %v, want Authenticated", msg)
	}
}

func TestListener_AuthTimeoutClosesAndLingers(t *testing.T) {
	listener, srv, scheduler := newTestListener(t)
	conn := dial(t, srv)
	waitForSessions(t, listener, 1)

	scheduler.Advance(5 * time.Second)

	msg := readTyped(t, conn)
	if msg["type"] != "Error" || msg["message"] != "Authentication timeout" {
		t.Fatalf("reply = %v, want Authentication timeout error", msg)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after timeout")
	}

	// The slot survives the linger window, then is erased.
	if listener.SessionCount() != 1 {
		t.Errorf("slot erased before linger, count = %d", listener.SessionCount())
	}
	scheduler.Advance(time.Second)
	if listener.SessionCount() != 0 {
		t.Errorf("slot not erased after linger, count = %d", listener.SessionCount())
	}
}

func TestListener_MalformedFrameClosesConnection(t *testing.T) {
	_, srv, _ := newTestListener(t)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`)); err != nil {
		t.Fatal(err)
	}
	msg := readTyped(t, conn)
	if msg["type"] != "Error" {
		t.Fatalf("reply = %v, want Error", msg)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after malformed frame")
	}
}

func TestListener_UnknownTypeKeepsConnection(t *testing.T) {
	_, srv, _ := newTestListener(t)
	conn := dial(t, srv)

	if err := conn.WriteJSON(map[string]any{"type": "Bogus"}); err != nil {
		t.Fatal(err)
	}
	msg := readTyped(t, conn)
	if msg["type"] != "Error" {
		t.Fatalf("reply = %v, want Error", msg)
	}

	// Still able to authenticate afterwards.
	if err := conn.WriteJSON(map[string]any{"type": "Authenticate", "key": "abc"}); err != nil {
		t.Fatal(err)
	}
	if msg := readTyped(t, conn); msg["type"] != "Authenticated" {
		t.Errorf("reply = %v, want Authenticated", msg)
	}
}

func TestListener_ShutdownSweepsSessions(t *testing.T) {
	listener, srv, _ := newTestListener(t)
	conn := dial(t, srv)
	waitForSessions(t, listener, 1)

	listener.Shutdown()
	if listener.SessionCount() != 0 {
		t.Errorf("sessions remain after shutdown: %d", listener.SessionCount())
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after shutdown")
	}
}
