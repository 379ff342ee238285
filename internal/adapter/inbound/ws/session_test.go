package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfred-project/alfred/internal/clock"
	"github.com/alfred-project/alfred/internal/domain/access"
)

// fakeTransport records sends and disconnects from the session.
type fakeTransport struct {
	messages    chan any
	disconnects chan int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages:    make(chan any, 16),
		disconnects: make(chan int, 4),
	}
}

func (t *fakeTransport) Send(message any) error {
	t.messages <- message
	return nil
}

func (t *fakeTransport) Disconnect(code int, _ string) {
	t.disconnects <- code
}

func (t *fakeTransport) expectMessage(test *testing.T) any {
	test.Helper()
	select {
	case m := <-t.messages:
		return m
	case <-time.After(2 * time.Second):
		test.Fatal("no message sent")
		return nil
	}
}

func (t *fakeTransport) expectNoMessage(test *testing.T) {
	test.Helper()
	select {
	case m := <-t.messages:
		test.Fatalf("unexpected message %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func (t *fakeTransport) expectDisconnect(test *testing.T) int {
	test.Helper()
	select {
	case code := <-t.disconnects:
		return code
	case <-time.After(2 * time.Second):
		test.Fatal("no disconnect")
		return 0
	}
}

func (t *fakeTransport) expectNoDisconnect(test *testing.T) {
	test.Helper()
	select {
	case <-t.disconnects:
		test.Fatal("unexpected disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeStore serves a fixed Roles table through the administrative path.
type fakeStore struct {
	roles map[string]any
}

func (s *fakeStore) Get(path []string, _ access.RoleSet) any {
	if len(path) == 1 && path[0] == "Roles" {
		return s.roles
	}
	return nil
}

// fakeValidator resolves tokens from a fixed table; an optional gate holds
// completions back until released.
type fakeValidator struct {
	userIDs map[string]string
	gate    chan struct{}
}

func (v *fakeValidator) Validate(_ context.Context, token string) (string, error) {
	if v.gate != nil {
		<-v.gate
	}
	if id, ok := v.userIDs[token]; ok {
		return id, nil
	}
	return "", errors.New("token rejected")
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *clock.Manual) {
	t.Helper()
	return newTestSessionWith(t, &fakeValidator{})
}

func newTestSessionWith(t *testing.T, validator TokenValidator) (*Session, *fakeTransport, *clock.Manual) {
	t.Helper()
	transport := newFakeTransport()
	scheduler := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := &fakeStore{roles: map[string]any{
		"key:abc":         []any{"editor"},
		"twitch:44322889": []any{"viewer", "subscriber"},
	}}
	session := NewSession(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		store, scheduler, transport, validator,
		5*time.Second, time.Second,
	)
	session.OnOpened()
	return session, transport, scheduler
}

func TestSession_AuthenticateByKey(t *testing.T) {
	session, transport, scheduler := newTestSession(t)

	session.OnMessage([]byte(`{"type":"Authenticate","key":"abc"}`))

	msg := transport.expectMessage(t)
	if got, ok := msg.(authenticatedMessage); !ok || got.Type != "Authenticated" {
		t.Errorf("expected Authenticated, got %v", msg)
	}
	if !session.Authenticated() {
		t.Error("session not in authenticated state")
	}
	if !session.Roles().Contains("editor") {
		t.Errorf("expected role editor, held %v", session.Roles())
	}
	if scheduler.PendingCount() != 0 {
		t.Error("authentication timer still armed")
	}
	transport.expectNoDisconnect(t)
}

func TestSession_AuthenticateUnknownKeyCloses(t *testing.T) {
	session, transport, _ := newTestSession(t)

	session.OnMessage([]byte(`{"type":"Authenticate","key":"wrong"}`))

	msg := transport.expectMessage(t)
	if got, ok := msg.(errorMessage); !ok || got.Message != "Invalid credentials" {
		t.Errorf("expected Invalid credentials error, got %v", msg)
	}
	transport.expectDisconnect(t)
	if session.Authenticated() {
		t.Error("session authenticated on bad key")
	}
}

func TestSession_AuthenticationTimeout(t *testing.T) {
	_, transport, scheduler := newTestSession(t)

	scheduler.Advance(4 * time.Second)
	transport.expectNoMessage(t)
	transport.expectNoDisconnect(t)

	scheduler.Advance(time.Second)
	msg := transport.expectMessage(t)
	if got, ok := msg.(errorMessage); !ok || got.Message != "Authentication timeout" {
		t.Errorf("expected Authentication timeout, got %v", msg)
	}
	if code := transport.expectDisconnect(t); code != websocket.CloseNoStatusReceived {
		t.Errorf("close code = %d, want 1005", code)
	}
}

func TestSession_UnknownTypeDoesNotClose(t *testing.T) {
	session, transport, _ := newTestSession(t)

	session.OnMessage([]byte(`{"type":"Frobnicate"}`))

	msg := transport.expectMessage(t)
	if got, ok := msg.(errorMessage); !ok || got.Message != "Unknown message type: Frobnicate" {
		t.Errorf("unexpected reply %v", msg)
	}
	transport.expectNoDisconnect(t)

	// The session is still usable.
	session.OnMessage([]byte(`{"type":"Authenticate","key":"abc"}`))
	if got := transport.expectMessage(t); got.(authenticatedMessage).Type != "Authenticated" {
		t.Errorf("expected Authenticated after unknown type, got %v", got)
	}
}

func TestSession_MalformedMessageCloses(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"not an object", `[1,2,3]`},
		{"missing type", `{"key":"abc"}`},
		{"non-string type", `{"type":7}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session, transport, _ := newTestSession(t)

			session.OnMessage([]byte(tc.frame))

			msg := transport.expectMessage(t)
			if got, ok := msg.(errorMessage); !ok || got.Message != "malformed message received" {
				t.Errorf("unexpected reply %v", msg)
			}
			transport.expectDisconnect(t)
		})
	}
}

func TestSession_ReauthenticationCloses(t *testing.T) {
	session, transport, _ := newTestSession(t)

	session.OnMessage([]byte(`{"type":"Authenticate","key":"abc"}`))
	transport.expectMessage(t) // Authenticated

	session.OnMessage([]byte(`{"type":"Authenticate","key":"abc"}`))
	msg := transport.expectMessage(t)
	if got, ok := msg.(errorMessage); !ok || got.Message != "Already authenticated" {
		t.Errorf("unexpected reply %v", msg)
	}
	transport.expectDisconnect(t)
}

func TestSession_GreetingGetsNotice(t *testing.T) {
	session, transport, _ := newTestSession(t)

	session.OnMessage([]byte(`{"type":"Greeting","message":"hi there"}`))

	msg := transport.expectMessage(t)
	if got, ok := msg.(noticeMessage); !ok || got.Type != "Notice" || got.Message != "hi there" {
		t.Errorf("unexpected reply %v", msg)
	}
	transport.expectNoDisconnect(t)
}

func TestSession_AuthenticateByTwitch(t *testing.T) {
	validator := &fakeValidator{userIDs: map[string]string{"tok": "44322889"}}
	session, transport, _ := newTestSessionWith(t, validator)

	session.OnMessage([]byte(`{"type":"Authenticate","twitch":"tok"}`))

	msg := transport.expectMessage(t)
	if got, ok := msg.(authenticatedMessage); !ok || got.Type != "Authenticated" {
		t.Fatalf("expected Authenticated, got %v", msg)
	}
	roles := session.Roles()
	if !roles.Contains("viewer") || !roles.Contains("subscriber") {
		t.Errorf("expected twitch roles, held %v", roles)
	}
}

func TestSession_TwitchRejectionCloses(t *testing.T) {
	validator := &fakeValidator{} // rejects everything
	session, transport, _ := newTestSessionWith(t, validator)

	session.OnMessage([]byte(`{"type":"Authenticate","twitch":"bad"}`))

	msg := transport.expectMessage(t)
	if got, ok := msg.(errorMessage); !ok || got.Message != "Invalid credentials" {
		t.Errorf("unexpected reply %v", msg)
	}
	transport.expectDisconnect(t)
}

func TestSession_TwitchCompletionAfterCloseIsAbandoned(t *testing.T) {
	validator := &fakeValidator{
		userIDs: map[string]string{"tok": "44322889"},
		gate:    make(chan struct{}),
	}
	session, transport, _ := newTestSessionWith(t, validator)

	session.OnMessage([]byte(`{"type":"Authenticate","twitch":"tok"}`))
	session.OnClosed()
	close(validator.gate)

	transport.expectNoMessage(t)
	if session.Authenticated() {
		t.Error("session authenticated after close")
	}
}
