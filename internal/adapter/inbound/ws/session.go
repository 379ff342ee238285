// Package ws is the inbound WebSocket adapter: the listener that upgrades
// connections at /ws and the per-connection session state machine handling
// authentication, message dispatch, and the linger close protocol.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alfred-project/alfred/internal/adapter/outbound/transactions"
	"github.com/alfred-project/alfred/internal/clock"
	"github.com/alfred-project/alfred/internal/domain/access"
)

// RoleSource is the store surface sessions resolve identities against.
type RoleSource interface {
	Get(path []string, held access.RoleSet) any
}

// TokenValidator checks an OAuth token and returns the provider's user id.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// Transport is the session's outbound surface, implemented by the listener
// for each connection.
type Transport interface {
	Send(message any) error
	Disconnect(code int, reason string)
}

type sessionState int

const (
	stateOpened sessionState = iota
	stateAwaitingAuth
	stateAuthenticated
	stateClosing
	stateDropped
)

func (s sessionState) String() string {
	switch s {
	case stateOpened:
		return "Opened"
	case stateAwaitingAuth:
		return "AwaitingAuth"
	case stateAuthenticated:
		return "Authenticated"
	case stateClosing:
		return "Closing"
	default:
		return "Dropped"
	}
}

// outcome is what a locked state transition wants performed after the
// session lock is released: sends first, then an optional disconnect. The
// lock is never held across transport calls.
type outcome struct {
	messages   []any
	disconnect bool
	code       int
	reason     string
}

func (o *outcome) send(m any) { o.messages = append(o.messages, m) }

func (o *outcome) close(reason string) {
	o.disconnect = true
	o.code = websocket.CloseNoStatusReceived
	o.reason = reason
}

// handler processes one inbound message type under the session lock.
type handler func(s *Session, data []byte, out *outcome)

// handlers is the dispatch table. Types absent from it are unknown: they
// produce an Error frame but keep the session open.
var handlers = map[string]handler{
	"Authenticate": (*Session).handleAuthenticate,
	"Greeting":     (*Session).handleGreeting,
}

// Session is the per-connection state machine.
type Session struct {
	mu sync.Mutex

	id        uuid.UUID
	logger    *slog.Logger
	store     RoleSource
	scheduler clock.Scheduler
	transport Transport
	validator TokenValidator

	authTimeout    time.Duration
	requestTimeout time.Duration

	state       sessionState
	identifiers map[string]struct{}
	roles       access.RoleSet

	timerArmed bool
	timerToken int

	transactions *transactions.Tracker
}

// NewSession creates a session in the Opened state.
func NewSession(
	logger *slog.Logger,
	store RoleSource,
	scheduler clock.Scheduler,
	transport Transport,
	validator TokenValidator,
	authTimeout, requestTimeout time.Duration,
	opts ...transactions.Option,
) *Session {
	id := uuid.New()
	return &Session{
		id:             id,
		logger:         logger.With("component", "Session", "session_id", id.String()),
		store:          store,
		scheduler:      scheduler,
		transport:      transport,
		validator:      validator,
		authTimeout:    authTimeout,
		requestTimeout: requestTimeout,
		state:          stateOpened,
		identifiers:    make(map[string]struct{}),
		roles:          access.NewRoleSet(),
		transactions:   transactions.New(logger, id.String(), opts...),
	}
}

// ID returns the session's identity.
func (s *Session) ID() uuid.UUID { return s.id }

// Roles returns a copy of the session's held roles.
func (s *Session) Roles() access.RoleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles.Clone()
}

// Authenticated reports whether the session has completed authentication.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAuthenticated
}

// OnOpened moves the session to AwaitingAuth and arms the authentication
// deadline.
func (s *Session) OnOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpened {
		return
	}
	s.state = stateAwaitingAuth
	s.timerArmed = true
	s.timerToken = s.scheduler.ScheduleAt(
		s.scheduler.Now().Add(s.authTimeout), s.onAuthTimeout)
	s.logger.Debug("session awaiting authentication", "timeout", s.authTimeout)
}

// OnMessage dispatches one inbound text frame.
func (s *Session) OnMessage(data []byte) {
	s.mu.Lock()
	var out outcome
	s.dispatchLocked(data, &out)
	s.mu.Unlock()
	s.perform(out)
}

// OnClosed finalizes the session: cancels the auth deadline and abandons
// outstanding transactions. Safe to call more than once.
func (s *Session) OnClosed() {
	s.mu.Lock()
	if s.state == stateDropped {
		s.mu.Unlock()
		return
	}
	s.state = stateDropped
	s.cancelTimerLocked()
	s.mu.Unlock()
	s.transactions.Destroy()
	s.logger.Debug("session closed")
}

func (s *Session) dispatchLocked(data []byte, out *outcome) {
	if s.state == stateClosing || s.state == stateDropped {
		return
	}
	msgType, ok := decodeEnvelope(data)
	if !ok {
		s.logger.Warn("malformed message received")
		s.state = stateClosing
		out.send(newError("malformed message received"))
		out.close("malformed message")
		return
	}
	h, known := handlers[msgType]
	if !known {
		out.send(newError(fmt.Sprintf("Unknown message type: %s", msgType)))
		return
	}
	h(s, data, out)
}

func (s *Session) perform(out outcome) {
	for _, m := range out.messages {
		if err := s.transport.Send(m); err != nil {
			s.logger.Debug("send failed", "error", err)
		}
	}
	if out.disconnect {
		s.transport.Disconnect(out.code, out.reason)
	}
}

func (s *Session) cancelTimerLocked() {
	if s.timerArmed {
		s.scheduler.Cancel(s.timerToken)
		s.timerArmed = false
	}
}

// onAuthTimeout fires when the authentication deadline passes.
func (s *Session) onAuthTimeout() {
	s.mu.Lock()
	var out outcome
	if s.state == stateAwaitingAuth {
		s.logger.Info("authentication timeout")
		s.state = stateClosing
		s.timerArmed = false
		out.send(newError("Authentication timeout"))
		out.close("authentication timeout")
	}
	s.mu.Unlock()
	s.perform(out)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Session) handleAuthenticate(data []byte, out *outcome) {
	if s.state == stateAuthenticated {
		s.state = stateClosing
		out.send(newError("Already authenticated"))
		out.close("reauthentication")
		return
	}

	var msg authenticateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.state = stateClosing
		out.send(newError("malformed message received"))
		out.close("malformed message")
		return
	}

	switch {
	case msg.Key != "":
		s.authenticateIdentifierLocked("key:"+msg.Key, out)
	case msg.Twitch != "":
		s.beginTwitchValidationLocked(msg.Twitch, out)
	default:
		s.state = stateClosing
		out.send(newError("Invalid credentials"))
		out.close("invalid credentials")
	}
}

func (s *Session) handleGreeting(data []byte, out *outcome) {
	var msg greetingMessage
	_ = json.Unmarshal(data, &msg)
	out.send(newNotice(msg.Message))
}

// authenticateIdentifierLocked resolves identifier against the document's
// Roles table and completes authentication on success.
func (s *Session) authenticateIdentifierLocked(identifier string, out *outcome) {
	listed, ok := s.lookupRoles(identifier)
	if !ok {
		s.logger.Info("authentication rejected", "identifier", identifier)
		s.state = stateClosing
		out.send(newError("Invalid credentials"))
		out.close("invalid credentials")
		return
	}

	if _, dup := s.identifiers[identifier]; !dup {
		s.identifiers[identifier] = struct{}{}
		for _, role := range listed {
			s.roles.Add(role)
		}
	}
	s.state = stateAuthenticated
	s.cancelTimerLocked()
	s.logger.Info("session authenticated", "identifier", identifier, "roles", listed)
	out.send(newAuthenticated())
}

// lookupRoles reads Roles[identifier] through the administrative path.
func (s *Session) lookupRoles(identifier string) ([]string, bool) {
	table, ok := s.store.Get([]string{"Roles"}, nil).(map[string]any)
	if !ok {
		return nil, false
	}
	entry, ok := table[identifier].([]any)
	if !ok {
		return nil, false
	}
	roles := make([]string, 0, len(entry))
	for _, r := range entry {
		if role, isString := r.(string); isString {
			roles = append(roles, role)
		}
	}
	return roles, true
}

// beginTwitchValidationLocked starts the outbound token validation. The
// session stays in AwaitingAuth; completion re-enters under the lock and is
// dropped when the session was destroyed in the meantime.
func (s *Session) beginTwitchValidationLocked(token string, _ *outcome) {
	txID, ok := s.transactions.Begin("twitch token validation")
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		defer cancel()
		userID, err := s.validator.Validate(ctx, token)
		if !s.transactions.Finish(txID) {
			return
		}
		s.completeTwitchValidation(userID, err)
	}()
}

func (s *Session) completeTwitchValidation(userID string, err error) {
	s.mu.Lock()
	var out outcome
	if s.state == stateAwaitingAuth {
		if err != nil {
			s.logger.Info("twitch validation failed", "error", err)
			s.state = stateClosing
			out.send(newError("Invalid credentials"))
			out.close("invalid credentials")
		} else {
			s.authenticateIdentifierLocked("twitch:"+userID, &out)
		}
	}
	s.mu.Unlock()
	s.perform(out)
}
