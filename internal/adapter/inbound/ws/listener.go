package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alfred-project/alfred/internal/adapter/outbound/transactions"
	"github.com/alfred-project/alfred/internal/clock"
)

// Options configures a Listener.
type Options struct {
	MaxFrameSize   int64
	AuthTimeout    time.Duration
	RequestTimeout time.Duration
	CloseLinger    time.Duration
	Metrics        *Metrics
}

// client is one connection slot. The session pointer is nulled when the
// connection closes; the slot itself survives until the linger erase, so
// late callbacks find an existing (but dead) entry.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	session *Session
}

// Listener upgrades connections at /ws and owns the session map.
type Listener struct {
	logger    *slog.Logger
	store     RoleSource
	scheduler clock.Scheduler
	validator TokenValidator
	opts      Options
	upgrader  websocket.Upgrader

	mu         sync.Mutex
	generation uint64
	clients    map[uuid.UUID]*client
}

// NewListener creates the listener.
func NewListener(
	logger *slog.Logger,
	store RoleSource,
	scheduler clock.Scheduler,
	validator TokenValidator,
	opts Options,
) *Listener {
	return &Listener{
		logger:    logger.With("component", "WsListener"),
		store:     store,
		scheduler: scheduler,
		validator: validator,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The HTTP surface is world-readable and WS access is gated by
			// its own authentication, so cross-origin upgrades are accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*client),
	}
}

// ServeHTTP handles the upgrade at /ws. Non-upgrade requests get
// 426 Upgrade Required with an Upgrade header.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "WebSocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure response.
		l.logger.Debug("upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(l.opts.MaxFrameSize)

	var txOpts []transactions.Option
	if l.opts.Metrics != nil {
		txOpts = append(txOpts, transactions.WithAbandonedCounter(l.opts.Metrics.AbandonedTransactions))
	}

	c := &client{conn: conn}
	transport := &clientTransport{listener: l, client: c}
	session := NewSession(
		l.logger, l.store, l.scheduler,
		transport,
		l.validator,
		l.opts.AuthTimeout, l.opts.RequestTimeout,
		txOpts...,
	)
	c.session = session
	transport.id = session.ID()

	l.mu.Lock()
	generation := l.generation
	l.clients[session.ID()] = c
	l.mu.Unlock()
	if l.opts.Metrics != nil {
		l.opts.Metrics.ActiveSessions.Inc()
	}
	l.logger.Info("session opened", "session_id", session.ID(), "remote", conn.RemoteAddr().String())

	session.OnOpened()
	go l.readLoop(session.ID(), generation, c)
}

// readLoop pumps inbound frames into the session until the connection dies.
func (l *Listener) readLoop(id uuid.UUID, generation uint64, c *client) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if session := l.lookup(id); session != nil {
			if l.opts.Metrics != nil {
				l.opts.Metrics.MessagesTotal.Inc()
			}
			session.OnMessage(data)
		}
	}
	l.closeClient(id, generation, false, 0, "")
}

// lookup returns the live session for id, or nil during linger.
func (l *Listener) lookup(id uuid.UUID) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[id]; ok {
		return c.session
	}
	return nil
}

// SessionCount reports how many slots exist, lingering ones included.
func (l *Listener) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// closeClient runs the close protocol once per session: optionally write a
// close frame, close the connection, deliver OnClosed, null the slot, and
// schedule the linger erase. Both the top-down sweep and a session's own
// disconnect land here.
func (l *Listener) closeClient(id uuid.UUID, generation uint64, sendFrame bool, code int, reason string) {
	l.mu.Lock()
	if generation != l.generation {
		l.mu.Unlock()
		return
	}
	c, ok := l.clients[id]
	if !ok || c.session == nil {
		l.mu.Unlock()
		return
	}
	session := c.session
	c.session = nil
	l.mu.Unlock()

	if sendFrame {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, closePayload(code, reason), deadline)
		c.writeMu.Unlock()
	}
	_ = c.conn.Close()
	session.OnClosed()
	if l.opts.Metrics != nil {
		l.opts.Metrics.ActiveSessions.Dec()
	}
	l.logger.Info("session closing", "session_id", id, "linger", l.opts.CloseLinger)

	l.scheduler.ScheduleAt(l.scheduler.Now().Add(l.opts.CloseLinger), func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if generation != l.generation {
			return
		}
		delete(l.clients, id)
	})
}

// Shutdown closes every session and invalidates all deferred callbacks.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	ids := make([]uuid.UUID, 0, len(l.clients))
	for id := range l.clients {
		ids = append(ids, id)
	}
	generation := l.generation
	l.mu.Unlock()

	for _, id := range ids {
		l.closeClient(id, generation, true, websocket.CloseGoingAway, "service stopping")
	}

	l.mu.Lock()
	l.generation++
	l.clients = make(map[uuid.UUID]*client)
	l.mu.Unlock()
}

// closePayload renders a close frame body. Code 1005 means "no status
// present" and must not appear on the wire, so it becomes an empty payload.
func closePayload(code int, reason string) []byte {
	if code == websocket.CloseNoStatusReceived {
		return []byte{}
	}
	return websocket.FormatCloseMessage(code, reason)
}

// clientTransport adapts one connection slot to the session's Transport.
type clientTransport struct {
	listener *Listener
	client   *client
	id       uuid.UUID
}

func (t *clientTransport) Send(message any) error {
	t.client.writeMu.Lock()
	defer t.client.writeMu.Unlock()
	return t.client.conn.WriteJSON(message)
}

func (t *clientTransport) Disconnect(code int, reason string) {
	l := t.listener
	l.mu.Lock()
	generation := l.generation
	l.mu.Unlock()
	l.closeClient(t.id, generation, true, code, reason)
}
