// Package realtime owns the single push connection of the signed-in identity.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/logging"
)

// State is the connection state reported for diagnostics.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Conn is one transport connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a transport connection for an identity.
type Dialer interface {
	Dial(ctx context.Context, id events.Identity) (Conn, error)
}

// Handler receives every frame read on the current session.
type Handler interface {
	HandleEnvelope(id events.Identity, env events.Envelope)
}

// Options tunes the session loop. Zero values take defaults.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	return o
}

// Manager keeps at most one session, bound to one identity. A session dials,
// reads until the connection drops, and redials with backoff until it is torn
// down.
type Manager struct {
	dialer  Dialer
	handler Handler
	bus     *eventbus.EventBus
	log     *slog.Logger
	opts    Options

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex
	// deliverMu makes teardown wait for an in-flight delivery.
	deliverMu sync.Mutex

	mu       sync.Mutex
	identity events.Identity
	bound    bool
	current  *session
	state    State
	opened   int
}

// NewManager creates a Manager. bus may be nil.
func NewManager(dialer Dialer, handler Handler, bus *eventbus.EventBus, opts Options) *Manager {
	return &Manager{
		dialer:  dialer,
		handler: handler,
		bus:     bus,
		log:     logging.ForComponent(logging.CompRealtime),
		opts:    opts.withDefaults(),
	}
}

// Connect binds the manager to (id, role). It is a no-op when already bound
// to the same id and role; otherwise the previous session is fully torn down before the new
// one starts. Connect must not be called from a Handler.
func (m *Manager) Connect(id string, role events.Role) error {
	ident := events.Identity{ID: id, Role: role}
	if err := ident.Validate(); err != nil {
		m.log.Error("connect_without_identity",
			slog.String("id", id),
			slog.String("role", string(role)),
			slog.String("error", err.Error()))
		return err
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.bound && m.identity == ident {
		m.mu.Unlock()
		return nil
	}
	prev := m.current
	m.current = nil
	m.bound = false
	m.mu.Unlock()

	if prev != nil {
		m.log.Info("session_replaced",
			slog.String("from", prev.id.Room()),
			slog.String("to", ident.Room()))
		prev.stop()
	}

	s := newSession(ident)
	m.mu.Lock()
	m.identity = ident
	m.bound = true
	m.current = s
	m.opened++
	m.mu.Unlock()

	go m.run(s)
	return nil
}

// Disconnect tears down the session and forgets the identity. It is safe to
// call when not connected.
func (m *Manager) Disconnect() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.bound = false
	m.identity = events.Identity{}
	m.mu.Unlock()

	if prev == nil {
		return
	}
	prev.stop()
	m.setState(nil, StateDisconnected)
	m.log.Info("session_closed", slog.String("room", prev.id.Room()))
}

// Identity returns the bound identity.
func (m *Manager) Identity() (events.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.bound
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionsOpened counts the sessions Connect has started.
func (m *Manager) SessionsOpened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Join subscribes the current session to room. The room is rejoined after
// every reconnect.
func (m *Manager) Join(room string) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return errors.New("realtime: not connected")
	}
	return s.join(room)
}

func (m *Manager) isCurrent(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == s
}

// setState records st when s is still current (or s is nil) and publishes
// the change.
func (m *Manager) setState(s *session, st State) {
	m.mu.Lock()
	if s != nil && m.current != s {
		m.mu.Unlock()
		return
	}
	changed := m.state != st
	m.state = st
	room := m.identity.Room()
	m.mu.Unlock()

	if changed {
		m.bus.Emit(eventbus.Event{Type: eventbus.EventConnectionState, Channel: room, Data: st})
	}
}

func (m *Manager) deliver(s *session, env events.Envelope) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if !m.isCurrent(s) {
		return
	}
	m.handler.HandleEnvelope(s.id, env)
}

func (m *Manager) run(s *session) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.InitialBackoff
	bo.MaxInterval = m.opts.MaxBackoff

	state := StateConnecting
	for {
		m.setState(s, state)
		state = StateReconnecting

		conn, err := m.dialer.Dial(s.ctx, s.id)
		if err == nil {
			if !s.attach(conn) {
				return
			}
			bo.Reset()
			m.setState(s, StateConnected)
			err = m.serve(s, conn)
			s.detach(conn)
		}
		if s.ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		m.log.Warn("connection_lost",
			slog.String("room", s.id.Room()),
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("retry_in", wait))

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// serve reads frames until the connection fails or the session stops.
func (m *Manager) serve(s *session, conn Conn) error {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.keepalive(m.opts.PingInterval, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := events.ParseEnvelope(raw)
		if err != nil {
			m.log.Debug("frame_dropped", slog.String("error", err.Error()))
			continue
		}
		switch env.Event {
		case events.EvConnected:
			m.log.Info("realtime_connected", slog.String("room", s.id.Room()))
		case events.EvError:
			m.log.Warn("server_error_frame", slog.String("data", string(env.Data)))
		}
		m.deliver(s, env)
	}
}

// session is one Connect call's lifetime, spanning any number of redials.
type session struct {
	id     events.Identity
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex // guards conn, rooms and writes
	conn  Conn
	rooms []string
}

func newSession(id events.Identity) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{id: id, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// stop cancels the session and waits for its goroutine to exit.
func (s *session) stop() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

// attach installs conn and rejoins rooms. It closes conn and reports false
// when the session was stopped while dialing.
func (s *session) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	for _, room := range s.rooms {
		_ = conn.WriteJSON(events.ClientMessage{Type: "join", Room: room})
	}
	return true
}

func (s *session) detach(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	_ = conn.Close()
}

func (s *session) join(room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r == room {
			return nil
		}
	}
	s.rooms = append(s.rooms, room)
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteJSON(events.ClientMessage{Type: "join", Room: room})
}

func (s *session) keepalive(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != nil {
				_ = s.conn.WriteJSON(events.ClientMessage{Type: "ping"})
			}
			s.mu.Unlock()
		}
	}
}
