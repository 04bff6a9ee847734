package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/logging"
)

// WSConn is the write side of a push connection.
type WSConn interface {
	WriteJSON(v any) error
}

// ErrJoinDenied is returned for a join to a room the client may not watch.
var ErrJoinDenied = errors.New("eventbus: join denied")

// JoinAuthorizer reports whether identity may follow the booking's room.
type JoinAuthorizer func(identity events.Identity, bookingID string) bool

type member struct {
	conn     WSConn
	identity events.Identity
	rooms    map[string]struct{}
}

// Hub is the server side of the push transport. A client starts in its
// identity room and may join booking rooms; EventPush events on the bus are
// written to every member of the event's room. A client whose write fails is
// dropped from every room.
type Hub struct {
	bus   *EventBus
	log   *slog.Logger
	unsub func()

	mu        sync.RWMutex
	members   map[string]*member            // client ID
	rooms     map[string]map[string]*member // room -> client ID
	seq       uint64
	authorize JoinAuthorizer
}

// NewHub creates a Hub fed by the EventPush events of bus.
func NewHub(bus *EventBus) *Hub {
	h := &Hub{
		bus:     bus,
		log:     logging.ForComponent(logging.CompBus),
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]*member),
	}
	h.unsub = bus.SubscribeTypes(h.deliver, EventPush)
	return h
}

// Push emits env to room through bus.
func Push(bus *EventBus, room string, env events.Envelope) {
	bus.Emit(Event{Type: EventPush, Channel: room, Data: env})
}

// RegisterClient adds conn in the identity's room and returns its client ID.
func (h *Hub) RegisterClient(conn WSConn, identity events.Identity) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	id := "client-" + strconv.FormatUint(h.seq, 10)
	m := &member{conn: conn, identity: identity, rooms: make(map[string]struct{})}
	h.members[id] = m
	h.join(id, m, identity.Room())
	return id
}

// UnregisterClient removes a client from the hub. Unknown IDs are ignored.
func (h *Hub) UnregisterClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(id)
}

// join and drop require h.mu held for writing.
func (h *Hub) join(id string, m *member, room string) {
	m.rooms[room] = struct{}{}
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[string]*member)
		h.rooms[room] = set
	}
	set[id] = m
}

func (h *Hub) leave(id string, m *member, room string) {
	delete(m.rooms, room)
	if set, ok := h.rooms[room]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) drop(id string) {
	m, ok := h.members[id]
	if !ok {
		return
	}
	for room := range m.rooms {
		h.leave(id, m, room)
	}
	delete(h.members, id)
}

// SetJoinAuthorizer installs the check for booking room joins. Without one
// only admins may join booking rooms.
func (h *Hub) SetJoinAuthorizer(fn JoinAuthorizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorize = fn
}

// HandleMessage applies a client frame: join or leave a room, or ping.
// Leaving the identity room is ignored. A client may join its own identity
// room and booking rooms it is authorized for; any other join returns
// ErrJoinDenied.
func (h *Hub) HandleMessage(clientID string, raw json.RawMessage) error {
	var msg events.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("eventbus: invalid client message: %w", err)
	}

	h.mu.RLock()
	m, ok := h.members[clientID]
	authorize := h.authorize
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("eventbus: unknown client %q", clientID)
	}

	switch msg.Type {
	case "join":
		if msg.Room == "" {
			return fmt.Errorf("eventbus: join without room")
		}
		if !mayJoin(m.identity, msg.Room, authorize) {
			h.log.Warn("push_join_denied",
				slog.String("client_id", clientID),
				slog.String("identity", m.identity.Room()),
				slog.String("room", msg.Room))
			return fmt.Errorf("%w: %s", ErrJoinDenied, msg.Room)
		}
		h.mu.Lock()
		if h.members[clientID] == m {
			h.join(clientID, m, msg.Room)
		}
		h.mu.Unlock()
	case "leave":
		if msg.Room == m.identity.Room() {
			return nil
		}
		h.mu.Lock()
		if h.members[clientID] == m {
			h.leave(clientID, m, msg.Room)
		}
		h.mu.Unlock()
	case "ping":
		return m.conn.WriteJSON(events.Envelope{Event: events.EvPong})
	default:
		return fmt.Errorf("eventbus: unknown message type %q", msg.Type)
	}
	return nil
}

// mayJoin runs without h.mu so authorize can do I/O.
func mayJoin(identity events.Identity, room string, authorize JoinAuthorizer) bool {
	if room == identity.Room() {
		return true
	}
	bookingID, ok := events.BookingIDFromRoom(room)
	if !ok {
		return false
	}
	if authorize == nil {
		return identity.Role == events.RoleAdmin
	}
	return authorize(identity, bookingID)
}

func (h *Hub) deliver(event Event) {
	env, ok := event.Data.(events.Envelope)
	if !ok {
		return
	}

	var failed []string
	h.mu.RLock()
	for id, m := range h.rooms[event.Channel] {
		if err := m.conn.WriteJSON(env); err != nil {
			h.log.Debug("push_write_failed",
				slog.String("client_id", id),
				slog.String("room", event.Channel),
				slog.String("error", err.Error()))
			failed = append(failed, id)
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, id := range failed {
			h.drop(id)
		}
		h.mu.Unlock()
	}
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Close detaches the hub from the bus and forgets every client.
func (h *Hub) Close() {
	h.unsub()
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.members)
	clear(h.rooms)
}
