// Package eventbus carries in-process notifications between the realtime
// layer, the booking store and the UI, and fans pushes out to WebSocket
// rooms on the server side.
//
// Unlike the router's observer slots (one callback per kind), the bus is
// multicast: any number of subscribers, each removed by the function
// Subscribe returns.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/homefix/bookingsync/internal/logging"
)

// EventType names what happened.
type EventType string

const (
	EventBookingChanged   EventType = "booking.changed"
	EventBookingForgotten EventType = "booking.forgotten"
	EventOfferChanged     EventType = "offer.changed"
	EventRouted           EventType = "event.routed"
	EventConnectionState  EventType = "connection.state"
	EventToast            EventType = "toast"
	EventNavigate         EventType = "navigate"
	EventPush             EventType = "push"
	EventHeartbeat        EventType = "heartbeat"
)

// Event is a single message emitted on the bus. Channel narrows the event
// to a booking ID (client side) or a push room (server side).
type Event struct {
	Type    EventType
	Channel string
	Data    any
}

// Handler is a callback invoked when an event is emitted.
type Handler func(Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// EventBus delivers every emitted event to every subscriber, in subscription
// order, on the emitting goroutine.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	lastID uint64
	log    *slog.Logger
}

// New creates a ready-to-use EventBus.
func New() *EventBus {
	return &EventBus{log: logging.ForComponent(logging.CompBus)}
}

// Subscribe adds handler and returns the func that removes it. Calling the
// returned func more than once is harmless.
func (b *EventBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	b.lastID++
	id := b.lastID
	b.subs = append(b.subs, subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() { b.remove(id) }
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			// Copy on remove: Emit may still be ranging over the old slice.
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// SubscribeTypes is Subscribe filtered to the listed event types.
func (b *EventBus) SubscribeTypes(handler Handler, types ...EventType) func() {
	want := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return b.Subscribe(func(e Event) {
		if _, ok := want[e.Type]; ok {
			handler(e)
		}
	})
}

// Emit calls each subscriber with event. A panicking handler is logged and
// skipped; the rest still run. Emit on a nil bus does nothing.
func (b *EventBus) Emit(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.call(s.handler, event)
	}
}

func (b *EventBus) call(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus_handler_panic",
				slog.String("event", string(event.Type)),
				slog.String("channel", event.Channel),
				slog.Any("panic", r))
		}
	}()
	h(event)
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
