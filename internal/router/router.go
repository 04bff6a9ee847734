// Package router turns server-pushed frames into normalized events, applies
// them to the booking store and hands them to the registered observers.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/logging"
)

// Reducer owns every state mutation a normalized event causes.
type Reducer interface {
	Apply(role events.Role, ev events.Normalized) bool
}

// Observer is the callback registered for one event kind.
type Observer func(events.Normalized)

// Router is the single dispatch point for both event channels. Each kind has
// at most one observer; registering another replaces it.
type Router struct {
	reducer Reducer
	bus     *eventbus.EventBus
	log     *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	slots map[events.Kind]Observer
}

// New creates a Router. bus may be nil.
func New(reducer Reducer, bus *eventbus.EventBus) *Router {
	return &Router{
		reducer: reducer,
		bus:     bus,
		log:     logging.ForComponent(logging.CompRouter),
		now:     time.Now,
		slots:   make(map[events.Kind]Observer),
	}
}

// On registers fn for kind, replacing any observer already there.
func (r *Router) On(kind events.Kind, fn Observer) {
	r.mu.Lock()
	_, replaced := r.slots[kind]
	r.slots[kind] = fn
	r.mu.Unlock()
	if replaced {
		r.log.Debug("observer_replaced", slog.String("kind", kind.String()))
	}
}

// Off clears the observer for kind.
func (r *Router) Off(kind events.Kind) {
	r.mu.Lock()
	delete(r.slots, kind)
	r.mu.Unlock()
}

// Registered reports whether kind has an observer.
func (r *Router) Registered(kind events.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.slots[kind]
	return ok
}

// HandleEnvelope normalizes a frame received on id's connection and
// dispatches the result under id's role.
func (r *Router) HandleEnvelope(id events.Identity, env events.Envelope) {
	if env.Event.IsControl() {
		r.bus.Emit(eventbus.Event{Type: eventbus.EventHeartbeat, Channel: id.Room(), Data: env.Event})
		return
	}
	evs, err := Normalize(env, r.now())
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrUnknownEvent) {
			level = slog.LevelDebug
		}
		r.log.Log(context.Background(), level, "event_dropped",
			slog.String("event", string(env.Event)),
			slog.String("error", err.Error()))
		return
	}
	for _, ev := range evs {
		r.Dispatch(id.Role, ev)
	}
}

// Dispatch applies ev to the reducer, then invokes the observer for its kind,
// then publishes it on the bus. The reducer runs whether or not an observer
// is registered.
func (r *Router) Dispatch(role events.Role, ev events.Normalized) {
	if r.reducer != nil {
		ev.Applied = r.reducer.Apply(role, ev)
	}

	r.mu.RLock()
	fn := r.slots[ev.Kind]
	r.mu.RUnlock()
	if fn != nil {
		r.invoke(fn, ev)
	}

	r.bus.Emit(eventbus.Event{Type: eventbus.EventRouted, Channel: ev.BookingID, Data: ev})
}

func (r *Router) invoke(fn Observer, ev events.Normalized) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("observer_panic",
				slog.String("kind", ev.Kind.String()),
				slog.String("booking_id", ev.BookingID),
				slog.Any("panic", p))
		}
	}()
	fn(ev)
}
