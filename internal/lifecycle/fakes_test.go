package lifecycle

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/router"
)

// fakeAPI implements BookingAPI for testing. GetBooking serves records from
// a map unless getHook is set.
type fakeAPI struct {
	mu       sync.Mutex
	records  map[string]booking.Record
	active   string
	getHook  func(ctx context.Context, id string, call int) (booking.Record, error)
	getCalls int
	calls    []string
	respond  []bool
	err      error
}

func newFakeAPI(recs ...booking.Record) *fakeAPI {
	f := &fakeAPI{records: make(map[string]booking.Record)}
	for _, r := range recs {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeAPI) set(rec booking.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAPI) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeAPI) GetBooking(ctx context.Context, id string) (booking.Record, error) {
	f.mu.Lock()
	f.getCalls++
	n := f.getCalls
	hook := f.getHook
	rec, ok := f.records[id]
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, id, n)
	}
	if !ok {
		return booking.Record{}, &api.Error{Status: 404, Code: api.CodeNotFound}
	}
	return rec.Clone(), nil
}

func (f *fakeAPI) GetActiveBooking(ctx context.Context) (booking.Record, error) {
	f.mu.Lock()
	id := f.active
	f.mu.Unlock()
	if id == "" {
		return booking.Record{}, &api.Error{Status: 404, Code: api.CodeNotFound}
	}
	return f.GetBooking(ctx, id)
}

func (f *fakeAPI) CancelBooking(_ context.Context, id, reason string) error {
	f.record("cancel:" + id + ":" + reason)
	return f.err
}

func (f *fakeAPI) RespondExtraCharge(_ context.Context, bookingID, chargeID string, approve bool) error {
	action := "reject"
	if approve {
		action = "approve"
	}
	f.record("charge:" + bookingID + ":" + chargeID + ":" + action)
	return f.err
}

func (f *fakeAPI) RespondJobOffer(_ context.Context, bookingID string, accept bool) error {
	f.mu.Lock()
	f.respond = append(f.respond, accept)
	f.mu.Unlock()
	action := "reject"
	if accept {
		action = "accept"
	}
	f.record("offer:" + bookingID + ":" + action)
	return f.err
}

func (f *fakeAPI) VerifyOTP(_ context.Context, bookingID, otp string) error {
	f.record("otp:" + bookingID + ":" + otp)
	return f.err
}

func (f *fakeAPI) UpdateBookingStatus(_ context.Context, bookingID string, status booking.Status) error {
	f.record("status:" + bookingID + ":" + string(status))
	return f.err
}

func (f *fakeAPI) AddExtraCharge(_ context.Context, bookingID string, req api.ExtraChargeRequest) (booking.ExtraCharge, error) {
	f.record("extra:" + bookingID + ":" + req.Title)
	if f.err != nil {
		return booking.ExtraCharge{}, f.err
	}
	return booking.ExtraCharge{ID: "E1", Title: req.Title, Amount: req.Amount, Status: booking.ChargePending}, nil
}

// fakeClock implements Clock for testing. Advance fires due timers in the
// calling goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// busRecorder captures toasts and navigations.
type busRecorder struct {
	mu     sync.Mutex
	toasts []Toast
	navs   []Navigation
}

func recordBus(bus *eventbus.EventBus) *busRecorder {
	r := &busRecorder{}
	bus.SubscribeTypes(func(e eventbus.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		switch d := e.Data.(type) {
		case Toast:
			r.toasts = append(r.toasts, d)
		case Navigation:
			r.navs = append(r.navs, d)
		}
	}, eventbus.EventToast, eventbus.EventNavigate)
	return r
}

func (r *busRecorder) navigations() []Navigation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Navigation, len(r.navs))
	copy(out, r.navs)
	return out
}

func (r *busRecorder) toastTitles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.toasts {
		out = append(out, t.Title)
	}
	return out
}

type harness struct {
	api    *fakeAPI
	store  *booking.Store
	router *router.Router
	bus    *eventbus.EventBus
	clock  *fakeClock
	rec    *busRecorder
	deps   Deps
}

var t0 = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, recs ...booking.Record) *harness {
	t.Helper()
	bus := eventbus.New()
	store := booking.NewStore(bus)
	h := &harness{
		api:    newFakeAPI(recs...),
		store:  store,
		router: router.New(store, bus),
		bus:    bus,
		clock:  newFakeClock(t0),
	}
	h.rec = recordBus(bus)
	h.deps = Deps{API: h.api, Store: store, Observers: h.router, Bus: bus, Clock: h.clock}
	return h
}

func (h *harness) push(t *testing.T, role events.Role, name events.Name, payload any) {
	t.Helper()
	env, err := events.NewEnvelope(name, payload)
	require.NoError(t, err)
	h.router.HandleEnvelope(events.Identity{ID: "x", Role: role}, env)
}
