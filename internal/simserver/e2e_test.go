package simserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/lifecycle"
	"github.com/homefix/bookingsync/internal/realtime"
	"github.com/homefix/bookingsync/internal/router"
	"github.com/homefix/bookingsync/internal/simserver"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// app is one client process: transport, router, store and bus for a single
// identity.
type app struct {
	id      events.Identity
	bus     *eventbus.EventBus
	store   *booking.Store
	router  *router.Router
	manager *realtime.Manager
	deps    lifecycle.Deps

	mu   sync.Mutex
	navs []lifecycle.Navigation
}

func newApp(t *testing.T, ts *httptest.Server, id events.Identity) *app {
	t.Helper()
	bus := eventbus.New()
	store := booking.NewStore(bus)
	r := router.New(store, bus)
	dialer := &realtime.WSDialer{
		URL:              "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		HandshakeTimeout: time.Second,
	}
	a := &app{
		id:      id,
		bus:     bus,
		store:   store,
		router:  r,
		manager: realtime.NewManager(dialer, r, bus, realtime.Options{InitialBackoff: 20 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}),
	}
	a.deps = lifecycle.Deps{
		API:       api.New(api.Options{BaseURL: ts.URL}).As(id),
		Store:     store,
		Observers: r,
		Bus:       bus,
	}
	bus.SubscribeTypes(func(e eventbus.Event) {
		if n, ok := e.Data.(lifecycle.Navigation); ok {
			a.mu.Lock()
			a.navs = append(a.navs, n)
			a.mu.Unlock()
		}
	}, eventbus.EventNavigate)

	require.NoError(t, a.manager.Connect(id.ID, id.Role))
	t.Cleanup(a.manager.Disconnect)
	return a
}

func (a *app) navigatedTo(route lifecycle.Route) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.navs {
		if n.Route == route {
			return true
		}
	}
	return false
}

func (a *app) status(id string) booking.Status {
	rec, _ := a.store.Booking(id)
	return rec.Status
}

func TestEndToEnd_ExtraChargeScenario(t *testing.T) {
	srv, err := simserver.New(simserver.Options{
		DBPath:            filepath.Join(t.TempDir(), "sim.db"),
		HeartbeatInterval: time.Second,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	ctx := context.Background()
	sim := api.New(api.Options{BaseURL: ts.URL})

	require.NoError(t, sim.Do(ctx, http.MethodPost, "/api/sim/bookings", simserver.CreateBookingRequest{
		ID: "B42", CustomerID: "c1", ServiceName: "AC repair", Base: 500, Address: "12 MG Road",
	}, nil))

	cust := newApp(t, ts, events.Identity{ID: "c1", Role: events.RoleCustomer})
	tech := newApp(t, ts, events.Identity{ID: "t1", Role: events.RoleTechnician})
	require.Eventually(t, func() bool {
		return srv.Hub().RoomSize("CUSTOMER:c1") == 1 && srv.Hub().RoomSize("TECHNICIAN:t1") == 1
	}, waitFor, tick)

	tracking := lifecycle.NewCustomerTracking(cust.deps, "B42")
	require.NoError(t, tracking.Mount(ctx))
	defer tracking.Unmount()
	assert.Equal(t, booking.StatusRequested, cust.status("B42"))

	offer := lifecycle.NewIncomingOffer(tech.deps)
	offer.Mount()
	defer offer.Unmount()

	// Assignment.
	require.NoError(t, sim.Do(ctx, http.MethodPost, "/api/sim/bookings/B42/offer", simserver.OfferJobRequest{
		TechnicianID: "t1", TechnicianName: "Ravi",
	}, nil))
	require.Eventually(t, func() bool { _, ok := offer.Offer(); return ok }, waitFor, tick)
	require.Eventually(t, func() bool { return cust.status("B42") == booking.StatusAssignedPending }, waitFor, tick)

	require.NoError(t, offer.Accept(ctx))
	assert.True(t, tech.navigatedTo(lifecycle.RouteActiveJob))
	require.Eventually(t, func() bool {
		rec, _ := tracking.Booking()
		return rec.Status == booking.StatusAccepted && rec.Technician != nil && rec.Meta.OTP != ""
	}, waitFor, tick)
	rec, _ := tracking.Booking()
	assert.Equal(t, "Ravi", rec.Technician.Name)
	otp := rec.Meta.OTP

	job := lifecycle.NewTechnicianActiveJob(tech.deps, "")
	require.NoError(t, job.Mount(ctx))
	defer job.Unmount()
	require.Equal(t, "B42", job.BookingID())

	// Travel and arrival.
	for _, next := range []booking.Status{booking.StatusEnRoute, booking.StatusReached} {
		require.NoError(t, job.UpdateStatus(ctx, next))
		require.Eventually(t, func() bool { return tech.status("B42") == next }, waitFor, tick)
		require.Eventually(t, func() bool { return cust.status("B42") == next }, waitFor, tick)
	}
	require.NoError(t, job.VerifyOTP(ctx, otp))
	require.Eventually(t, func() bool { return cust.status("B42") == booking.StatusInProgress }, waitFor, tick)

	// Extra charge approval.
	charge, err := job.AddExtraCharge(ctx, "Capacitor", 250, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, _ := tracking.Booking()
		return rec.Status == booking.StatusExtrasPending && len(rec.PendingCharges()) == 1
	}, waitFor, tick)

	require.NoError(t, tracking.RespondCharge(ctx, charge.ID, true))
	require.Eventually(t, func() bool {
		rec, _ := tracking.Booking()
		c, ok := rec.Charge(charge.ID)
		return rec.Status == booking.StatusInProgress && ok && c.Status == booking.ChargeApproved && rec.Pricing.Total == 750
	}, waitFor, tick)
	require.Eventually(t, func() bool { return tech.status("B42") == booking.StatusInProgress }, waitFor, tick)

	// Completion and payment.
	require.NoError(t, job.UpdateStatus(ctx, booking.StatusCompleted))
	require.Eventually(t, func() bool { return cust.navigatedTo(lifecycle.RoutePayment) }, waitFor, tick)

	require.NoError(t, sim.Do(ctx, http.MethodPost, "/api/sim/bookings/B42/paid", nil, nil))
	require.Eventually(t, func() bool { return cust.navigatedTo(lifecycle.RouteHistory) }, waitFor, tick)
	require.Eventually(t, func() bool { return tech.navigatedTo(lifecycle.RouteDashboard) }, waitFor, tick)
}

func TestEndToEnd_CustomerCancelWithdrawsOffer(t *testing.T) {
	srv, err := simserver.New(simserver.Options{DBPath: filepath.Join(t.TempDir(), "sim.db")})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	ctx := context.Background()
	sim := api.New(api.Options{BaseURL: ts.URL})

	require.NoError(t, sim.Do(ctx, http.MethodPost, "/api/sim/bookings", simserver.CreateBookingRequest{
		ID: "B7", CustomerID: "c1", ServiceName: "Plumbing", Base: 300,
	}, nil))
	cust := newApp(t, ts, events.Identity{ID: "c1", Role: events.RoleCustomer})
	tech := newApp(t, ts, events.Identity{ID: "t1", Role: events.RoleTechnician})
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 2 }, waitFor, tick)

	offer := lifecycle.NewIncomingOffer(tech.deps)
	offer.Mount()
	defer offer.Unmount()

	require.NoError(t, sim.Do(ctx, http.MethodPost, "/api/sim/bookings/B7/offer", simserver.OfferJobRequest{TechnicianID: "t1"}, nil))
	require.Eventually(t, func() bool { _, ok := offer.Offer(); return ok }, waitFor, tick)

	tracking := lifecycle.NewCustomerTracking(cust.deps, "B7")
	require.NoError(t, tracking.Mount(ctx))
	defer tracking.Unmount()
	require.NoError(t, tracking.Cancel(ctx, "changed plans"))

	require.Eventually(t, func() bool { _, ok := offer.Offer(); return !ok }, waitFor, tick)
	require.Eventually(t, func() bool { return cust.navigatedTo(lifecycle.RouteHistory) }, waitFor, tick)
	assert.ErrorIs(t, offer.Accept(ctx), lifecycle.ErrNoOffer)
}
