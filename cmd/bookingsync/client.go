package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/config"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/lifecycle"
	"github.com/homefix/bookingsync/internal/realtime"
	"github.com/homefix/bookingsync/internal/router"
)

var errNoActiveJob = errors.New("no active job")

// nextStatus is the status a technician moves the job to from each state.
// REACHED is left through OTP verification instead.
var nextStatus = map[booking.Status]booking.Status{
	booking.StatusAccepted:   booking.StatusEnRoute,
	booking.StatusEnRoute:    booking.StatusReached,
	booking.StatusInProgress: booking.StatusCompleted,
}

// client is the application root for one identity: one bus, store, router,
// connection and API client shared by every consumer.
type client struct {
	id      events.Identity
	bus     *eventbus.EventBus
	store   *booking.Store
	router  *router.Router
	manager *realtime.Manager
	api     *api.Client
	deps    lifecycle.Deps
}

func newClient(cfg *config.Config, id events.Identity) (*client, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	wsURL, err := cfg.WSURL()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	store := booking.NewStore(bus)
	r := router.New(store, bus)
	dialer := &realtime.WSDialer{
		URL:              wsURL,
		Token:            cfg.Server.Token,
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout.Duration,
	}
	apiClient := api.New(api.Options{
		BaseURL:       cfg.Server.BaseURL,
		Token:         cfg.Server.Token,
		Timeout:       cfg.API.Timeout.Duration,
		RatePerSecond: cfg.API.RatePerSecond,
		Burst:         cfg.API.Burst,
	}).As(id)

	c := &client{
		id:     id,
		bus:    bus,
		store:  store,
		router: r,
		manager: realtime.NewManager(dialer, r, bus, realtime.Options{
			InitialBackoff: cfg.Realtime.InitialBackoff.Duration,
			MaxBackoff:     cfg.Realtime.MaxBackoff.Duration,
		}),
		api: apiClient,
	}
	c.deps = lifecycle.Deps{
		API:       apiClient,
		Store:     store,
		Observers: r,
		Bus:       bus,
	}
	return c, nil
}

func (c *client) connect() error {
	return c.manager.Connect(c.id.ID, c.id.Role)
}

func (c *client) close() {
	c.manager.Disconnect()
}

// activeJob holds the technician's current job consumer. Accepting an offer
// replaces it.
type activeJob struct {
	deps lifecycle.Deps

	mu  sync.Mutex
	job *lifecycle.TechnicianActiveJob
}

// mount resolves the active job from the server and keeps it mounted.
func (a *activeJob) mount(ctx context.Context) error {
	job := lifecycle.NewTechnicianActiveJob(a.deps, "")
	if err := job.Mount(ctx); err != nil {
		job.Unmount()
		return err
	}
	a.mu.Lock()
	old := a.job
	a.job = job
	a.mu.Unlock()
	if old != nil {
		old.Unmount()
	}
	return nil
}

func (a *activeJob) current() (*lifecycle.TechnicianActiveJob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.job == nil {
		return nil, errNoActiveJob
	}
	return a.job, nil
}

// advance moves the job one step along the happy path.
func (a *activeJob) advance(ctx context.Context) error {
	job, err := a.current()
	if err != nil {
		return err
	}
	rec, ok := job.Booking()
	if !ok {
		return errNoActiveJob
	}
	next, ok := nextStatus[rec.Status]
	if !ok {
		return fmt.Errorf("nothing to advance from %s", rec.Status)
	}
	return job.UpdateStatus(ctx, next)
}

func (a *activeJob) unmount() {
	a.mu.Lock()
	job := a.job
	a.job = nil
	a.mu.Unlock()
	if job != nil {
		job.Unmount()
	}
}
