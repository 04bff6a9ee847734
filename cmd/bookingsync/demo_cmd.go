package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/config"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/lifecycle"
	"github.com/homefix/bookingsync/internal/simserver"
)

const demoWait = 10 * time.Second

func runDemo(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "Path to a TOML config file (log settings only)")
	dbPath := fs.String("db", "", "SQLite database path (default: a temporary file)")
	fs.Usage = func() {
		fmt.Fprintln(stdout, "Usage: bookingsync demo [options]")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Start a backend on a free port and drive one booking from request to payment")
		fmt.Fprintln(stdout, "with a customer and a technician client connected over the push channel.")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Options:")
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	if *dbPath == "" {
		dir, err := os.MkdirTemp("", "bookingsync-demo-")
		if err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(dir) }()
		*dbPath = filepath.Join(dir, "demo.db")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	opts := simOptions(cfg)
	opts.DBPath = *dbPath
	opts.Token = ""
	srv, err := simserver.New(opts)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = srv.Close() }()

	cfg.Server.BaseURL = "http://" + ln.Addr().String()
	cfg.Server.Token = ""

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		defer stop()
		return demoScenario(gctx, srv, cfg, stdout)
	})
	return g.Wait()
}

// connectDemoClient builds a client for id and waits until the backend has
// joined it to its room, since pushes to an empty room are not replayed.
func connectDemoClient(ctx context.Context, srv *simserver.Server, cfg *config.Config, id events.Identity) (*client, error) {
	c, err := newClient(cfg, id)
	if err != nil {
		return nil, err
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	if err := waitUntil(ctx, id.Room()+" connection", func() bool {
		return srv.Hub().RoomSize(id.Room()) > 0
	}); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func demoScenario(ctx context.Context, srv *simserver.Server, cfg *config.Config, w io.Writer) error {
	step := func(name, format string, args ...any) {
		fmt.Fprintf(w, "%-10s %s\n", name, fmt.Sprintf(format, args...))
	}
	sim := api.New(api.Options{BaseURL: cfg.Server.BaseURL})

	const bookingID = "BK-DEMO"
	if err := sim.Do(ctx, http.MethodPost, "/api/sim/bookings", simserver.CreateBookingRequest{
		ID: bookingID, CustomerID: "c1", CustomerName: "Asha", ServiceName: "AC repair", Address: "12 MG Road", Base: 500,
	}, nil); err != nil {
		return err
	}
	step("requested", "%s AC repair for c1, base 500.00", bookingID)

	cust, err := connectDemoClient(ctx, srv, cfg, events.Identity{ID: "c1", Role: events.RoleCustomer})
	if err != nil {
		return err
	}
	defer cust.close()
	tech, err := connectDemoClient(ctx, srv, cfg, events.Identity{ID: "t1", Role: events.RoleTechnician})
	if err != nil {
		return err
	}
	defer tech.close()

	tracking := lifecycle.NewCustomerTracking(cust.deps, bookingID)
	if err := tracking.Mount(ctx); err != nil {
		return err
	}
	defer tracking.Unmount()
	offer := lifecycle.NewIncomingOffer(tech.deps)
	offer.Mount()
	defer offer.Unmount()

	if err := sim.Do(ctx, http.MethodPost, "/api/sim/bookings/"+bookingID+"/offer", simserver.OfferJobRequest{
		TechnicianID: "t1", TechnicianName: "Ravi", VehicleNumber: "KA01AB1234",
	}, nil); err != nil {
		return err
	}
	if err := waitUntil(ctx, "job offer", func() bool { _, ok := offer.Offer(); return ok }); err != nil {
		return err
	}
	o, _ := offer.Offer()
	step("offered", "t1 earns %.2f, %s left", o.Earnings, offer.Remaining().Round(time.Second))

	if err := offer.Accept(ctx); err != nil {
		return err
	}
	if err := waitUntil(ctx, "technician details", func() bool {
		r, ok := tracking.Booking()
		return ok && r.Status == booking.StatusAccepted && r.Technician != nil && r.Meta.OTP != ""
	}); err != nil {
		return err
	}
	rec, _ := tracking.Booking()
	step("accepted", "customer sees %s, otp %s", rec.Technician.Name, rec.Meta.OTP)

	job := &activeJob{deps: tech.deps}
	if err := job.mount(ctx); err != nil {
		return err
	}
	defer job.unmount()

	for _, next := range []booking.Status{booking.StatusEnRoute, booking.StatusReached} {
		if err := job.advance(ctx); err != nil {
			return err
		}
		for _, c := range []*client{tech, cust} {
			if err := waitFor(ctx, c, bookingID, next); err != nil {
				return err
			}
		}
		step("status", "%s", next)
	}

	j, err := job.current()
	if err != nil {
		return err
	}
	if err := j.VerifyOTP(ctx, rec.Meta.OTP); err != nil {
		return err
	}
	if err := waitFor(ctx, cust, bookingID, booking.StatusInProgress); err != nil {
		return err
	}
	step("started", "otp verified")

	charge, err := j.AddExtraCharge(ctx, "Capacitor", 250, "")
	if err != nil {
		return err
	}
	if err := waitFor(ctx, cust, bookingID, booking.StatusExtrasPending); err != nil {
		return err
	}
	step("extra", "%s %.2f awaiting approval", charge.Title, charge.Amount)

	if err := tracking.RespondCharge(ctx, charge.ID, true); err != nil {
		return err
	}
	if err := waitUntil(ctx, "charge approval", func() bool {
		r, ok := tech.store.Booking(bookingID)
		return ok && r.Status == booking.StatusInProgress && r.Pricing.Extras == charge.Amount
	}); err != nil {
		return err
	}
	rec, _ = tracking.Booking()
	step("approved", "total %.2f", rec.Pricing.Total)

	if err := job.advance(ctx); err != nil {
		return err
	}
	if err := waitFor(ctx, cust, bookingID, booking.StatusCompleted); err != nil {
		return err
	}
	step("status", "%s", booking.StatusCompleted)

	if err := sim.Do(ctx, http.MethodPost, "/api/sim/bookings/"+bookingID+"/paid", nil, nil); err != nil {
		return err
	}
	if err := waitFor(ctx, tech, bookingID, booking.StatusPaid); err != nil {
		return err
	}
	step("paid", "%s settled", bookingID)
	return nil
}

// waitFor blocks until c's store holds the booking at status.
func waitFor(ctx context.Context, c *client, id string, status booking.Status) error {
	return waitUntil(ctx, fmt.Sprintf("%s to see %s %s", c.id.Room(), id, status), func() bool {
		rec, ok := c.store.Booking(id)
		return ok && rec.Status == status
	})
}

func waitUntil(ctx context.Context, what string, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, demoWait)
	defer cancel()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-t.C:
		}
	}
	return nil
}
