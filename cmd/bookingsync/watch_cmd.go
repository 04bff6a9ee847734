package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/lifecycle"
	"github.com/homefix/bookingsync/internal/logging"
	"github.com/homefix/bookingsync/internal/tui"
)

type watchOptions struct {
	configPath string
	identity   events.Identity
	bookingID  string
	plain      bool
}

func parseWatchFlags(args []string, stdout io.Writer) (watchOptions, error) {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "Path to a TOML config file")
	role := fs.String("role", "customer", "Identity role: customer, technician or admin")
	id := fs.String("id", "", "Identity ID (user ID or technician ID)")
	bookingID := fs.String("booking", "", "Booking to follow (customers default to their active booking; admins must set it)")
	plain := fs.Bool("plain", false, "Print events as lines instead of the interactive view")

	fs.Usage = func() {
		fmt.Fprintln(stdout, "Usage: bookingsync watch --id <id> [options]")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Connect as one identity and follow its bookings live.")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Options:")
		fs.PrintDefaults()
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Examples:")
		fmt.Fprintln(stdout, "  bookingsync watch --id c1")
		fmt.Fprintln(stdout, "  bookingsync watch --role technician --id t1")
		fmt.Fprintln(stdout, "  bookingsync watch --role admin --id ops --booking BK-1234 --plain")
	}

	if err := parseFlags(fs, args); err != nil {
		return watchOptions{}, err
	}
	r, err := events.ParseRole(*role)
	if err != nil {
		return watchOptions{}, err
	}
	opts := watchOptions{
		configPath: *configPath,
		identity:   events.Identity{ID: strings.TrimSpace(*id), Role: r},
		bookingID:  strings.TrimSpace(*bookingID),
		plain:      *plain,
	}
	if err := opts.identity.Validate(); err != nil {
		return watchOptions{}, err
	}
	if r == events.RoleAdmin && opts.bookingID == "" {
		return watchOptions{}, fmt.Errorf("--booking is required for admin")
	}
	return opts, nil
}

func runWatch(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseWatchFlags(args, stdout)
	if err != nil {
		return err
	}
	cfg, err := setup(ctx, opts.configPath)
	if err != nil {
		return err
	}
	if !opts.plain && cfg.Log.File == "" {
		// Records on stderr would tear the full-screen view.
		lo := cfg.LoggingOptions()
		lo.File = filepath.Join(os.TempDir(), "bookingsync-watch.log")
		if err := logging.Init(lo); err != nil {
			return err
		}
	}
	c, err := newClient(cfg, opts.identity)
	if err != nil {
		return err
	}

	var msgs <-chan tea.Msg
	if opts.plain {
		defer printEvents(c.bus, stdout)()
	} else {
		ch, unsub := tui.Bridge(c.bus, 64)
		defer unsub()
		msgs = ch
	}

	if err := c.connect(); err != nil {
		return err
	}
	defer c.close()

	actions, cleanup, err := mountConsumers(ctx, c, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.plain {
		<-ctx.Done()
		return nil
	}
	p := tea.NewProgram(tui.New(opts.identity, msgs, actions), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

// mountConsumers starts the lifecycle consumers for the identity's role and
// returns the key actions bound to them.
func mountConsumers(ctx context.Context, c *client, opts watchOptions) (tui.Actions, func(), error) {
	log := logging.ForComponent(logging.CompCLI)

	switch c.id.Role {
	case events.RoleTechnician:
		offer := lifecycle.NewIncomingOffer(c.deps)
		offer.Mount()
		job := &activeJob{deps: c.deps}
		if err := job.mount(ctx); err != nil {
			log.Info("no_active_job", slog.String("error", err.Error()))
		}
		actions := tui.Actions{
			AcceptOffer: func(ctx context.Context) error {
				if err := offer.Accept(ctx); err != nil {
					return err
				}
				return job.mount(ctx)
			},
			RejectOffer: offer.Reject,
			Advance:     job.advance,
		}
		return actions, func() {
			job.unmount()
			offer.Unmount()
		}, nil

	case events.RoleCustomer:
		id := opts.bookingID
		if id == "" {
			rec, err := c.api.GetActiveBooking(ctx)
			switch {
			case errors.Is(err, api.ErrNotFound):
				log.Info("no_active_booking", slog.String("identity", c.id.Room()))
				return tui.Actions{}, func() {}, nil
			case err != nil:
				return tui.Actions{}, nil, err
			}
			id = rec.ID
		}
		tracking := lifecycle.NewCustomerTracking(c.deps, id)
		if err := tracking.Mount(ctx); err != nil {
			tracking.Unmount()
			return tui.Actions{}, nil, err
		}
		actions := tui.Actions{
			RespondCharge: func(ctx context.Context, approve bool) error {
				rec, ok := tracking.Booking()
				if !ok {
					return fmt.Errorf("booking %s not loaded", id)
				}
				pending := rec.PendingCharges()
				if len(pending) == 0 {
					return errors.New("no pending extra charge")
				}
				return tracking.RespondCharge(ctx, pending[0].ID, approve)
			},
		}
		return actions, tracking.Unmount, nil

	default:
		// Admins observe a booking room without taking part.
		if err := c.manager.Join(events.BookingRoom(opts.bookingID)); err != nil {
			return tui.Actions{}, nil, err
		}
		rec, err := c.api.GetBooking(ctx, opts.bookingID)
		if err != nil {
			return tui.Actions{}, nil, err
		}
		seq := c.store.BeginReconcile(rec.ID)
		c.store.CommitReconcile(rec.ID, seq, rec)
		return tui.Actions{}, func() {}, nil
	}
}

// printEvents writes one line per bus event of interest and returns the
// unsubscribe func.
func printEvents(bus *eventbus.EventBus, w io.Writer) func() {
	return bus.SubscribeTypes(func(e eventbus.Event) {
		switch d := e.Data.(type) {
		case booking.Record:
			fmt.Fprintf(w, "booking   %s %s total=%.2f\n", d.ID, d.Status, d.Pricing.Total)
		case *booking.JobOffer:
			if d == nil {
				fmt.Fprintln(w, "offer     cleared")
				return
			}
			fmt.Fprintf(w, "offer     %s %s earnings=%.2f expires=%s\n", d.BookingID, d.ServiceName, d.Earnings, d.ExpiresAt.Format("15:04:05"))
		case lifecycle.Toast:
			fmt.Fprintf(w, "toast     [%s] %s %s\n", d.Level, d.Title, d.Message)
		case lifecycle.Navigation:
			fmt.Fprintf(w, "navigate  %s %s %s\n", d.Route, d.BookingID, d.Reason)
		default:
			if e.Type == eventbus.EventBookingForgotten {
				fmt.Fprintf(w, "forgotten %s\n", e.Channel)
				return
			}
			if st, ok := e.Data.(fmt.Stringer); ok {
				fmt.Fprintf(w, "conn      %s\n", st)
			}
		}
	},
		eventbus.EventConnectionState,
		eventbus.EventBookingChanged,
		eventbus.EventBookingForgotten,
		eventbus.EventOfferChanged,
		eventbus.EventToast,
		eventbus.EventNavigate,
	)
}
