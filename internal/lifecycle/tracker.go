package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/events"
)

// ErrNotMounted is returned by actions on an unmounted consumer.
var ErrNotMounted = errors.New("consumer not mounted")

// bookingKinds are the observer slots a booking page holds while mounted.
var bookingKinds = []events.Kind{
	events.KindBookingConfirmed,
	events.KindBookingStatusUpdate,
	events.KindBookingCancelled,
	events.KindBookingFailed,
	events.KindApprovalRequest,
	events.KindPaymentRequest,
	events.KindChargeUpdate,
	events.KindGenericNotification,
}

// tracker is the mount/observe/reconcile cycle shared by the booking pages.
// settle reacts to the booking's status once per status value.
type tracker struct {
	deps   Deps
	log    *slog.Logger
	kinds  []events.Kind
	settle func(rec booking.Record)

	mu        sync.Mutex
	bookingID string
	mounted   bool
	settled   booking.Status
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func (t *tracker) id() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bookingID
}

// mount registers observers and runs the first reconciliation. An empty
// booking ID resolves the caller's active booking. A missing booking
// unmounts again and navigates to the dashboard.
func (t *tracker) mount(ctx context.Context) error {
	t.mu.Lock()
	if t.mounted {
		t.mu.Unlock()
		return nil
	}
	t.mounted = true
	t.settled = ""
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	for _, k := range t.kinds {
		t.deps.Observers.On(k, t.observe)
	}

	if t.id() == "" {
		rec, err := t.deps.API.GetActiveBooking(ctx)
		if err != nil {
			return t.mountFailed(err)
		}
		t.mu.Lock()
		t.bookingID = rec.ID
		t.mu.Unlock()
		seq := t.deps.Store.BeginReconcile(rec.ID)
		t.deps.Store.CommitReconcile(rec.ID, seq, rec)
		t.settleFromStore()
		return nil
	}

	if err := t.reconcile(ctx); err != nil {
		return t.mountFailed(err)
	}
	return nil
}

func (t *tracker) mountFailed(err error) error {
	if errors.Is(err, api.ErrNotFound) {
		id := t.id()
		t.unmount()
		toast(t.deps.Bus, Toast{Level: ToastWarn, Title: "Booking not found", BookingID: id})
		navigate(t.deps.Bus, Navigation{Route: RouteDashboard, BookingID: id, Reason: "not found"})
		return fmt.Errorf("lifecycle: mount %s: %w", id, err)
	}
	// Stay mounted: events keep flowing and Refresh can retry.
	return fmt.Errorf("lifecycle: mount %s: %w", t.id(), err)
}

// unmount clears the observers, cancels in-flight fetches and waits for
// them, then forgets the booking if it reached a terminal status.
func (t *tracker) unmount() {
	t.mu.Lock()
	if !t.mounted {
		t.mu.Unlock()
		return
	}
	t.mounted = false
	t.cancel()
	id := t.bookingID
	t.mu.Unlock()

	for _, k := range t.kinds {
		t.deps.Observers.Off(k)
	}
	t.wg.Wait()

	if rec, ok := t.deps.Store.Booking(id); ok && rec.Status.IsTerminal() {
		t.deps.Store.Forget(id)
	}
}

// reconcile fetches the booking and commits it unless a newer fetch already
// committed. Results arriving after unmount are dropped.
func (t *tracker) reconcile(ctx context.Context) error {
	id := t.id()
	t.mu.Lock()
	life := t.ctx
	t.mu.Unlock()
	if life == nil {
		return ErrNotMounted
	}

	ctx, stop := mergeCancel(ctx, life)
	defer stop()

	seq := t.deps.Store.BeginReconcile(id)
	rec, err := t.deps.API.GetBooking(ctx, id)
	if life.Err() != nil {
		return nil
	}
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return err
		}
		t.log.Warn("reconcile_failed", slog.String("booking_id", id), slog.String("error", err.Error()))
		toast(t.deps.Bus, Toast{Level: ToastError, Title: "Could not refresh booking", Message: err.Error(), BookingID: id})
		return err
	}
	t.deps.Store.CommitReconcile(id, seq, rec)
	t.settleFromStore()
	return nil
}

// refetch runs reconcile in the background.
func (t *tracker) refetch() {
	t.mu.Lock()
	if !t.mounted {
		t.mu.Unlock()
		return
	}
	ctx := t.ctx
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		if err := t.reconcile(ctx); errors.Is(err, api.ErrNotFound) {
			navigate(t.deps.Bus, Navigation{Route: RouteDashboard, BookingID: t.id(), Reason: "not found"})
		}
	}()
}

// observe is registered for every kind in t.kinds.
func (t *tracker) observe(ev events.Normalized) {
	if ev.Kind == events.KindGenericNotification {
		if n := ev.Notification; n != nil && n.Title != "" {
			toast(t.deps.Bus, Toast{Level: ToastInfo, Title: n.Title, Message: n.Body, BookingID: ev.BookingID})
		}
		return
	}
	if ev.BookingID == "" || ev.BookingID != t.id() {
		return
	}

	switch ev.Kind {
	case events.KindBookingCancelled, events.KindBookingFailed:
		t.settleFromStore()
		return
	case events.KindBookingStatusUpdate:
		// A status the store already held carries nothing new.
		if !ev.Applied {
			return
		}
		t.settleFromStore()
	}
	t.refetch()
}

func (t *tracker) settleFromStore() {
	id := t.id()
	rec, ok := t.deps.Store.Booking(id)
	if !ok {
		return
	}
	t.mu.Lock()
	if !t.mounted || rec.Status == t.settled {
		t.mu.Unlock()
		return
	}
	t.settled = rec.Status
	t.mu.Unlock()
	t.settle(rec)
}

// settleTerminal handles the side branches shared by both roles.
func (t *tracker) settleTerminal(rec booking.Record) bool {
	if !rec.Status.IsSideBranch() {
		return false
	}
	title := "Booking cancelled"
	switch rec.Status {
	case booking.StatusFailedAssignment:
		title = "No technician available"
	case booking.StatusTimeout:
		title = "Booking timed out"
	}
	toast(t.deps.Bus, Toast{Level: ToastWarn, Title: title, Message: rec.CancelReason, BookingID: rec.ID})
	navigate(t.deps.Bus, Navigation{Route: RouteHistory, BookingID: rec.ID, Reason: string(rec.Status)})
	return true
}

// action runs an API call for the mounted booking and reconciles after it.
func (t *tracker) action(ctx context.Context, name string, call func(ctx context.Context, id string) error) error {
	t.mu.Lock()
	mounted, id := t.mounted, t.bookingID
	t.mu.Unlock()
	if !mounted || id == "" {
		return ErrNotMounted
	}
	if err := call(ctx, id); err != nil {
		t.log.Warn("action_failed",
			slog.String("action", name),
			slog.String("booking_id", id),
			slog.String("error", err.Error()))
		return fmt.Errorf("lifecycle: %s %s: %w", name, id, err)
	}
	t.refetch()
	return nil
}

// mergeCancel returns a context cancelled when either a or b is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
