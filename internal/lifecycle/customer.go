package lifecycle

import (
	"context"
	"strings"

	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/logging"
)

// CustomerTracking is the customer's booking tracking page.
type CustomerTracking struct {
	t *tracker
}

// NewCustomerTracking creates the tracking page for bookingID. An empty
// bookingID tracks the customer's active booking.
func NewCustomerTracking(deps Deps, bookingID string) *CustomerTracking {
	c := &CustomerTracking{}
	c.t = &tracker{
		deps:      deps,
		log:       logging.ForComponent(logging.CompLifecycle).With("page", "customer-tracking"),
		kinds:     bookingKinds,
		bookingID: bookingID,
		settle:    c.settle,
	}
	return c
}

// Mount reconciles with REST and starts observing. It is a no-op when
// already mounted.
func (c *CustomerTracking) Mount(ctx context.Context) error { return c.t.mount(ctx) }

// Unmount stops observing. In-flight fetches are cancelled.
func (c *CustomerTracking) Unmount() { c.t.unmount() }

// BookingID returns the tracked booking.
func (c *CustomerTracking) BookingID() string { return c.t.id() }

// Booking returns the cached record.
func (c *CustomerTracking) Booking() (booking.Record, bool) {
	return c.t.deps.Store.Booking(c.t.id())
}

// Refresh reconciles now.
func (c *CustomerTracking) Refresh(ctx context.Context) error {
	return c.t.reconcile(ctx)
}

// Cancel cancels the booking. A reason is required.
func (c *CustomerTracking) Cancel(ctx context.Context, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return booking.ErrReasonRequired
	}
	return c.t.action(ctx, "cancel", func(ctx context.Context, id string) error {
		return c.t.deps.API.CancelBooking(ctx, id, reason)
	})
}

// RespondCharge approves or rejects a pending extra charge.
func (c *CustomerTracking) RespondCharge(ctx context.Context, chargeID string, approve bool) error {
	return c.t.action(ctx, "respond-charge", func(ctx context.Context, id string) error {
		return c.t.deps.API.RespondExtraCharge(ctx, id, chargeID, approve)
	})
}

func (c *CustomerTracking) settle(rec booking.Record) {
	if c.t.settleTerminal(rec) {
		return
	}
	bus := c.t.deps.Bus
	switch rec.Status {
	case booking.StatusAccepted:
		if rec.Technician != nil {
			toast(bus, Toast{Level: ToastSuccess, Title: "Technician assigned", Message: rec.Technician.Name, BookingID: rec.ID})
		}
	case booking.StatusExtrasPending:
		toast(bus, Toast{Level: ToastInfo, Title: "Extra charge needs your approval", BookingID: rec.ID})
	case booking.StatusCompleted:
		toast(bus, Toast{Level: ToastInfo, Title: "Service completed", BookingID: rec.ID})
		navigate(bus, Navigation{Route: RoutePayment, BookingID: rec.ID})
	case booking.StatusPaid:
		toast(bus, Toast{Level: ToastSuccess, Title: "Payment received", BookingID: rec.ID})
		navigate(bus, Navigation{Route: RouteHistory, BookingID: rec.ID, Reason: string(rec.Status)})
	}
}
