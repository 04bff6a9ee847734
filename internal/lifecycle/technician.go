package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/logging"
)

// TechnicianActiveJob is the technician's active job page.
type TechnicianActiveJob struct {
	t *tracker
}

// NewTechnicianActiveJob creates the page for bookingID. An empty bookingID
// resolves the technician's active job on mount.
func NewTechnicianActiveJob(deps Deps, bookingID string) *TechnicianActiveJob {
	j := &TechnicianActiveJob{}
	j.t = &tracker{
		deps:      deps,
		log:       logging.ForComponent(logging.CompLifecycle).With("page", "technician-active-job"),
		kinds:     bookingKinds,
		bookingID: bookingID,
		settle:    j.settle,
	}
	return j
}

// Mount reconciles with REST and starts observing.
func (j *TechnicianActiveJob) Mount(ctx context.Context) error { return j.t.mount(ctx) }

// Unmount stops observing.
func (j *TechnicianActiveJob) Unmount() { j.t.unmount() }

// BookingID returns the job's booking.
func (j *TechnicianActiveJob) BookingID() string { return j.t.id() }

// Booking returns the cached record.
func (j *TechnicianActiveJob) Booking() (booking.Record, bool) {
	return j.t.deps.Store.Booking(j.t.id())
}

// Refresh reconciles now.
func (j *TechnicianActiveJob) Refresh(ctx context.Context) error {
	return j.t.reconcile(ctx)
}

// VerifyOTP submits the customer's arrival code, which starts the job.
func (j *TechnicianActiveJob) VerifyOTP(ctx context.Context, otp string) error {
	if strings.TrimSpace(otp) == "" {
		return fmt.Errorf("lifecycle: empty otp")
	}
	return j.t.action(ctx, "verify-otp", func(ctx context.Context, id string) error {
		return j.t.deps.API.VerifyOTP(ctx, id, otp)
	})
}

// UpdateStatus moves the job one step. Steps the state machine forbids from
// the cached status are rejected without a request.
func (j *TechnicianActiveJob) UpdateStatus(ctx context.Context, status booking.Status) error {
	if rec, ok := j.Booking(); ok && !booking.CanTransition(rec.Status, status) {
		return fmt.Errorf("lifecycle: %w: %s -> %s", booking.ErrIllegalTransition, rec.Status, status)
	}
	return j.t.action(ctx, "update-status", func(ctx context.Context, id string) error {
		return j.t.deps.API.UpdateBookingStatus(ctx, id, status)
	})
}

// AddExtraCharge asks the customer to approve an additional charge.
func (j *TechnicianActiveJob) AddExtraCharge(ctx context.Context, title string, amount float64, proofURL string) (booking.ExtraCharge, error) {
	var out booking.ExtraCharge
	err := j.t.action(ctx, "add-extra-charge", func(ctx context.Context, id string) error {
		var err error
		out, err = j.t.deps.API.AddExtraCharge(ctx, id, api.ExtraChargeRequest{Title: title, Amount: amount, ProofURL: proofURL})
		return err
	})
	return out, err
}

// Cancel cancels the job. A reason is required.
func (j *TechnicianActiveJob) Cancel(ctx context.Context, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return booking.ErrReasonRequired
	}
	return j.t.action(ctx, "cancel", func(ctx context.Context, id string) error {
		return j.t.deps.API.CancelBooking(ctx, id, reason)
	})
}

func (j *TechnicianActiveJob) settle(rec booking.Record) {
	if j.t.settleTerminal(rec) {
		return
	}
	bus := j.t.deps.Bus
	switch rec.Status {
	case booking.StatusCompleted:
		toast(bus, Toast{Level: ToastInfo, Title: "Waiting for payment", BookingID: rec.ID})
	case booking.StatusPaid:
		toast(bus, Toast{Level: ToastSuccess, Title: "Payment received", BookingID: rec.ID})
		navigate(bus, Navigation{Route: RouteDashboard, BookingID: rec.ID, Reason: string(rec.Status)})
	}
}
