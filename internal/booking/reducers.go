package booking

import (
	"log/slog"
	"time"

	"github.com/homefix/bookingsync/internal/events"
)

// reducer mutates the store for one normalized event. It runs with s.mu held
// and records what changed in ch.
type reducer func(s *Store, ev events.Normalized, ch *change) bool

// reducers is the per-role table. A kind missing for a role is not applied
// under that role.
var reducers = map[events.Role]map[events.Kind]reducer{
	events.RoleCustomer: {
		events.KindBookingConfirmed:    confirmAsCustomer,
		events.KindBookingStatusUpdate: applyStatus,
		events.KindBookingCancelled:    applyStatus,
		events.KindBookingFailed:       applyStatus,
		events.KindApprovalRequest:     applyApprovalRequest,
		events.KindPaymentRequest:      applyPaymentRequest,
	},
	events.RoleTechnician: {
		events.KindBookingConfirmed:    confirmAsTechnician,
		events.KindJobOffer:            receiveOffer,
		events.KindBookingStatusUpdate: applyStatus,
		events.KindBookingCancelled:    withdrawOffer,
		events.KindBookingFailed:       withdrawOffer,
		events.KindApprovalRequest:     applyApprovalRequest,
		events.KindPaymentRequest:      applyPaymentRequest,
	},
	events.RoleAdmin: {
		events.KindBookingStatusUpdate: applyStatus,
		events.KindBookingCancelled:    applyStatus,
		events.KindBookingFailed:       applyStatus,
	},
}

func eventTime(s *Store, ev events.Normalized) time.Time {
	if !ev.ReceivedAt.IsZero() {
		return ev.ReceivedAt
	}
	return s.now()
}

// advance moves rec to status through the state machine. Illegal moves are
// dropped; the same status is a no-op.
func advance(s *Store, rec *Record, status string, ev events.Normalized) bool {
	if status == "" {
		return false
	}
	to, err := ParseStatus(status)
	if err != nil {
		s.log.Debug("unknown_status_ignored",
			slog.String("booking_id", rec.ID),
			slog.String("status", status))
		return false
	}
	next, err := Advance(rec.Status, to)
	if err != nil {
		s.log.Debug("illegal_transition_ignored",
			slog.String("booking_id", rec.ID),
			slog.String("from", string(rec.Status)),
			slog.String("to", string(to)),
			slog.String("kind", ev.Kind.String()))
		return false
	}
	if next == rec.Status {
		return false
	}
	rec.Status = next
	if ev.Reason != "" && next.IsSideBranch() {
		rec.CancelReason = ev.Reason
	}
	rec.UpdatedAt = eventTime(s, ev)
	return true
}

func markBooking(ch *change, rec *Record) {
	c := rec.Clone()
	ch.booking = &c
}

func applyStatus(s *Store, ev events.Normalized, ch *change) bool {
	if ev.BookingID == "" {
		return false
	}
	rec := s.recordFor(ev.BookingID, true)
	if !advance(s, rec, ev.Status, ev) {
		return false
	}
	markBooking(ch, rec)
	return true
}

// confirmAsCustomer stores the assigned technician's display snapshot.
func confirmAsCustomer(s *Store, ev events.Normalized, ch *change) bool {
	if ev.BookingID == "" {
		return false
	}
	rec := s.recordFor(ev.BookingID, true)
	changed := advance(s, rec, ev.Status, ev)
	if t := ev.Technician; t != nil {
		snap := mergeTechnician(rec.Technician, *t)
		if rec.Technician == nil || *rec.Technician != snap {
			rec.Technician = &snap
			changed = true
		}
	}
	if ev.Technician != nil && ev.Technician.OTP != "" && rec.Meta.OTP != ev.Technician.OTP {
		rec.Meta.OTP = ev.Technician.OTP
		changed = true
	}
	if changed {
		rec.UpdatedAt = eventTime(s, ev)
		markBooking(ch, rec)
	}
	return changed
}

// mergeTechnician folds the non-empty fields of in over cur. The two channels
// carry different subsets of the same confirmation, so a field once known is
// never blanked. A different technician starts a fresh snapshot.
func mergeTechnician(cur *events.TechnicianSnapshot, in events.TechnicianSnapshot) events.TechnicianSnapshot {
	if cur == nil || (in.Name != "" && cur.Name != "" && in.Name != cur.Name) {
		return in
	}
	out := *cur
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.PhotoURL != "" {
		out.PhotoURL = in.PhotoURL
	}
	if in.OTP != "" {
		out.OTP = in.OTP
	}
	if in.VehicleNumber != "" {
		out.VehicleNumber = in.VehicleNumber
	}
	return out
}

// confirmAsTechnician dismisses any pending offer: the job has been claimed,
// by this technician or another one. No customer-facing snapshot is stored.
func confirmAsTechnician(s *Store, ev events.Normalized, ch *change) bool {
	changed := s.clearOfferLocked("", ch)
	if rec := s.recordFor(ev.BookingID, false); rec != nil && advance(s, rec, ev.Status, ev) {
		markBooking(ch, rec)
		changed = true
	}
	return changed
}

func receiveOffer(s *Store, ev events.Normalized, ch *change) bool {
	if ev.Offer == nil || ev.BookingID == "" {
		return false
	}
	o := OfferFromPayload(*ev.Offer)
	if s.offer != nil && *s.offer == o {
		return false
	}
	s.offer = &o
	ch.offerDirty = true
	next := o
	ch.offer = &next
	return true
}

// withdrawOffer applies a cancellation or failure and drops the offer for
// that booking.
func withdrawOffer(s *Store, ev events.Normalized, ch *change) bool {
	cleared := s.clearOfferLocked(ev.BookingID, ch)
	applied := applyStatus(s, ev, ch)
	return cleared || applied
}

func applyApprovalRequest(s *Store, ev events.Normalized, ch *change) bool {
	if ev.ExtraItem == nil || ev.BookingID == "" {
		return false
	}
	rec := s.recordFor(ev.BookingID, true)
	if _, ok := rec.Charge(ev.ExtraItem.ID); ok {
		return false
	}
	rec.ExtraCharges = append(rec.ExtraCharges, ExtraCharge{
		ID:       ev.ExtraItem.ID,
		Title:    ev.ExtraItem.Title,
		Amount:   ev.ExtraItem.Amount,
		ProofURL: ev.ExtraItem.ProofURL,
		Status:   ChargePending,
	})
	advance(s, rec, string(StatusExtrasPending), ev)
	rec.UpdatedAt = eventTime(s, ev)
	markBooking(ch, rec)
	return true
}

func applyPaymentRequest(s *Store, ev events.Normalized, ch *change) bool {
	if ev.BookingID == "" {
		return false
	}
	rec := s.recordFor(ev.BookingID, true)
	if rec.Pricing.Total == ev.TotalAmount {
		return false
	}
	rec.Pricing.Total = ev.TotalAmount
	rec.UpdatedAt = eventTime(s, ev)
	markBooking(ch, rec)
	return true
}
