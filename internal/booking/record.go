package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/homefix/bookingsync/internal/events"
)

// ErrChargeNotFound is returned when a charge ID is not on the booking.
var ErrChargeNotFound = errors.New("extra charge not found")

// ChargeStatus is the approval state of an extra charge.
type ChargeStatus string

const (
	ChargePending  ChargeStatus = "PENDING"
	ChargeApproved ChargeStatus = "APPROVED"
	ChargeRejected ChargeStatus = "REJECTED"
)

// ExtraCharge is an additional line item requested during service.
type ExtraCharge struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Amount   float64      `json:"amount"`
	ProofURL string       `json:"proofUrl,omitempty"`
	Status   ChargeStatus `json:"status"`
}

// Pricing is the booking's price breakdown. Extras only counts approved
// charges.
type Pricing struct {
	Base   float64 `json:"base"`
	Extras float64 `json:"extras"`
	Total  float64 `json:"total"`
}

// CustomerSnapshot is what a technician sees about the customer.
type CustomerSnapshot struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Meta holds lightweight fields carried by events.
type Meta struct {
	OTP string `json:"otp,omitempty"`
}

// Record is a cached booking.
type Record struct {
	ID           string                     `json:"id"`
	Status       Status                     `json:"status"`
	ServiceName  string                     `json:"serviceName,omitempty"`
	CustomerID   string                     `json:"customerId,omitempty"`
	TechnicianID string                     `json:"technicianId,omitempty"`
	Technician   *events.TechnicianSnapshot `json:"technician,omitempty"`
	Customer     *CustomerSnapshot          `json:"customer,omitempty"`
	Pricing      Pricing                    `json:"pricing"`
	ExtraCharges []ExtraCharge              `json:"extraCharges"`
	Meta         Meta                       `json:"meta"`
	CancelReason string                     `json:"cancelReason,omitempty"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.Technician != nil {
		t := *r.Technician
		out.Technician = &t
	}
	if r.Customer != nil {
		c := *r.Customer
		out.Customer = &c
	}
	if r.ExtraCharges != nil {
		out.ExtraCharges = make([]ExtraCharge, len(r.ExtraCharges))
		copy(out.ExtraCharges, r.ExtraCharges)
	}
	return out
}

// PendingCharges returns the charges still awaiting a customer decision.
func (r *Record) PendingCharges() []ExtraCharge {
	var out []ExtraCharge
	for _, c := range r.ExtraCharges {
		if c.Status == ChargePending {
			out = append(out, c)
		}
	}
	return out
}

// Charge returns the charge with the given ID.
func (r *Record) Charge(id string) (ExtraCharge, bool) {
	for _, c := range r.ExtraCharges {
		if c.ID == id {
			return c, true
		}
	}
	return ExtraCharge{}, false
}

// Transition moves the record one step along the transition table.
func (r *Record) Transition(to Status, now time.Time) error {
	if r.Status == to {
		return nil
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Cancel moves a non-terminal booking to CANCELLED.
func (r *Record) Cancel(reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, r.Status)
	}
	if err := r.Transition(StatusCancelled, now); err != nil {
		return err
	}
	r.CancelReason = reason
	return nil
}

// AddCharge appends a pending charge and moves the booking to EXTRAS_PENDING.
func (r *Record) AddCharge(c ExtraCharge, now time.Time) error {
	if _, dup := r.Charge(c.ID); dup {
		return nil
	}
	if r.Status != StatusExtrasPending && !CanTransition(r.Status, StatusExtrasPending) {
		return fmt.Errorf("%w: cannot add charge in %s", ErrIllegalTransition, r.Status)
	}
	c.Status = ChargePending
	r.ExtraCharges = append(r.ExtraCharges, c)
	r.Status = StatusExtrasPending
	r.UpdatedAt = now
	return nil
}

// ResolveCharge records the customer's decision on a pending charge. Approved
// charges are added to the total; the booking returns to IN_PROGRESS once no
// charge is pending.
func (r *Record) ResolveCharge(id string, approve bool, now time.Time) error {
	idx := -1
	for i, c := range r.ExtraCharges {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrChargeNotFound, id)
	}
	if r.ExtraCharges[idx].Status != ChargePending {
		return fmt.Errorf("%w: charge %s already %s", ErrIllegalTransition, id, r.ExtraCharges[idx].Status)
	}
	if approve {
		r.ExtraCharges[idx].Status = ChargeApproved
	} else {
		r.ExtraCharges[idx].Status = ChargeRejected
	}
	r.recomputeTotals()
	if len(r.PendingCharges()) == 0 && r.Status == StatusExtrasPending {
		r.Status = StatusInProgress
	}
	r.UpdatedAt = now
	return nil
}

func (r *Record) recomputeTotals() {
	extras := 0.0
	for _, c := range r.ExtraCharges {
		if c.Status == ChargeApproved {
			extras += c.Amount
		}
	}
	r.Pricing.Extras = extras
	r.Pricing.Total = r.Pricing.Base + extras
}

// JobOffer is the technician's incoming offer slot.
type JobOffer struct {
	BookingID   string    `json:"bookingId"`
	ServiceName string    `json:"serviceName"`
	Earnings    float64   `json:"earnings"`
	Distance    float64   `json:"distance"`
	Address     string    `json:"address"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// OfferFromPayload converts a job offer event payload.
func OfferFromPayload(p events.JobOfferPayload) JobOffer {
	return JobOffer(p)
}
