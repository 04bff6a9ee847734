package simserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/events"
)

// pendingOffer is an offer the server is waiting on a technician for.
type pendingOffer struct {
	techID   string
	techName string
	vehicle  string
	timer    *time.Timer
}

// CreateBookingRequest is the body of POST /api/sim/bookings.
type CreateBookingRequest struct {
	ID           string  `json:"id,omitempty"`
	CustomerID   string  `json:"customerId"`
	CustomerName string  `json:"customerName,omitempty"`
	ServiceName  string  `json:"serviceName"`
	Address      string  `json:"address,omitempty"`
	Base         float64 `json:"base"`
}

// OfferJobRequest is the body of POST /api/sim/bookings/{id}/offer.
type OfferJobRequest struct {
	TechnicianID   string  `json:"technicianId"`
	TechnicianName string  `json:"technicianName,omitempty"`
	VehicleNumber  string  `json:"vehicleNumber,omitempty"`
	Earnings       float64 `json:"earnings,omitempty"`
	Distance       float64 `json:"distance,omitempty"`
}

func newOTP() string {
	return fmt.Sprintf("%04d", rand.IntN(10000))
}

// takeOffer removes and stops the pending offer for bookingID. Callers hold
// s.mu.
func (s *Server) takeOffer(bookingID string) *pendingOffer {
	p := s.offers[bookingID]
	if p == nil {
		return nil
	}
	p.timer.Stop()
	delete(s.offers, bookingID)
	return p
}

// failAssignment ends a booking nobody took. Callers hold s.mu.
func (s *Server) failAssignment(ctx context.Context, rec booking.Record, techID, reason string) error {
	if err := rec.Transition(booking.StatusFailedAssignment, s.opts.Now()); err != nil {
		return err
	}
	rec.CancelReason = reason
	if err := s.repo.SaveBooking(ctx, rec); err != nil {
		return err
	}

	payload := events.ReasonPayload{BookingID: rec.ID, Reason: reason}
	s.push(events.EvBookingFailed, payload, customerRoom(rec), technicianRoom(techID), events.BookingRoom(rec.ID))
	s.notify(customerRoom(rec), events.NotificationPayload{
		Type:     events.NotifyBookingFailed,
		Title:    "No technician available",
		Body:     reason,
		Metadata: events.NotificationMetadata{BookingID: rec.ID, Reason: reason},
	})
	s.log.Info("assignment_failed", slog.String("booking_id", rec.ID), slog.String("reason", reason))
	return nil
}

// expireOffer runs when the technician let the offer lapse on the server's
// clock.
func (s *Server) expireOffer(bookingID string, p *pendingOffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offers[bookingID] != p {
		return
	}
	delete(s.offers, bookingID)

	ctx := s.baseCtx
	if ctx.Err() != nil {
		return
	}
	rec, err := s.repo.Booking(ctx, bookingID)
	if err != nil {
		s.log.Warn("offer_expiry_load_failed", slog.String("booking_id", bookingID), slog.String("error", err.Error()))
		return
	}
	if err := s.failAssignment(ctx, rec, p.techID, "offer timed out"); err != nil {
		s.log.Warn("offer_expiry_failed", slog.String("booking_id", bookingID), slog.String("error", err.Error()))
	}
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, api.CodeUnauthorized, "unauthorized")
		return
	}
	var body CreateBookingRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.CustomerID) == "" || strings.TrimSpace(body.ServiceName) == "" {
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, "customerId and serviceName are required")
		return
	}
	if body.ID == "" {
		body.ID = "BK-" + strings.ToUpper(uuid.NewString()[:8])
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.Booking(r.Context(), body.ID); err == nil {
		writeAPIError(w, http.StatusConflict, api.CodeConflict, "booking already exists")
		return
	} else if !errors.Is(err, ErrBookingNotFound) {
		writeDomainError(w, err)
		return
	}

	rec := booking.Record{
		ID:          body.ID,
		Status:      booking.StatusRequested,
		ServiceName: body.ServiceName,
		CustomerID:  body.CustomerID,
		Customer: &booking.CustomerSnapshot{
			ID:      body.CustomerID,
			Name:    body.CustomerName,
			Address: body.Address,
		},
		Pricing:      booking.Pricing{Base: body.Base, Total: body.Base},
		ExtraCharges: []booking.ExtraCharge{},
		UpdatedAt:    s.opts.Now(),
	}
	if !s.save(w, r, rec) {
		return
	}
	s.log.Info("booking_created", slog.String("booking_id", rec.ID), slog.String("customer_id", rec.CustomerID))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleOfferJob(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, api.CodeUnauthorized, "unauthorized")
		return
	}
	var body OfferJobRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.TechnicianID) == "" {
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, "technicianId is required")
		return
	}
	if body.TechnicianName == "" {
		body.TechnicianName = body.TechnicianID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	if s.offers[id] != nil {
		writeAPIError(w, http.StatusConflict, api.CodeConflict, "an offer is already pending")
		return
	}
	rec, err := s.repo.Booking(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := rec.Transition(booking.StatusAssignedPending, s.opts.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.save(w, r, rec) {
		return
	}

	earnings := body.Earnings
	if earnings == 0 {
		earnings = rec.Pricing.Base * 0.8
	}
	address := ""
	if rec.Customer != nil {
		address = rec.Customer.Address
	}
	offer := events.JobOfferPayload{
		BookingID:   rec.ID,
		ServiceName: rec.ServiceName,
		Earnings:    earnings,
		Distance:    body.Distance,
		Address:     address,
		ExpiresAt:   s.opts.Now().Add(s.opts.OfferTTL),
	}

	p := &pendingOffer{techID: body.TechnicianID, techName: body.TechnicianName, vehicle: body.VehicleNumber}
	p.timer = time.AfterFunc(s.opts.OfferTTL, func() { s.expireOffer(rec.ID, p) })
	s.offers[rec.ID] = p

	techRoom := technicianRoom(body.TechnicianID)
	s.push(events.EvJobOffer, offer, techRoom)
	s.pushOffline(techRoom, events.NotificationPayload{
		Type:     events.NotifyGeneral,
		Title:    "New job offer",
		Body:     fmt.Sprintf("%s, earn %.2f", rec.ServiceName, earnings),
		Metadata: events.NotificationMetadata{BookingID: rec.ID},
	})
	s.announceStatus(rec)

	writeJSON(w, http.StatusAccepted, offer)
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, api.CodeUnauthorized, "unauthorized")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.Booking(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := rec.Transition(booking.StatusPaid, s.opts.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.save(w, r, rec) {
		return
	}
	s.announceStatus(rec)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, api.CodeUnauthorized, "unauthorized")
		return
	}
	recs, err := s.repo.Bookings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []booking.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.opts.VAPIDPublicKey})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	var sub webpush.Subscription
	if !decodeBody(w, r, &sub) {
		return
	}
	if sub.Endpoint == "" || sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, "endpoint and keys are required")
		return
	}
	if err := s.repo.SaveSubscription(r.Context(), caller.Room(), sub); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
