package simserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/events"
)

// isParty reports whether caller may see and act on rec.
func isParty(caller events.Identity, rec booking.Record) bool {
	switch caller.Role {
	case events.RoleAdmin:
		return true
	case events.RoleCustomer:
		return rec.CustomerID == caller.ID
	case events.RoleTechnician:
		return rec.TechnicianID != "" && rec.TechnicianID == caller.ID
	}
	return false
}

// loadForParty loads the path's booking. Bookings the caller is not a party
// of are reported as missing.
func (s *Server) loadForParty(w http.ResponseWriter, r *http.Request, caller events.Identity) (booking.Record, bool) {
	rec, err := s.repo.Booking(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return booking.Record{}, false
	}
	if !isParty(caller, rec) {
		writeAPIError(w, http.StatusNotFound, api.CodeNotFound, "booking not found")
		return booking.Record{}, false
	}
	return rec, true
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, rec booking.Record) bool {
	if err := s.repo.SaveBooking(r.Context(), rec); err != nil {
		writeDomainError(w, err)
		return false
	}
	return true
}

// writeDomainError maps repository and state machine errors to responses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, booking.ErrChargeNotFound):
		writeAPIError(w, http.StatusNotFound, api.CodeNotFound, err.Error())
	case errors.Is(err, booking.ErrIllegalTransition):
		writeAPIError(w, http.StatusConflict, api.CodeConflict, err.Error())
	case errors.Is(err, booking.ErrReasonRequired), errors.Is(err, booking.ErrUnknownStatus):
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, api.CodeInternal, err.Error())
	}
}

func forbidden(w http.ResponseWriter) {
	writeAPIError(w, http.StatusForbidden, api.CodeUnauthorized, "not allowed for this role")
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	rec, ok := s.loadForParty(w, r, caller)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleActiveBooking(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	rec, err := s.repo.ActiveBooking(r.Context(), caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.loadForParty(w, r, caller)
	if !ok {
		return
	}
	if err := rec.Cancel(body.Reason, s.opts.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	offered := ""
	if p := s.takeOffer(rec.ID); p != nil {
		offered = p.techID
	}
	if !s.save(w, r, rec) {
		return
	}

	payload := events.ReasonPayload{BookingID: rec.ID, Reason: rec.CancelReason}
	s.push(events.EvBookingCancelled, payload,
		customerRoom(rec), technicianRoom(rec.TechnicianID), technicianRoom(offered), events.BookingRoom(rec.ID))

	n := events.NotificationPayload{
		Type:     events.NotifyBookingCancelled,
		Title:    "Booking cancelled",
		Body:     rec.CancelReason,
		Metadata: events.NotificationMetadata{BookingID: rec.ID, Reason: rec.CancelReason},
	}
	if caller.Role != events.RoleCustomer {
		s.notify(customerRoom(rec), n)
	}
	if caller.Role != events.RoleTechnician {
		s.notify(technicianRoom(rec.TechnicianID), n)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRespondOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	if caller.Role != events.RoleTechnician {
		forbidden(w)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	action := strings.ToUpper(body.Action)
	if action != "ACCEPT" && action != "REJECT" {
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, "action must be ACCEPT or REJECT")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	p := s.offers[id]
	if p == nil || p.techID != caller.ID {
		writeAPIError(w, http.StatusConflict, api.CodeConflict, "no pending offer for this booking")
		return
	}
	rec, err := s.repo.Booking(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.takeOffer(id)

	if action == "REJECT" {
		if err := s.failAssignment(r.Context(), rec, p.techID, "technician declined"); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := rec.Transition(booking.StatusAccepted, s.opts.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	rec.TechnicianID = p.techID
	rec.Meta.OTP = newOTP()
	rec.Technician = &events.TechnicianSnapshot{
		Name:          p.techName,
		OTP:           rec.Meta.OTP,
		VehicleNumber: p.vehicle,
	}
	if !s.save(w, r, rec) {
		return
	}

	s.push(events.EvBookingConfirmed, events.BookingConfirmedPayload{
		BookingID:     rec.ID,
		TechName:      p.techName,
		OTP:           rec.Meta.OTP,
		VehicleNumber: p.vehicle,
		Status:        string(rec.Status),
	}, customerRoom(rec), events.BookingRoom(rec.ID))
	s.notify(customerRoom(rec), events.NotificationPayload{
		Type:  events.NotifyBookingConfirmed,
		Title: "Technician assigned",
		Body:  fmt.Sprintf("%s is on the job. Share OTP %s on arrival.", p.techName, rec.Meta.OTP),
		Metadata: events.NotificationMetadata{
			BookingID: rec.ID,
			TechName:  p.techName,
			OTP:       rec.Meta.OTP,
			Status:    string(rec.Status),
		},
	})
	// The technician's copy omits the OTP.
	s.push(events.EvBookingConfirmed, events.BookingConfirmedPayload{
		BookingID: rec.ID,
		TechName:  p.techName,
		Status:    string(rec.Status),
	}, technicianRoom(rec.TechnicianID))

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	if caller.Role != events.RoleTechnician {
		forbidden(w)
		return
	}
	var body struct {
		OTP string `json:"otp"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.loadForParty(w, r, caller)
	if !ok {
		return
	}
	if rec.Status != booking.StatusReached {
		writeAPIError(w, http.StatusConflict, api.CodeConflict, "otp can only be verified on arrival")
		return
	}
	if strings.TrimSpace(body.OTP) != rec.Meta.OTP {
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, "invalid otp")
		return
	}
	if err := rec.Transition(booking.StatusInProgress, s.opts.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.save(w, r, rec) {
		return
	}
	s.announceStatus(rec)
	w.WriteHeader(http.StatusNoContent)
}

// patchableStatuses are the steps a technician reports directly. The rest
// have their own endpoints.
var patchableStatuses = map[booking.Status]bool{
	booking.StatusEnRoute:   true,
	booking.StatusReached:   true,
	booking.StatusCompleted: true,
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	if caller.Role == events.RoleCustomer {
		forbidden(w)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	to, err := booking.ParseStatus(body.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !patchableStatuses[to] {
		writeAPIError(w, http.StatusConflict, api.CodeConflict, fmt.Sprintf("status %s is not set through this endpoint", to))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.loadForParty(w, r, caller)
	if !ok {
		return
	}
	if err := rec.Transition(to, s.opts.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.save(w, r, rec) {
		return
	}
	s.announceStatus(rec)

	if rec.Status == booking.StatusCompleted {
		s.push(events.EvPaymentRequest, events.PaymentRequestPayload{
			BookingID:   rec.ID,
			TotalAmount: rec.Pricing.Total,
		}, customerRoom(rec), events.BookingRoom(rec.ID))
		s.notify(customerRoom(rec), events.NotificationPayload{
			Type:     events.NotifyPaymentRequest,
			Title:    "Payment due",
			Body:     fmt.Sprintf("Total %.2f", rec.Pricing.Total),
			Metadata: events.NotificationMetadata{BookingID: rec.ID},
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddCharge(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	if caller.Role != events.RoleTechnician {
		forbidden(w)
		return
	}
	var body api.ExtraChargeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Title) == "" || body.Amount <= 0 {
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, "title and a positive amount are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.loadForParty(w, r, caller)
	if !ok {
		return
	}
	charge := booking.ExtraCharge{
		ID:       uuid.NewString(),
		Title:    body.Title,
		Amount:   body.Amount,
		ProofURL: body.ProofURL,
	}
	if err := rec.AddCharge(charge, s.opts.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.save(w, r, rec) {
		return
	}
	charge, _ = rec.Charge(charge.ID)

	s.push(events.EvApprovalRequest, events.ApprovalRequestPayload{
		BookingID: rec.ID,
		ExtraItem: events.ExtraItem{ID: charge.ID, Title: charge.Title, Amount: charge.Amount, ProofURL: charge.ProofURL},
	}, customerRoom(rec), technicianRoom(rec.TechnicianID), events.BookingRoom(rec.ID))
	s.notify(customerRoom(rec), events.NotificationPayload{
		Type:     events.NotifyExtraCharge,
		Title:    "Extra charge requested",
		Body:     fmt.Sprintf("%s: %.2f", charge.Title, charge.Amount),
		Metadata: events.NotificationMetadata{BookingID: rec.ID},
	})
	writeJSON(w, http.StatusCreated, charge)
}

func (s *Server) handleRespondCharge(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requestIdentity(w, r)
	if !ok {
		return
	}
	if caller.Role == events.RoleTechnician {
		forbidden(w)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	var approve bool
	switch strings.ToUpper(body.Action) {
	case "APPROVE":
		approve = true
	case "REJECT":
	default:
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, "action must be APPROVE or REJECT")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.loadForParty(w, r, caller)
	if !ok {
		return
	}
	before := rec.Status
	if err := rec.ResolveCharge(r.PathValue("chargeId"), approve, s.opts.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.save(w, r, rec) {
		return
	}

	rooms := []string{customerRoom(rec), technicianRoom(rec.TechnicianID), events.BookingRoom(rec.ID)}
	s.push(events.EvChargeUpdate, events.ChargeUpdatePayload{BookingID: rec.ID}, rooms...)
	if rec.Status != before {
		s.push(events.EvStatusUpdate, events.StatusUpdatePayload{BookingID: rec.ID, Status: string(rec.Status)}, rooms...)
	}
	title := "Extra charge rejected"
	if approve {
		title = "Extra charge approved"
	}
	s.notify(technicianRoom(rec.TechnicianID), events.NotificationPayload{
		Type:     events.NotifyExtraCharge,
		Title:    title,
		Metadata: events.NotificationMetadata{BookingID: rec.ID},
	})
	writeJSON(w, http.StatusOK, rec)
}
