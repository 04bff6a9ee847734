// Package events is the contract between the marketplace backend and the
// client: wire event names, their payload shapes, and the normalized event
// model the router produces from them.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Name identifies a server-pushed event on the wire.
type Name string

const (
	EvBookingConfirmed Name = "booking_confirmed"
	EvJobOffer         Name = "new_job_offer"
	EvStatusUpdate     Name = "booking_status_update"
	EvNotification     Name = "notification"
	EvApprovalRequest  Name = "extra_charge_approval"
	EvPaymentRequest   Name = "payment_request"
	EvChargeUpdate     Name = "charge_status_update"
	EvBookingCancelled Name = "booking_cancelled"
	EvBookingFailed    Name = "booking_failed"

	// Transport-level frames, diagnostics only.
	EvConnected Name = "connected"
	EvHeartbeat Name = "heartbeat"
	EvPong      Name = "pong"
	EvError     Name = "error"
)

// IsControl reports whether n is a transport frame rather than a domain event.
func (n Name) IsControl() bool {
	switch n {
	case EvConnected, EvHeartbeat, EvPong, EvError:
		return true
	}
	return false
}

// Envelope is a single server-to-client frame.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(name Name, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: name}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s payload: %w", name, err)
	}
	return Envelope{Event: name, Data: data}, nil
}

// ParseEnvelope decodes a raw frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: invalid frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("events: frame without event name")
	}
	return env, nil
}

// ClientMessage is a client-to-server frame.
type ClientMessage struct {
	Type string `json:"type"`           // "ping" or "join"
	Room string `json:"room,omitempty"` // for "join"
}

// BookingConfirmedPayload announces the technician assigned to a booking.
type BookingConfirmedPayload struct {
	BookingID     string `json:"bookingId"`
	TechName      string `json:"techName"`
	PhotoURL      string `json:"photoUrl,omitempty"`
	OTP           string `json:"otp,omitempty"`
	VehicleNumber string `json:"vehicleNumber,omitempty"`
	Status        string `json:"status"`
}

// JobOfferPayload is pushed to technicians being offered a booking.
type JobOfferPayload struct {
	BookingID   string    `json:"bookingId"`
	ServiceName string    `json:"serviceName"`
	Earnings    float64   `json:"earnings"`
	Distance    float64   `json:"distance"`
	Address     string    `json:"address"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// StatusUpdatePayload carries a bare status change.
type StatusUpdatePayload struct {
	BookingID string `json:"bookingId"`
	Status    string `json:"status"`
}

// ExtraItem is an additional charge a technician asks the customer to approve.
type ExtraItem struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Amount   float64 `json:"amount"`
	ProofURL string  `json:"proofUrl,omitempty"`
}

// ApprovalRequestPayload asks the customer to approve an extra charge.
type ApprovalRequestPayload struct {
	BookingID string    `json:"bookingId"`
	ExtraItem ExtraItem `json:"extraItem"`
}

// PaymentRequestPayload asks the customer to pay the final amount.
type PaymentRequestPayload struct {
	BookingID   string  `json:"bookingId"`
	TotalAmount float64 `json:"totalAmount"`
}

// ChargeUpdatePayload only signals that a booking's charges changed.
type ChargeUpdatePayload struct {
	BookingID string `json:"bookingId"`
}

// ReasonPayload is shared by booking_cancelled and booking_failed.
type ReasonPayload struct {
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason"`
}
