package events

import "time"

// Kind is the router's internal event category. Observers register per Kind.
type Kind int

const (
	KindUnknown Kind = iota
	KindBookingConfirmed
	KindBookingStatusUpdate
	KindBookingCancelled
	KindBookingFailed
	KindJobOffer
	KindApprovalRequest
	KindPaymentRequest
	KindChargeUpdate
	KindGenericNotification
)

// Kinds lists every routable kind.
var Kinds = []Kind{
	KindBookingConfirmed,
	KindBookingStatusUpdate,
	KindBookingCancelled,
	KindBookingFailed,
	KindJobOffer,
	KindApprovalRequest,
	KindPaymentRequest,
	KindChargeUpdate,
	KindGenericNotification,
}

func (k Kind) String() string {
	switch k {
	case KindBookingConfirmed:
		return "booking-confirmed"
	case KindBookingStatusUpdate:
		return "booking-status-update"
	case KindBookingCancelled:
		return "booking-cancelled"
	case KindBookingFailed:
		return "booking-failed"
	case KindJobOffer:
		return "job-offer"
	case KindApprovalRequest:
		return "approval-request"
	case KindPaymentRequest:
		return "payment-request"
	case KindChargeUpdate:
		return "charge-update"
	case KindGenericNotification:
		return "generic-notification"
	default:
		return "unknown"
	}
}

// Source records which channel produced a normalized event.
type Source int

const (
	SourceDirect Source = iota
	SourceNotification
)

func (s Source) String() string {
	if s == SourceNotification {
		return "notification"
	}
	return "direct"
}

// TechnicianSnapshot is what a customer sees about the assigned technician.
type TechnicianSnapshot struct {
	Name          string `json:"name"`
	PhotoURL      string `json:"photoUrl,omitempty"`
	OTP           string `json:"otp,omitempty"`
	VehicleNumber string `json:"vehicleNumber,omitempty"`
}

// Normalized is the single shape both channels are reduced to. Only the
// fields relevant to Kind are set.
type Normalized struct {
	Kind         Kind
	BookingID    string
	Source       Source
	Status       string
	Technician   *TechnicianSnapshot
	Offer        *JobOfferPayload
	ExtraItem    *ExtraItem
	TotalAmount  float64
	Reason       string
	Notification *NotificationPayload
	ReceivedAt   time.Time

	// Applied is set by the router once the reducer has run: whether the
	// event changed the store.
	Applied bool
}
