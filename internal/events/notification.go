package events

// NotificationType discriminates the generic notification envelope.
type NotificationType string

const (
	NotifyBookingConfirmed    NotificationType = "BOOKING_CONFIRMED"
	NotifyBookingCancelled    NotificationType = "BOOKING_CANCELLED"
	NotifyBookingStatusUpdate NotificationType = "BOOKING_STATUS_UPDATE"
	NotifyBookingFailed       NotificationType = "BOOKING_FAILED"
	NotifyExtraCharge         NotificationType = "EXTRA_CHARGE"
	NotifyPaymentRequest      NotificationType = "PAYMENT_REQUEST"
	NotifyPaymentReceived     NotificationType = "PAYMENT_RECEIVED"
	NotifyGeneral             NotificationType = "GENERAL"
)

// IsBookingLifecycle reports whether t duplicates a direct lifecycle event.
func (t NotificationType) IsBookingLifecycle() bool {
	switch t {
	case NotifyBookingConfirmed, NotifyBookingCancelled, NotifyBookingStatusUpdate, NotifyBookingFailed:
		return true
	}
	return false
}

// NotificationPayload is the catch-all alert envelope. Lifecycle types repeat
// what a direct event says so a dropped direct event is still applied.
type NotificationPayload struct {
	Type     NotificationType     `json:"type"`
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Metadata NotificationMetadata `json:"metadata"`
}

// NotificationMetadata holds the optional booking fields of a notification.
type NotificationMetadata struct {
	BookingID string `json:"bookingId,omitempty"`
	TechName  string `json:"techName,omitempty"`
	OTP       string `json:"otp,omitempty"`
	TechPhoto string `json:"techPhoto,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
