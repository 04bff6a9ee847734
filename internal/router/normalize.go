package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/homefix/bookingsync/internal/events"
)

var (
	// ErrUnknownEvent is returned for an event name outside the catalog.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformedPayload is returned when a payload does not decode or lacks
	// its booking ID.
	ErrMalformedPayload = errors.New("malformed event payload")
)

const (
	statusAccepted  = "ACCEPTED"
	statusCancelled = "CANCELLED"
	statusFailed    = "FAILED_ASSIGNMENT"
)

// Normalize reduces a frame from either channel to normalized events. Direct
// events yield one event. A notification envelope yields a GenericNotification
// and, for booking lifecycle types, the same event the direct channel would
// have produced. Control frames yield nothing.
func Normalize(env events.Envelope, now time.Time) ([]events.Normalized, error) {
	if env.Event.IsControl() {
		return nil, nil
	}
	if env.Event == events.EvNotification {
		return normalizeNotification(env.Data, now)
	}

	ev := events.Normalized{Source: events.SourceDirect, ReceivedAt: now}
	switch env.Event {
	case events.EvBookingConfirmed:
		var p events.BookingConfirmedPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		ev.Kind = events.KindBookingConfirmed
		ev.BookingID = p.BookingID
		ev.Status = confirmedStatus(p.Status)
		ev.Technician = &events.TechnicianSnapshot{
			Name:          p.TechName,
			PhotoURL:      p.PhotoURL,
			OTP:           p.OTP,
			VehicleNumber: p.VehicleNumber,
		}
	case events.EvJobOffer:
		var p events.JobOfferPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		ev.Kind = events.KindJobOffer
		ev.BookingID = p.BookingID
		ev.Offer = &p
	case events.EvStatusUpdate:
		var p events.StatusUpdatePayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		ev.Kind = events.KindBookingStatusUpdate
		ev.BookingID = p.BookingID
		ev.Status = p.Status
	case events.EvApprovalRequest:
		var p events.ApprovalRequestPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		ev.Kind = events.KindApprovalRequest
		ev.BookingID = p.BookingID
		item := p.ExtraItem
		ev.ExtraItem = &item
	case events.EvPaymentRequest:
		var p events.PaymentRequestPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		ev.Kind = events.KindPaymentRequest
		ev.BookingID = p.BookingID
		ev.TotalAmount = p.TotalAmount
	case events.EvChargeUpdate:
		var p events.ChargeUpdatePayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		ev.Kind = events.KindChargeUpdate
		ev.BookingID = p.BookingID
	case events.EvBookingCancelled, events.EvBookingFailed:
		var p events.ReasonPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		ev.BookingID = p.BookingID
		ev.Reason = p.Reason
		if env.Event == events.EvBookingCancelled {
			ev.Kind, ev.Status = events.KindBookingCancelled, statusCancelled
		} else {
			ev.Kind, ev.Status = events.KindBookingFailed, statusFailed
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if ev.BookingID == "" {
		return nil, fmt.Errorf("%w: %s without bookingId", ErrMalformedPayload, env.Event)
	}
	return []events.Normalized{ev}, nil
}

func normalizeNotification(data json.RawMessage, now time.Time) ([]events.Normalized, error) {
	var p events.NotificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: notification: %v", ErrMalformedPayload, err)
	}
	md := p.Metadata

	var out []events.Normalized
	if md.BookingID != "" && p.Type.IsBookingLifecycle() {
		ev := events.Normalized{
			BookingID:  md.BookingID,
			Source:     events.SourceNotification,
			ReceivedAt: now,
		}
		switch p.Type {
		case events.NotifyBookingConfirmed:
			ev.Kind = events.KindBookingConfirmed
			ev.Status = confirmedStatus(md.Status)
			ev.Technician = &events.TechnicianSnapshot{
				Name:     md.TechName,
				PhotoURL: md.TechPhoto,
				OTP:      md.OTP,
			}
		case events.NotifyBookingStatusUpdate:
			ev.Kind = events.KindBookingStatusUpdate
			ev.Status = md.Status
		case events.NotifyBookingCancelled:
			ev.Kind, ev.Status, ev.Reason = events.KindBookingCancelled, statusCancelled, md.Reason
		case events.NotifyBookingFailed:
			ev.Kind, ev.Status, ev.Reason = events.KindBookingFailed, statusFailed, md.Reason
		}
		if ev.Kind != events.KindBookingStatusUpdate || ev.Status != "" {
			out = append(out, ev)
		}
	}

	n := p
	out = append(out, events.Normalized{
		Kind:         events.KindGenericNotification,
		BookingID:    md.BookingID,
		Source:       events.SourceNotification,
		Notification: &n,
		ReceivedAt:   now,
	})
	return out, nil
}

func decode(env events.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformedPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Event, err)
	}
	return nil
}

// confirmedStatus defaults a confirmation without status to ACCEPTED.
func confirmedStatus(s string) string {
	if s == "" {
		return statusAccepted
	}
	return s
}
