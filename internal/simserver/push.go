package simserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/logging"
)

// ErrSubscriptionGone is returned when the push service reports the
// subscription expired. The subscription is deleted.
var ErrSubscriptionGone = errors.New("push subscription gone")

// Pusher delivers notifications through web push to identities without a
// live socket.
type Pusher struct {
	repo *Repo
	opts webpush.Options
	log  *slog.Logger
}

func newPusher(repo *Repo, opts webpush.Options) *Pusher {
	return &Pusher{
		repo: repo,
		opts: opts,
		log:  logging.ForComponent(logging.CompSim).With("channel", "webpush"),
	}
}

// Send pushes n to the subscription stored for room. A room without a
// subscription is not an error.
func (p *Pusher) Send(ctx context.Context, room string, n events.NotificationPayload) error {
	sub, err := p.repo.Subscription(ctx, room)
	if errors.Is(err, ErrNoSubscription) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("webpush: load subscription %s: %w", room, err)
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("webpush: encode notification: %w", err)
	}
	opts := p.opts
	resp, err := webpush.SendNotificationWithContext(ctx, data, &sub, &opts)
	if err != nil {
		return fmt.Errorf("webpush: send to %s: %w", room, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = p.repo.DeleteSubscription(ctx, room)
		return fmt.Errorf("%w: %s", ErrSubscriptionGone, room)
	case resp.StatusCode >= 300:
		return fmt.Errorf("webpush: send to %s: status %d", room, resp.StatusCode)
	}
	p.log.Debug("webpush_sent", slog.String("room", room), slog.String("type", string(n.Type)))
	return nil
}

// push writes a direct event to each room.
func (s *Server) push(name events.Name, payload any, rooms ...string) {
	env, err := events.NewEnvelope(name, payload)
	if err != nil {
		s.log.Error("push_encode_failed", slog.String("event", string(name)), slog.String("error", err.Error()))
		return
	}
	for _, room := range rooms {
		if room == "" {
			continue
		}
		eventbus.Push(s.bus, room, env)
	}
}

// notify sends a notification envelope to an identity room, falling back to
// web push when nobody in the room is connected.
func (s *Server) notify(room string, n events.NotificationPayload) {
	if room == "" {
		return
	}
	s.push(events.EvNotification, n, room)
	s.pushOffline(room, n)
}

// pushOffline sends n through web push when nobody in room is connected.
func (s *Server) pushOffline(room string, n events.NotificationPayload) {
	if room == "" || s.hub.RoomSize(room) > 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pusher.Send(s.baseCtx, room, n); err != nil {
			s.log.Warn("webpush_failed", slog.String("room", room), slog.String("error", err.Error()))
		}
	}()
}

func customerRoom(rec booking.Record) string {
	if rec.CustomerID == "" {
		return ""
	}
	return events.Identity{ID: rec.CustomerID, Role: events.RoleCustomer}.Room()
}

func technicianRoom(techID string) string {
	if techID == "" {
		return ""
	}
	return events.Identity{ID: techID, Role: events.RoleTechnician}.Room()
}

// statusTitles are the customer-facing notification titles per status.
var statusTitles = map[booking.Status]string{
	booking.StatusAssignedPending: "Looking for a technician",
	booking.StatusEnRoute:         "Technician on the way",
	booking.StatusReached:         "Technician has arrived",
	booking.StatusInProgress:      "Service started",
	booking.StatusCompleted:       "Service completed",
	booking.StatusPaid:            "Payment received",
}

// announceStatus pushes a status change on both channels. Parties get the
// direct event, the customer additionally gets the notification copy, and
// observers of the booking room get the direct event too.
func (s *Server) announceStatus(rec booking.Record) {
	payload := events.StatusUpdatePayload{BookingID: rec.ID, Status: string(rec.Status)}
	s.push(events.EvStatusUpdate, payload,
		customerRoom(rec), technicianRoom(rec.TechnicianID), events.BookingRoom(rec.ID))

	title := statusTitles[rec.Status]
	if title == "" {
		title = "Booking updated"
	}
	s.notify(customerRoom(rec), events.NotificationPayload{
		Type:  events.NotifyBookingStatusUpdate,
		Title: title,
		Metadata: events.NotificationMetadata{
			BookingID: rec.ID,
			Status:    string(rec.Status),
		},
	})
}
