// Package lifecycle holds the page-level booking state machines: customer
// tracking, the technician's active job, and the technician's incoming offer.
// Each consumer reconciles against REST on mount, listens to router observer
// slots while mounted, and reports toasts and navigation on the bus.
package lifecycle

import (
	"context"
	"time"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/router"
)

// BookingAPI is the REST surface the consumers use. *api.Client satisfies it.
type BookingAPI interface {
	GetBooking(ctx context.Context, id string) (booking.Record, error)
	GetActiveBooking(ctx context.Context) (booking.Record, error)
	CancelBooking(ctx context.Context, id, reason string) error
	RespondExtraCharge(ctx context.Context, bookingID, chargeID string, approve bool) error
	RespondJobOffer(ctx context.Context, bookingID string, accept bool) error
	VerifyOTP(ctx context.Context, bookingID, otp string) error
	UpdateBookingStatus(ctx context.Context, bookingID string, status booking.Status) error
	AddExtraCharge(ctx context.Context, bookingID string, req api.ExtraChargeRequest) (booking.ExtraCharge, error)
}

// Observers is the router's slot registry. *router.Router satisfies it.
type Observers interface {
	On(kind events.Kind, fn router.Observer)
	Off(kind events.Kind)
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the offer countdown.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

// Deps are shared by every consumer. Store, router and API client are built
// once at the application root.
type Deps struct {
	API       BookingAPI
	Store     *booking.Store
	Observers Observers
	Bus       *eventbus.EventBus
	Clock     Clock
}

func (d Deps) clock() Clock {
	if d.Clock == nil {
		return RealClock()
	}
	return d.Clock
}

// Route is a navigation target.
type Route string

const (
	RouteDashboard Route = "dashboard"
	RouteHistory   Route = "history"
	RouteTracking  Route = "tracking"
	RoutePayment   Route = "payment"
	RouteActiveJob Route = "active-job"
)

// Navigation asks the shell to leave the current page.
type Navigation struct {
	Route     Route
	BookingID string
	Reason    string
}

// ToastLevel is the severity of a toast.
type ToastLevel string

const (
	ToastInfo    ToastLevel = "info"
	ToastSuccess ToastLevel = "success"
	ToastWarn    ToastLevel = "warn"
	ToastError   ToastLevel = "error"
)

// Toast is a non-blocking user notification.
type Toast struct {
	Level     ToastLevel
	Title     string
	Message   string
	BookingID string
}

func toast(bus *eventbus.EventBus, t Toast) {
	bus.Emit(eventbus.Event{Type: eventbus.EventToast, Channel: t.BookingID, Data: t})
}

func navigate(bus *eventbus.EventBus, n Navigation) {
	bus.Emit(eventbus.Event{Type: eventbus.EventNavigate, Channel: n.BookingID, Data: n})
}
