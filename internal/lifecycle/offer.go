package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/logging"
)

var (
	// ErrNoOffer is returned when there is no pending offer to act on.
	ErrNoOffer = errors.New("no pending job offer")
	// ErrOfferExpired is returned when acting on an offer past its expiry.
	ErrOfferExpired = errors.New("job offer expired")
)

// rejectTimeout bounds the best-effort reject sent when an offer lapses.
const rejectTimeout = 10 * time.Second

// pendingOffer is the offer the countdown runs for.
type pendingOffer struct {
	offer    booking.JobOffer
	timer    Timer
	resolved bool
}

// IncomingOffer is the technician's incoming job modal. It follows the
// store's offer slot and runs a countdown to the offer's expiry. When the
// countdown lapses it clears the offer and, if the server had not already
// withdrawn it, tells the server the technician let it lapse.
type IncomingOffer struct {
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	mounted bool
	unsub   func()
	current *pendingOffer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIncomingOffer creates the offer modal.
func NewIncomingOffer(deps Deps) *IncomingOffer {
	deps.Clock = deps.clock()
	return &IncomingOffer{
		deps: deps,
		log:  logging.ForComponent(logging.CompLifecycle).With("page", "incoming-offer"),
	}
}

// Mount starts watching the offer slot. An offer already in the store starts
// its countdown immediately.
func (o *IncomingOffer) Mount() {
	o.mu.Lock()
	if o.mounted {
		o.mu.Unlock()
		return
	}
	o.mounted = true
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	o.deps.Observers.On(events.KindJobOffer, o.onJobOffer)
	unsub := o.deps.Bus.SubscribeTypes(o.onOfferChanged, eventbus.EventOfferChanged)

	o.mu.Lock()
	o.unsub = unsub
	o.mu.Unlock()

	if offer, ok := o.deps.Store.Offer(); ok {
		o.track(offer)
	}
}

// Unmount stops the countdown and stops watching. The offer stays in the
// store.
func (o *IncomingOffer) Unmount() {
	o.mu.Lock()
	if !o.mounted {
		o.mu.Unlock()
		return
	}
	o.mounted = false
	o.cancel()
	unsub := o.unsub
	o.unsub = nil
	if o.current != nil {
		o.current.timer.Stop()
		o.current = nil
	}
	o.mu.Unlock()

	o.deps.Observers.Off(events.KindJobOffer)
	if unsub != nil {
		unsub()
	}
	o.wg.Wait()
}

// Offer returns the offer being counted down.
func (o *IncomingOffer) Offer() (booking.JobOffer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.resolved {
		return booking.JobOffer{}, false
	}
	return o.current.offer, true
}

// Remaining returns the time left on the current offer.
func (o *IncomingOffer) Remaining() time.Duration {
	offer, ok := o.Offer()
	if !ok {
		return 0
	}
	if d := offer.ExpiresAt.Sub(o.deps.Clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Accept accepts the current offer. On success the offer is cleared and the
// shell is sent to the active job page.
func (o *IncomingOffer) Accept(ctx context.Context) error {
	offer, err := o.resolve()
	if err != nil {
		return err
	}
	if err := o.deps.API.RespondJobOffer(ctx, offer.BookingID, true); err != nil {
		o.deps.Store.ClearOffer(offer.BookingID)
		if errors.Is(err, api.ErrConflict) || errors.Is(err, api.ErrNotFound) {
			toast(o.deps.Bus, Toast{Level: ToastWarn, Title: "Job no longer available", BookingID: offer.BookingID})
		}
		return fmt.Errorf("lifecycle: accept %s: %w", offer.BookingID, err)
	}
	o.deps.Store.ClearOffer(offer.BookingID)
	toast(o.deps.Bus, Toast{Level: ToastSuccess, Title: "Job accepted", Message: offer.ServiceName, BookingID: offer.BookingID})
	navigate(o.deps.Bus, Navigation{Route: RouteActiveJob, BookingID: offer.BookingID})
	return nil
}

// Reject declines the current offer. The offer is cleared whether or not the
// request succeeds.
func (o *IncomingOffer) Reject(ctx context.Context) error {
	offer, err := o.resolve()
	if err != nil {
		return err
	}
	o.deps.Store.ClearOffer(offer.BookingID)
	if err := o.deps.API.RespondJobOffer(ctx, offer.BookingID, false); err != nil {
		return fmt.Errorf("lifecycle: reject %s: %w", offer.BookingID, err)
	}
	return nil
}

// resolve marks the current offer resolved and stops its countdown.
func (o *IncomingOffer) resolve() (booking.JobOffer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.current
	if p == nil || p.resolved {
		return booking.JobOffer{}, ErrNoOffer
	}
	if !o.deps.Clock.Now().Before(p.offer.ExpiresAt) {
		return booking.JobOffer{}, ErrOfferExpired
	}
	p.resolved = true
	p.timer.Stop()
	return p.offer, nil
}

func (o *IncomingOffer) onJobOffer(ev events.Normalized) {
	if ev.Offer == nil {
		return
	}
	if offer, ok := o.deps.Store.Offer(); ok && offer.BookingID == ev.BookingID {
		o.track(offer)
	}
}

func (o *IncomingOffer) onOfferChanged(e eventbus.Event) {
	offer, _ := e.Data.(*booking.JobOffer)
	if offer == nil {
		o.untrack()
		return
	}
	o.track(*offer)
}

// track starts the countdown for offer, replacing any other countdown.
func (o *IncomingOffer) track(offer booking.JobOffer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.mounted {
		return
	}
	if p := o.current; p != nil {
		if p.offer == offer {
			return
		}
		p.timer.Stop()
	}

	wait := offer.ExpiresAt.Sub(o.deps.Clock.Now())
	if wait < 0 {
		wait = 0
	}
	p := &pendingOffer{offer: offer}
	p.timer = o.deps.Clock.AfterFunc(wait, func() { o.expire(p) })
	o.current = p

	o.log.Debug("offer_countdown_started",
		slog.String("booking_id", offer.BookingID),
		slog.Duration("remaining", wait))
}

// untrack stops the countdown after the store dropped the offer: accepted
// elsewhere, withdrawn, or cleared by an action.
func (o *IncomingOffer) untrack() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.timer.Stop()
		o.current = nil
	}
}

func (o *IncomingOffer) expire(p *pendingOffer) {
	o.mu.Lock()
	if o.current != p || p.resolved || !o.mounted {
		o.mu.Unlock()
		return
	}
	p.resolved = true
	o.current = nil
	ctx := o.ctx
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	id := p.offer.BookingID
	// A server-side timeout already withdrew the offer; nothing to report.
	if !o.deps.Store.ClearOffer(id) {
		return
	}
	toast(o.deps.Bus, Toast{Level: ToastInfo, Title: "Job offer expired", Message: p.offer.ServiceName, BookingID: id})

	ctx, cancel := context.WithTimeout(ctx, rejectTimeout)
	defer cancel()
	if err := o.deps.API.RespondJobOffer(ctx, id, false); err != nil {
		o.log.Debug("lapsed_offer_reject_failed",
			slog.String("booking_id", id),
			slog.String("error", err.Error()))
	}
}
