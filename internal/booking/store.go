package booking

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/logging"
)

// reconcileSeq tracks REST reconciliation fetches for one booking.
type reconcileSeq struct {
	issued    uint64
	committed uint64
}

// Store is the client-side booking state. It is mutated only through Apply
// (normalized events) and CommitReconcile (REST responses).
type Store struct {
	mu       sync.Mutex
	bus      *eventbus.EventBus
	log      *slog.Logger
	now      func() time.Time
	bookings map[string]*Record
	offer    *JobOffer
	seqs     map[string]*reconcileSeq
}

// NewStore creates an empty store publishing changes on bus. bus may be nil.
func NewStore(bus *eventbus.EventBus) *Store {
	return &Store{
		bus:      bus,
		log:      logging.ForComponent(logging.CompBooking),
		now:      time.Now,
		bookings: make(map[string]*Record),
		seqs:     make(map[string]*reconcileSeq),
	}
}

// change is a pending bus notification collected under the lock and
// emitted after it is released.
type change struct {
	booking    *Record
	offerDirty bool
	offer      *JobOffer
}

// Apply runs the reducer for role and ev.Kind. It reports whether the store
// changed. Kinds without a reducer for the role are ignored.
func (s *Store) Apply(role events.Role, ev events.Normalized) bool {
	r, ok := reducers[role][ev.Kind]
	if !ok {
		return false
	}

	s.mu.Lock()
	var ch change
	changed := r(s, ev, &ch)
	s.mu.Unlock()

	if changed {
		s.log.Debug("booking_event_applied",
			slog.String("role", string(role)),
			slog.String("kind", ev.Kind.String()),
			slog.String("booking_id", ev.BookingID),
			slog.String("source", ev.Source.String()))
	}
	s.publish(ch)
	return changed
}

func (s *Store) publish(ch change) {
	if ch.booking != nil {
		s.bus.Emit(eventbus.Event{Type: eventbus.EventBookingChanged, Channel: ch.booking.ID, Data: *ch.booking})
	}
	if ch.offerDirty {
		var id string
		if ch.offer != nil {
			id = ch.offer.BookingID
		}
		s.bus.Emit(eventbus.Event{Type: eventbus.EventOfferChanged, Channel: id, Data: ch.offer})
	}
}

// Booking returns a copy of the cached record.
func (s *Store) Booking(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bookings[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Bookings returns copies of every cached record ordered by ID.
func (s *Store) Bookings() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.bookings))
	for _, rec := range s.bookings {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Offer returns the technician's current incoming offer.
func (s *Store) Offer() (JobOffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offer == nil {
		return JobOffer{}, false
	}
	return *s.offer, true
}

// ClearOffer removes the incoming offer if it is for bookingID (any offer
// when bookingID is empty). It reports whether an offer was removed.
func (s *Store) ClearOffer(bookingID string) bool {
	s.mu.Lock()
	var ch change
	cleared := s.clearOfferLocked(bookingID, &ch)
	s.mu.Unlock()
	s.publish(ch)
	return cleared
}

func (s *Store) clearOfferLocked(bookingID string, ch *change) bool {
	if s.offer == nil || (bookingID != "" && s.offer.BookingID != bookingID) {
		return false
	}
	s.offer = nil
	ch.offerDirty = true
	ch.offer = nil
	return true
}

// BeginReconcile stamps a new REST fetch for booking id.
func (s *Store) BeginReconcile(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sq := s.seqFor(id)
	sq.issued++
	return sq.issued
}

// CommitReconcile stores a REST response unless a response to a later
// fetch for the same booking was already committed. It reports whether rec
// was stored.
func (s *Store) CommitReconcile(id string, seq uint64, rec Record) bool {
	s.mu.Lock()
	sq := s.seqFor(id)
	if seq <= sq.committed {
		s.mu.Unlock()
		s.log.Debug("stale_reconcile_discarded",
			slog.String("booking_id", id),
			slog.Uint64("seq", seq),
			slog.Uint64("committed", sq.committed))
		return false
	}
	sq.committed = seq
	stored := rec.Clone()
	stored.ID = id
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}
	s.bookings[id] = &stored
	out := stored.Clone()
	s.mu.Unlock()

	s.publish(change{booking: &out})
	return true
}

// Forget drops a cached booking. Fetches already in flight for it are
// discarded when they resolve.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	_, had := s.bookings[id]
	delete(s.bookings, id)
	sq := s.seqFor(id)
	sq.committed = sq.issued
	s.mu.Unlock()

	if had {
		s.bus.Emit(eventbus.Event{Type: eventbus.EventBookingForgotten, Channel: id})
	}
}

func (s *Store) seqFor(id string) *reconcileSeq {
	sq, ok := s.seqs[id]
	if !ok {
		sq = &reconcileSeq{}
		s.seqs[id] = sq
	}
	return sq
}

// recordFor returns the cached record, creating it when create is set.
func (s *Store) recordFor(id string, create bool) *Record {
	rec, ok := s.bookings[id]
	if !ok && create {
		rec = &Record{ID: id}
		s.bookings[id] = rec
	}
	return rec
}
