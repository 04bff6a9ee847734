package booking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
)

func statusEvent(id, status string) events.Normalized {
	return events.Normalized{Kind: events.KindBookingStatusUpdate, BookingID: id, Status: status, ReceivedAt: t0}
}

func confirmedEvent(id string, src events.Source) events.Normalized {
	return events.Normalized{
		Kind:       events.KindBookingConfirmed,
		BookingID:  id,
		Source:     src,
		Status:     "ACCEPTED",
		Technician: &events.TechnicianSnapshot{Name: "Ravi", PhotoURL: "https://img/ravi.png", OTP: "4821"},
		ReceivedAt: t0,
	}
}

func offerEvent(id string) events.Normalized {
	return events.Normalized{
		Kind:      events.KindJobOffer,
		BookingID: id,
		Offer: &events.JobOfferPayload{
			BookingID:   id,
			ServiceName: "AC repair",
			Earnings:    450,
			Distance:    2.5,
			Address:     "12 MG Road",
			ExpiresAt:   t0.Add(30 * time.Second),
		},
	}
}

func TestStore_IdempotentStatus(t *testing.T) {
	s := NewStore(nil)

	assert.True(t, s.Apply(events.RoleCustomer, statusEvent("B1", "EN_ROUTE")))
	once, ok := s.Booking("B1")
	require.True(t, ok)

	assert.False(t, s.Apply(events.RoleCustomer, statusEvent("B1", "EN_ROUTE")))
	twice, _ := s.Booking("B1")
	assert.Equal(t, once, twice)
	assert.Equal(t, StatusEnRoute, twice.Status)
}

func TestStore_IllegalEventIgnored(t *testing.T) {
	s := NewStore(nil)
	s.Apply(events.RoleCustomer, statusEvent("B1", "REACHED"))
	assert.False(t, s.Apply(events.RoleCustomer, statusEvent("B1", "EN_ROUTE")))
	assert.False(t, s.Apply(events.RoleCustomer, statusEvent("B1", "WARPING")))

	rec, _ := s.Booking("B1")
	assert.Equal(t, StatusReached, rec.Status)
}

func TestStore_ChannelEquivalence(t *testing.T) {
	direct := NewStore(nil)
	viaNotification := NewStore(nil)

	direct.Apply(events.RoleCustomer, confirmedEvent("B7", events.SourceDirect))
	viaNotification.Apply(events.RoleCustomer, confirmedEvent("B7", events.SourceNotification))

	a, _ := direct.Booking("B7")
	b, _ := viaNotification.Booking("B7")
	assert.Equal(t, a, b)
	assert.Equal(t, StatusAccepted, a.Status)
	require.NotNil(t, a.Technician)
	assert.Equal(t, "Ravi", a.Technician.Name)
	assert.Equal(t, "4821", a.Meta.OTP)

	// The second channel arriving for the same fact is a no-op.
	assert.False(t, direct.Apply(events.RoleCustomer, confirmedEvent("B7", events.SourceNotification)))
}

func TestStore_ChannelEquivalenceWithPartialPayloads(t *testing.T) {
	direct := confirmedEvent("B7", events.SourceDirect)
	direct.Technician = &events.TechnicianSnapshot{Name: "Ravi", PhotoURL: "p.png", OTP: "1234", VehicleNumber: "KA01AB1234"}
	// The notification carries no vehicle number or photo.
	notified := confirmedEvent("B7", events.SourceNotification)
	notified.Technician = &events.TechnicianSnapshot{Name: "Ravi", OTP: "1234"}

	directFirst := NewStore(nil)
	require.True(t, directFirst.Apply(events.RoleCustomer, direct))
	assert.False(t, directFirst.Apply(events.RoleCustomer, notified), "second channel is a no-op")

	notifiedFirst := NewStore(nil)
	require.True(t, notifiedFirst.Apply(events.RoleCustomer, notified))
	assert.True(t, notifiedFirst.Apply(events.RoleCustomer, direct), "direct fills the missing fields")

	a, _ := directFirst.Booking("B7")
	b, _ := notifiedFirst.Booking("B7")
	assert.Equal(t, a, b)
	require.NotNil(t, a.Technician)
	assert.Equal(t, events.TechnicianSnapshot{Name: "Ravi", PhotoURL: "p.png", OTP: "1234", VehicleNumber: "KA01AB1234"}, *a.Technician)
	assert.Equal(t, "1234", a.Meta.OTP)
}

func TestStore_ReassignmentReplacesSnapshot(t *testing.T) {
	s := NewStore(nil)
	s.Apply(events.RoleCustomer, confirmedEvent("B7", events.SourceDirect))

	next := confirmedEvent("B7", events.SourceDirect)
	next.Technician = &events.TechnicianSnapshot{Name: "Meera", OTP: "9999"}
	require.True(t, s.Apply(events.RoleCustomer, next))

	rec, _ := s.Booking("B7")
	assert.Equal(t, events.TechnicianSnapshot{Name: "Meera", OTP: "9999"}, *rec.Technician)
	assert.Equal(t, "9999", rec.Meta.OTP)
}

func TestStore_CrossRoleIsolation(t *testing.T) {
	t.Run("customer ignores job offers", func(t *testing.T) {
		s := NewStore(nil)
		assert.False(t, s.Apply(events.RoleCustomer, offerEvent("B3")))
		_, ok := s.Offer()
		assert.False(t, ok)
	})

	t.Run("technician stores no technician snapshot", func(t *testing.T) {
		s := NewStore(nil)
		s.Apply(events.RoleTechnician, statusEvent("B3", "ASSIGNED_PENDING"))
		s.Apply(events.RoleTechnician, confirmedEvent("B3", events.SourceDirect))

		rec, ok := s.Booking("B3")
		require.True(t, ok)
		assert.Nil(t, rec.Technician)
		assert.Empty(t, rec.Meta.OTP)
		assert.Equal(t, StatusAccepted, rec.Status)
	})
}

func TestStore_ConfirmationClearsAnyOffer(t *testing.T) {
	s := NewStore(nil)
	require.True(t, s.Apply(events.RoleTechnician, offerEvent("B3")))
	o, ok := s.Offer()
	require.True(t, ok)
	assert.Equal(t, "AC repair", o.ServiceName)

	// Another booking's confirmation still dismisses the offer.
	assert.True(t, s.Apply(events.RoleTechnician, confirmedEvent("B99", events.SourceNotification)))
	_, ok = s.Offer()
	assert.False(t, ok)
	_, cached := s.Booking("B99")
	assert.False(t, cached, "technician does not cache bookings it was not part of")
}

func TestStore_CancellationWithdrawsOffer(t *testing.T) {
	s := NewStore(nil)
	s.Apply(events.RoleTechnician, offerEvent("B3"))

	s.Apply(events.RoleTechnician, events.Normalized{Kind: events.KindBookingCancelled, BookingID: "B4", Status: "CANCELLED"})
	_, ok := s.Offer()
	assert.True(t, ok, "other booking's cancellation leaves the offer")

	s.Apply(events.RoleTechnician, events.Normalized{Kind: events.KindBookingCancelled, BookingID: "B3", Status: "CANCELLED", Reason: "customer left"})
	_, ok = s.Offer()
	assert.False(t, ok)
	rec, _ := s.Booking("B3")
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.Equal(t, "customer left", rec.CancelReason)
}

func TestStore_ApprovalRequestAddsPendingCharge(t *testing.T) {
	s := NewStore(nil)
	s.Apply(events.RoleCustomer, statusEvent("B42", "REACHED"))

	ev := events.Normalized{
		Kind:      events.KindApprovalRequest,
		BookingID: "B42",
		ExtraItem: &events.ExtraItem{ID: "E1", Title: "Capacitor", Amount: 250},
	}
	assert.True(t, s.Apply(events.RoleCustomer, ev))
	assert.False(t, s.Apply(events.RoleCustomer, ev))

	rec, _ := s.Booking("B42")
	assert.Equal(t, StatusExtrasPending, rec.Status)
	require.Len(t, rec.ExtraCharges, 1)
	assert.Equal(t, ChargePending, rec.ExtraCharges[0].Status)
}

func TestStore_ReconcileOrdering(t *testing.T) {
	s := NewStore(nil)

	seq1 := s.BeginReconcile("B1")
	seq2 := s.BeginReconcile("B1")
	require.Greater(t, seq2, seq1)

	assert.True(t, s.CommitReconcile("B1", seq2, Record{Status: StatusInProgress, Pricing: Pricing{Total: 750}}))
	assert.False(t, s.CommitReconcile("B1", seq1, Record{Status: StatusReached, Pricing: Pricing{Total: 500}}))

	rec, _ := s.Booking("B1")
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, 750.0, rec.Pricing.Total)
	assert.Equal(t, "B1", rec.ID)
}

func TestStore_ReconcileInOrder(t *testing.T) {
	s := NewStore(nil)
	seq1 := s.BeginReconcile("B1")
	assert.True(t, s.CommitReconcile("B1", seq1, Record{Status: StatusReached}))
	seq2 := s.BeginReconcile("B1")
	assert.True(t, s.CommitReconcile("B1", seq2, Record{Status: StatusInProgress}))
}

func TestStore_ForgetDiscardsInFlight(t *testing.T) {
	s := NewStore(nil)
	seq := s.BeginReconcile("B1")
	s.Apply(events.RoleCustomer, statusEvent("B1", "PAID"))
	s.Forget("B1")

	assert.False(t, s.CommitReconcile("B1", seq, Record{Status: StatusPaid}))
	_, ok := s.Booking("B1")
	assert.False(t, ok)
}

func TestStore_PublishesChanges(t *testing.T) {
	bus := eventbus.New()
	s := NewStore(bus)

	var mu sync.Mutex
	var got []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	s.Apply(events.RoleTechnician, offerEvent("B3"))
	s.Apply(events.RoleCustomer, statusEvent("B1", "ACCEPTED"))
	s.Apply(events.RoleCustomer, statusEvent("B1", "ACCEPTED"))
	s.ClearOffer("B3")
	s.Forget("B1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	assert.Equal(t, eventbus.EventOfferChanged, got[0].Type)
	assert.Equal(t, eventbus.EventBookingChanged, got[1].Type)
	assert.Equal(t, "B1", got[1].Channel)
	rec, ok := got[1].Data.(Record)
	require.True(t, ok)
	assert.Equal(t, StatusAccepted, rec.Status)
	assert.Equal(t, eventbus.EventOfferChanged, got[2].Type)
	assert.Nil(t, got[2].Data.(*JobOffer))
	assert.Equal(t, eventbus.EventBookingForgotten, got[3].Type)
}
