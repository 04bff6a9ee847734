package events

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"booking_status_update","data":{"bookingId":"B1","status":"EN_ROUTE"}}`))
	require.NoError(t, err)
	assert.Equal(t, EvStatusUpdate, env.Event)

	var p StatusUpdatePayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "B1", p.BookingID)
	assert.Equal(t, "EN_ROUTE", p.Status)
}

func TestParseEnvelope_Invalid(t *testing.T) {
	_, err := ParseEnvelope([]byte(`not json`))
	require.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"data":{}}`))
	require.Error(t, err, "frame without event name")
}

func TestNewEnvelope_JobOfferTimes(t *testing.T) {
	expires := time.Date(2026, time.March, 1, 10, 0, 5, 0, time.UTC)
	env, err := NewEnvelope(EvJobOffer, JobOfferPayload{BookingID: "B9", ExpiresAt: expires})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &decoded))
	assert.Equal(t, "2026-03-01T10:00:05Z", decoded["expiresAt"])

	bare, err := NewEnvelope(EvHeartbeat, nil)
	require.NoError(t, err)
	assert.Nil(t, bare.Data)
}

func TestName_IsControl(t *testing.T) {
	assert.True(t, EvHeartbeat.IsControl())
	assert.True(t, EvConnected.IsControl())
	assert.False(t, EvNotification.IsControl())
}

func TestNotificationType_IsBookingLifecycle(t *testing.T) {
	assert.True(t, NotifyBookingConfirmed.IsBookingLifecycle())
	assert.True(t, NotifyBookingFailed.IsBookingLifecycle())
	assert.False(t, NotifyPaymentReceived.IsBookingLifecycle())
	assert.False(t, NotifyGeneral.IsBookingLifecycle())
}

func TestIdentity_QueryParamsByRole(t *testing.T) {
	tech := Identity{ID: "t-7", Role: RoleTechnician}
	q := tech.QueryParams()
	assert.Equal(t, "TECHNICIAN", q.Get("role"))
	assert.Equal(t, "t-7", q.Get("techId"))
	assert.Empty(t, q.Get("userId"))

	cust := Identity{ID: "u-1", Role: RoleCustomer}
	assert.Equal(t, "u-1", cust.QueryParams().Get("userId"))
}

func TestIdentityFromQuery_RoundTrip(t *testing.T) {
	in := Identity{ID: "t-7", Role: RoleTechnician}
	out, err := IdentityFromQuery(in.QueryParams())
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "TECHNICIAN:t-7", out.Room())
}

func TestIdentityFromQuery_Rejects(t *testing.T) {
	_, err := IdentityFromQuery(url.Values{"role": {"CUSTOMER"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingIdentity))

	_, err = IdentityFromQuery(url.Values{"role": {"pilot"}, "userId": {"u"}})
	require.Error(t, err)
}

func TestIdentity_Validate(t *testing.T) {
	assert.ErrorIs(t, Identity{Role: RoleCustomer}.Validate(), ErrMissingIdentity)
	assert.ErrorIs(t, Identity{ID: "u1"}.Validate(), ErrMissingIdentity)
	assert.NoError(t, Identity{ID: "u1", Role: RoleAdmin}.Validate())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("technician")
	require.NoError(t, err)
	assert.Equal(t, RoleTechnician, r)
}

func TestKind_String(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range Kinds {
		s := k.String()
		assert.NotEqual(t, "unknown", s)
		assert.False(t, seen[s], "duplicate kind name %s", s)
		seen[s] = true
	}
	assert.Equal(t, "unknown", KindUnknown.String())
}
