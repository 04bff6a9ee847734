package simserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homefix/bookingsync/internal/events"
)

func dialPush(t *testing.T, ts *httptest.Server, id events.Identity) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + id.QueryParams().Encode()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	var env events.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	require.Equal(t, events.EvConnected, env.Event)
	return ws
}

func TestMayFollowBooking(t *testing.T) {
	srv, ts := newTestServer(t, Options{})
	seedAccepted(t, newClient(ts, ""))

	assert.True(t, srv.mayFollowBooking(customer, "B42"))
	assert.True(t, srv.mayFollowBooking(technician, "B42"))
	assert.True(t, srv.mayFollowBooking(events.Identity{ID: "ops", Role: events.RoleAdmin}, "B42"))
	assert.False(t, srv.mayFollowBooking(events.Identity{ID: "c2", Role: events.RoleCustomer}, "B42"))
	assert.False(t, srv.mayFollowBooking(events.Identity{ID: "t9", Role: events.RoleTechnician}, "B42"))
	assert.False(t, srv.mayFollowBooking(customer, "B404"))
}

func TestPushJoinRejectsForeignRooms(t *testing.T) {
	srv, ts := newTestServer(t, Options{})
	seedAccepted(t, newClient(ts, ""))

	intruder := dialPush(t, ts, events.Identity{ID: "c2", Role: events.RoleCustomer})
	for _, room := range []string{customer.Room(), events.BookingRoom("B42")} {
		require.NoError(t, intruder.WriteJSON(events.ClientMessage{Type: "join", Room: room}))
		require.NoError(t, intruder.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env events.Envelope
		require.NoError(t, intruder.ReadJSON(&env))
		assert.Equal(t, events.EvError, env.Event, room)
	}
	assert.Equal(t, 0, srv.Hub().RoomSize(events.BookingRoom("B42")))

	party := dialPush(t, ts, technician)
	require.NoError(t, party.WriteJSON(events.ClientMessage{Type: "join", Room: events.BookingRoom("B42")}))
	require.Eventually(t, func() bool {
		return srv.Hub().RoomSize(events.BookingRoom("B42")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A push to the victim's rooms never reaches the intruder.
	require.NoError(t, newClient(ts, "").As(customer).CancelBooking(context.Background(), "B42", "changed plans"))
	require.NoError(t, intruder.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var env events.Envelope
	assert.Error(t, intruder.ReadJSON(&env))
}
