package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/events"
)

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

// recorder is an httptest handler that records requests and replies with a
// canned status and body.
type recorder struct {
	mu     sync.Mutex
	reqs   []capturedRequest
	status int
	reply  any
}

func (rc *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	rc.mu.Lock()
	rc.reqs = append(rc.reqs, capturedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Header: r.Header.Clone(), Body: body})
	status, reply := rc.status, rc.reply
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if reply != nil {
		_ = json.NewEncoder(w).Encode(reply)
	}
}

func (rc *recorder) last() capturedRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.reqs[len(rc.reqs)-1]
}

func newTestClient(t *testing.T, rc *recorder) *Client {
	t.Helper()
	srv := httptest.NewServer(rc)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/", Token: "tok"})
}

func TestClient_GetBooking(t *testing.T) {
	rc := &recorder{reply: booking.Record{
		ID:      "B42",
		Status:  booking.StatusInProgress,
		Pricing: booking.Pricing{Base: 500, Extras: 250, Total: 750},
		ExtraCharges: []booking.ExtraCharge{
			{ID: "E1", Title: "Capacitor", Amount: 250, Status: booking.ChargeApproved},
		},
	}}
	c := newTestClient(t, rc).As(events.Identity{ID: "u1", Role: events.RoleCustomer})

	rec, err := c.GetBooking(context.Background(), "B42")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusInProgress, rec.Status)
	assert.Equal(t, 750.0, rec.Pricing.Total)
	require.Len(t, rec.ExtraCharges, 1)

	req := rc.last()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/api/bookings/B42", req.Path)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "u1", req.Header.Get(HeaderUserID))
	assert.Equal(t, "CUSTOMER", req.Header.Get(HeaderUserRole))
	_, err = uuid.Parse(req.Header.Get(HeaderRequestID))
	assert.NoError(t, err)
}

func TestClient_Actions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		call   func(c *Client) error
		method string
		path   string
		body   map[string]any
	}{
		{"cancel", func(c *Client) error { return c.CancelBooking(ctx, "B1", "changed plans") },
			http.MethodPost, "/api/bookings/B1/cancel", map[string]any{"reason": "changed plans"}},
		{"approve charge", func(c *Client) error { return c.RespondExtraCharge(ctx, "B42", "E1", true) },
			http.MethodPost, "/api/bookings/B42/extra-charges/E1/respond", map[string]any{"action": "APPROVE"}},
		{"reject offer", func(c *Client) error { return c.RespondJobOffer(ctx, "B9", false) },
			http.MethodPost, "/api/bookings/B9/respond", map[string]any{"action": "REJECT"}},
		{"verify otp", func(c *Client) error { return c.VerifyOTP(ctx, "B1", "4821") },
			http.MethodPost, "/api/bookings/B1/verify-otp", map[string]any{"otp": "4821"}},
		{"status", func(c *Client) error { return c.UpdateBookingStatus(ctx, "B1", booking.StatusEnRoute) },
			http.MethodPatch, "/api/bookings/B1/status", map[string]any{"status": "EN_ROUTE"}},
		{"active", func(c *Client) error { _, err := c.GetActiveBooking(ctx); return err },
			http.MethodGet, "/api/bookings/active", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &recorder{status: http.StatusOK, reply: map[string]any{}}
			c := newTestClient(t, rc)
			require.NoError(t, tt.call(c))
			req := rc.last()
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.path, req.Path)
			assert.Equal(t, tt.body, req.Body)
		})
	}
}

func TestClient_AddExtraCharge(t *testing.T) {
	rc := &recorder{status: http.StatusCreated, reply: booking.ExtraCharge{ID: "E1", Title: "Capacitor", Amount: 250, Status: booking.ChargePending}}
	c := newTestClient(t, rc)

	ch, err := c.AddExtraCharge(context.Background(), "B42", ExtraChargeRequest{Title: "Capacitor", Amount: 250})
	require.NoError(t, err)
	assert.Equal(t, "E1", ch.ID)
	assert.Equal(t, booking.ChargePending, ch.Status)
	assert.Equal(t, map[string]any{"title": "Capacitor", "amount": 250.0}, rc.last().Body)
}

func TestClient_CancelRequiresReason(t *testing.T) {
	rc := &recorder{}
	c := newTestClient(t, rc)
	assert.ErrorIs(t, c.CancelBooking(context.Background(), "B1", " "), booking.ErrReasonRequired)
	assert.Empty(t, rc.reqs)
}

func TestClient_ErrorDecoding(t *testing.T) {
	rc := &recorder{status: http.StatusNotFound, reply: ErrorBody{Error: ErrorDetail{Code: CodeNotFound, Message: "booking B404 not found"}}}
	c := newTestClient(t, rc)

	_, err := c.GetBooking(context.Background(), "B404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeNotFound, apiErr.Code)
	assert.Equal(t, "booking B404 not found", apiErr.Message)
	assert.NotEmpty(t, apiErr.RequestID)
}

func TestClient_ErrorWithoutBody(t *testing.T) {
	rc := &recorder{status: http.StatusConflict}
	c := newTestClient(t, rc)
	err := c.VerifyOTP(context.Background(), "B1", "0000")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "409")
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	rc := &recorder{reply: map[string]any{}}
	srv := httptest.NewServer(rc)
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL, RatePerSecond: 0.01, Burst: 1})

	require.NoError(t, c.VerifyOTP(context.Background(), "B1", "1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.VerifyOTP(ctx, "B1", "1")
	require.Error(t, err)
	assert.Len(t, rc.reqs, 1)
}
