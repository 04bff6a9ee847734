// Package api is the REST client for the marketplace booking endpoints the
// lifecycle consumers reconcile against.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/logging"
)

// Identity headers. The development backend trusts them; production
// derives the identity from the bearer token.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
)

// Options configures a Client. Zero values take defaults.
type Options struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
}

// Client calls the booking REST endpoints. Calls are rate limited and carry
// a bearer token and a fresh request ID.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
	log      *slog.Logger
	identity events.Identity
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		log:     logging.ForComponent(logging.CompAPI),
	}
}

// As returns a client acting for id. The limiter is shared.
func (c *Client) As(id events.Identity) *Client {
	cp := *c
	cp.identity = id
	return &cp
}

// GetBooking fetches the authoritative booking record.
func (c *Client) GetBooking(ctx context.Context, id string) (booking.Record, error) {
	var rec booking.Record
	err := c.Do(ctx, http.MethodGet, bookingPath(id), nil, &rec)
	return rec, err
}

// GetActiveBooking fetches the caller's current non-terminal booking.
func (c *Client) GetActiveBooking(ctx context.Context) (booking.Record, error) {
	var rec booking.Record
	err := c.Do(ctx, http.MethodGet, "/api/bookings/active", nil, &rec)
	return rec, err
}

// CancelBooking cancels a booking. reason must not be empty.
func (c *Client) CancelBooking(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return booking.ErrReasonRequired
	}
	return c.Do(ctx, http.MethodPost, bookingPath(id)+"/cancel", map[string]string{"reason": reason}, nil)
}

// RespondExtraCharge approves or rejects a pending extra charge.
func (c *Client) RespondExtraCharge(ctx context.Context, bookingID, chargeID string, approve bool) error {
	action := "REJECT"
	if approve {
		action = "APPROVE"
	}
	path := bookingPath(bookingID) + "/extra-charges/" + url.PathEscape(chargeID) + "/respond"
	return c.Do(ctx, http.MethodPost, path, map[string]string{"action": action}, nil)
}

// RespondJobOffer accepts or rejects an incoming job offer.
func (c *Client) RespondJobOffer(ctx context.Context, bookingID string, accept bool) error {
	action := "REJECT"
	if accept {
		action = "ACCEPT"
	}
	return c.Do(ctx, http.MethodPost, bookingPath(bookingID)+"/respond", map[string]string{"action": action}, nil)
}

// VerifyOTP submits the arrival code; on success the job starts.
func (c *Client) VerifyOTP(ctx context.Context, bookingID, otp string) error {
	return c.Do(ctx, http.MethodPost, bookingPath(bookingID)+"/verify-otp", map[string]string{"otp": otp}, nil)
}

// UpdateBookingStatus moves a booking one step along its lifecycle.
func (c *Client) UpdateBookingStatus(ctx context.Context, bookingID string, status booking.Status) error {
	return c.Do(ctx, http.MethodPatch, bookingPath(bookingID)+"/status", map[string]string{"status": string(status)}, nil)
}

// ExtraChargeRequest is the body of AddExtraCharge.
type ExtraChargeRequest struct {
	Title    string  `json:"title"`
	Amount   float64 `json:"amount"`
	ProofURL string  `json:"proofUrl,omitempty"`
}

// AddExtraCharge asks the customer to approve an additional charge.
func (c *Client) AddExtraCharge(ctx context.Context, bookingID string, req ExtraChargeRequest) (booking.ExtraCharge, error) {
	var out booking.ExtraCharge
	err := c.Do(ctx, http.MethodPost, bookingPath(bookingID)+"/extra-charges", req, &out)
	return out, err
}

// Do sends a JSON request and decodes a JSON response into out (when non-nil).
// Non-2xx responses are returned as *Error.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s body: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	reqID := uuid.NewString()
	req.Header.Set(HeaderRequestID, reqID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.identity.ID != "" {
		req.Header.Set(HeaderUserID, c.identity.ID)
		req.Header.Set(HeaderUserRole, string(c.identity.Role))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("api_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", reqID),
		slog.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 300 {
		return decodeError(resp, reqID)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response, reqID string) error {
	apiErr := &Error{Status: resp.StatusCode, RequestID: reqID}
	var body ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func bookingPath(id string) string {
	return "/api/bookings/" + url.PathEscape(id)
}
