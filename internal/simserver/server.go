// Package simserver is a development marketplace backend: booking REST
// endpoints backed by SQLite, a room-based WebSocket push hub, and scenario
// endpoints that drive bookings through their lifecycle.
package simserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/logging"
)

// Options configures a Server.
type Options struct {
	ListenAddr string
	DBPath     string
	// Token, when set, is required as a bearer token on every request.
	Token             string
	OfferTTL          time.Duration
	HeartbeatInterval time.Duration

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	// PushClient sends web push requests; nil uses http.DefaultClient.
	PushClient webpush.HTTPClient

	Now func() time.Time
}

// Server is the development backend.
type Server struct {
	opts   Options
	repo   *Repo
	bus    *eventbus.EventBus
	hub    *eventbus.Hub
	pusher *Pusher
	log    *slog.Logger
	mux    *http.ServeMux

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// mu serialises booking mutations and their pushes.
	mu     sync.Mutex
	offers map[string]*pendingOffer
}

// New opens the database and builds the handler tree.
func New(opts Options) (*Server, error) {
	if opts.OfferTTL <= 0 {
		opts.OfferTTL = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	repo, err := OpenRepo(opts.DBPath)
	if err != nil {
		return nil, err
	}

	log := logging.ForComponent(logging.CompSim)
	if opts.VAPIDPublicKey == "" || opts.VAPIDPrivateKey == "" {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("generate vapid keys: %w", err)
		}
		opts.VAPIDPrivateKey, opts.VAPIDPublicKey = priv, pub
		log.Info("vapid_keys_generated", slog.String("public_key", pub))
	}

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:       opts,
		repo:       repo,
		bus:        bus,
		hub:        eventbus.NewHub(bus),
		log:        log,
		mux:        http.NewServeMux(),
		baseCtx:    ctx,
		baseCancel: cancel,
		offers:     make(map[string]*pendingOffer),
	}
	s.pusher = newPusher(repo, webpush.Options{
		Subscriber:      opts.VAPIDSubject,
		VAPIDPublicKey:  opts.VAPIDPublicKey,
		VAPIDPrivateKey: opts.VAPIDPrivateKey,
		TTL:             60,
		HTTPClient:      opts.PushClient,
	})
	s.hub.SetJoinAuthorizer(s.mayFollowBooking)
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("GET /api/bookings/active", s.handleActiveBooking)
	s.mux.HandleFunc("GET /api/bookings/{id}", s.handleGetBooking)
	s.mux.HandleFunc("POST /api/bookings/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/bookings/{id}/respond", s.handleRespondOffer)
	s.mux.HandleFunc("POST /api/bookings/{id}/verify-otp", s.handleVerifyOTP)
	s.mux.HandleFunc("PATCH /api/bookings/{id}/status", s.handleUpdateStatus)
	s.mux.HandleFunc("POST /api/bookings/{id}/extra-charges", s.handleAddCharge)
	s.mux.HandleFunc("POST /api/bookings/{id}/extra-charges/{chargeId}/respond", s.handleRespondCharge)

	s.mux.HandleFunc("GET /api/push/vapid-key", s.handleVAPIDKey)
	s.mux.HandleFunc("POST /api/push/subscribe", s.handleSubscribe)

	s.mux.HandleFunc("GET /api/sim/bookings", s.handleListBookings)
	s.mux.HandleFunc("POST /api/sim/bookings", s.handleCreateBooking)
	s.mux.HandleFunc("POST /api/sim/bookings/{id}/offer", s.handleOfferJob)
	s.mux.HandleFunc("POST /api/sim/bookings/{id}/paid", s.handleMarkPaid)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub exposes the push hub, mainly for tests.
func (s *Server) Hub() *eventbus.Hub {
	return s.hub
}

// Run serves on opts.ListenAddr until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("sim_server_listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Open sockets never finish on their own.
		s.baseCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close stops offer timers and background pushes and closes the database.
func (s *Server) Close() error {
	s.baseCancel()
	s.mu.Lock()
	for id, p := range s.offers {
		p.timer.Stop()
		delete(s.offers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.hub.Close()
	return s.repo.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"clients": s.hub.ClientCount(),
	})
}

// authorizeRequest checks the bearer token when one is configured.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) == 1
}

// requestIdentity authorizes r and reads the caller's identity headers.
func (s *Server) requestIdentity(w http.ResponseWriter, r *http.Request) (events.Identity, bool) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, api.CodeUnauthorized, "unauthorized")
		return events.Identity{}, false
	}
	role, err := events.ParseRole(r.Header.Get(api.HeaderUserRole))
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, api.CodeUnauthorized, "missing identity")
		return events.Identity{}, false
	}
	id := events.Identity{ID: r.Header.Get(api.HeaderUserID), Role: role}
	if err := id.Validate(); err != nil {
		writeAPIError(w, http.StatusUnauthorized, api.CodeUnauthorized, "missing identity")
		return events.Identity{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, api.ErrorBody{Error: api.ErrorDetail{Code: code, Message: message}})
}

// decodeBody reads a JSON request body of at most 1 MiB.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, "invalid request body")
		return false
	}
	return true
}
