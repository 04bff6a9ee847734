package simserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homefix/bookingsync/internal/api"
	"github.com/homefix/bookingsync/internal/events"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// safeConn serialises writes: the hub, the heartbeat and pong replies all
// write to the same socket.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// mayFollowBooking lets admins and the parties of a booking join its room.
func (s *Server) mayFollowBooking(caller events.Identity, bookingID string) bool {
	if caller.Role == events.RoleAdmin {
		return true
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, writeWait)
	defer cancel()
	rec, err := s.repo.Booking(ctx, bookingID)
	if err != nil {
		return false
	}
	return isParty(caller, rec)
}

// handleWS upgrades to a WebSocket and joins the connection to the room of
// the identity named in the handshake query.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, api.CodeUnauthorized, "unauthorized")
		return
	}
	identity, err := events.IdentityFromQuery(r.URL.Query())
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, api.CodeBadRequest, err.Error())
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	conn := &safeConn{conn: ws}

	clientID := s.hub.RegisterClient(conn, identity)
	s.log.Info("push_client_connected",
		slog.String("client_id", clientID),
		slog.String("room", identity.Room()))
	defer func() {
		s.hub.UnregisterClient(clientID)
		s.log.Info("push_client_disconnected", slog.String("client_id", clientID))
	}()

	_ = conn.WriteJSON(events.Envelope{Event: events.EvConnected})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.baseCtx.Done():
				// Unblock the read loop on shutdown.
				_ = ws.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(events.Envelope{Event: events.EvHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Warn("push_ws_closed_unexpectedly",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()))
			}
			return
		}

		if err := s.hub.HandleMessage(clientID, json.RawMessage(payload)); err != nil {
			s.log.Debug("push_message_error",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()))
			env, _ := events.NewEnvelope(events.EvError, err.Error())
			_ = conn.WriteJSON(env)
		}
	}
}
