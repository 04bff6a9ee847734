package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homefix/bookingsync/internal/events"
)

// WSDialer dials the push endpoint over WebSocket. The identity is sent as
// handshake query parameters so the server can join the connection to the
// identity's room.
type WSDialer struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer // nil uses a dialer built from HandshakeTimeout
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, id events.Identity) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	q := u.Query()
	for k, v := range id.QueryParams() {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	wd := d.Dialer
	if wd == nil {
		wd = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: d.HandshakeTimeout,
		}
	}

	conn, resp, err := wd.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", u.Redacted(), err)
	}
	return conn, nil
}
