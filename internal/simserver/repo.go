package simserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/events"
)

var (
	// ErrBookingNotFound is returned when no booking has the requested ID.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrNoSubscription is returned when a room has no web push subscription.
	ErrNoSubscription = errors.New("no push subscription")
)

// sortableTime is fixed width so updated_at orders lexically.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// Repo persists bookings and web push subscriptions in SQLite. Records are
// stored as JSON next to the columns the queries filter on.
type Repo struct {
	db *sql.DB
}

// OpenRepo opens (creating if needed) the database at path and migrates it.
func OpenRepo(path string) (*Repo, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	r := &Repo{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return r, nil
}

// Close closes the database.
func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		technician_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_customer ON bookings(customer_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_bookings_technician ON bookings(technician_id, updated_at);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		room TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		auth TEXT NOT NULL,
		p256dh TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// SaveBooking inserts or replaces a booking.
func (r *Repo) SaveBooking(ctx context.Context, rec booking.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode booking %s: %w", rec.ID, err)
	}
	query := `
	INSERT INTO bookings (id, customer_id, technician_id, status, data, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		customer_id = excluded.customer_id,
		technician_id = excluded.technician_id,
		status = excluded.status,
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.CustomerID, rec.TechnicianID, string(rec.Status), string(data),
		rec.UpdatedAt.UTC().Format(sortableTime))
	if err != nil {
		return fmt.Errorf("save booking %s: %w", rec.ID, err)
	}
	return nil
}

// Booking loads a booking by ID.
func (r *Repo) Booking(ctx context.Context, id string) (booking.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM bookings WHERE id = ?`, id)
	return scanBooking(row, id)
}

// ActiveBooking returns the most recently updated non-terminal booking of
// the identity.
func (r *Repo) ActiveBooking(ctx context.Context, id events.Identity) (booking.Record, error) {
	var column string
	switch id.Role {
	case events.RoleCustomer:
		column = "customer_id"
	case events.RoleTechnician:
		column = "technician_id"
	default:
		return booking.Record{}, ErrBookingNotFound
	}

	var terminal []any
	for _, s := range booking.Statuses {
		if s.IsTerminal() {
			terminal = append(terminal, string(s))
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terminal)), ",")
	query := fmt.Sprintf(`
	SELECT data FROM bookings
	WHERE %s = ? AND status NOT IN (%s)
	ORDER BY updated_at DESC
	LIMIT 1
	`, column, placeholders)

	args := append([]any{id.ID}, terminal...)
	return scanBooking(r.db.QueryRowContext(ctx, query, args...), "active:"+id.Room())
}

// Bookings lists every booking, newest first.
func (r *Repo) Bookings(ctx context.Context) ([]booking.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM bookings ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []booking.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec booking.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode booking: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanBooking(row *sql.Row, id string) (booking.Record, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return booking.Record{}, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
		}
		return booking.Record{}, err
	}
	var rec booking.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return booking.Record{}, fmt.Errorf("decode booking %s: %w", id, err)
	}
	return rec, nil
}

// SaveSubscription stores the web push subscription for room, replacing any
// previous one.
func (r *Repo) SaveSubscription(ctx context.Context, room string, sub webpush.Subscription) error {
	query := `
	INSERT INTO push_subscriptions (room, endpoint, auth, p256dh, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(room) DO UPDATE SET
		endpoint = excluded.endpoint,
		auth = excluded.auth,
		p256dh = excluded.p256dh,
		created_at = excluded.created_at
	`
	_, err := r.db.ExecContext(ctx, query, room, sub.Endpoint, sub.Keys.Auth, sub.Keys.P256dh,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// Subscription returns the subscription stored for room.
func (r *Repo) Subscription(ctx context.Context, room string) (webpush.Subscription, error) {
	var sub webpush.Subscription
	err := r.db.QueryRowContext(ctx,
		`SELECT endpoint, auth, p256dh FROM push_subscriptions WHERE room = ?`, room,
	).Scan(&sub.Endpoint, &sub.Keys.Auth, &sub.Keys.P256dh)
	if errors.Is(err, sql.ErrNoRows) {
		return webpush.Subscription{}, ErrNoSubscription
	}
	return sub, err
}

// DeleteSubscription removes the subscription for room.
func (r *Repo) DeleteSubscription(ctx context.Context, room string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE room = ?`, room)
	return err
}
