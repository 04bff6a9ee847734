package events

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMissingIdentity is returned when a connection is attempted without a
// usable identity. Callers treat it as a programming error.
var ErrMissingIdentity = errors.New("missing identity")

// Role is the marketplace role of an authenticated identity.
type Role string

const (
	RoleCustomer   Role = "CUSTOMER"
	RoleTechnician Role = "TECHNICIAN"
	RoleAdmin      Role = "ADMIN"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleTechnician, RoleAdmin:
		return true
	}
	return false
}

// ParseRole accepts role names case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrMissingIdentity, s)
	}
	return r, nil
}

// Identity is the authenticated session a connection is bound to.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Validate rejects empty IDs and unknown roles.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrMissingIdentity)
	}
	if !i.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrMissingIdentity, i.Role)
	}
	return nil
}

// IDParam is the handshake query key carrying the identity ID for the role.
func (i Identity) IDParam() string {
	if i.Role == RoleTechnician {
		return "techId"
	}
	return "userId"
}

// QueryParams returns the handshake parameters the server uses to join the
// connection to the identity's notification room.
func (i Identity) QueryParams() url.Values {
	v := url.Values{}
	v.Set("role", string(i.Role))
	v.Set(i.IDParam(), i.ID)
	return v
}

// IdentityFromQuery is the server-side inverse of QueryParams.
func IdentityFromQuery(q url.Values) (Identity, error) {
	role, err := ParseRole(q.Get("role"))
	if err != nil {
		return Identity{}, err
	}
	id := Identity{Role: role}
	id.ID = q.Get(id.IDParam())
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Room is the push room an identity's connection joins.
func (i Identity) Room() string {
	return string(i.Role) + ":" + i.ID
}

// BookingRoom is the room shared by every party of a booking.
func BookingRoom(bookingID string) string {
	return "booking:" + bookingID
}

// BookingIDFromRoom returns the booking a BookingRoom name refers to.
func BookingIDFromRoom(room string) (string, bool) {
	id, ok := strings.CutPrefix(room, BookingRoom(""))
	return id, ok && id != ""
}
