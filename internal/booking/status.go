// Package booking holds the client-side booking state: the status state
// machine, the cached booking records and the technician's incoming offer.
package booking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIllegalTransition is returned when a status change is not an edge of
	// the transition table and not a terminal side branch.
	ErrIllegalTransition = errors.New("illegal booking transition")
	// ErrReasonRequired is returned for a cancellation without a reason.
	ErrReasonRequired = errors.New("cancellation reason required")
	// ErrUnknownStatus is returned by ParseStatus.
	ErrUnknownStatus = errors.New("unknown booking status")
)

// Status is a booking lifecycle state.
type Status string

const (
	StatusRequested        Status = "REQUESTED"
	StatusAssignedPending  Status = "ASSIGNED_PENDING"
	StatusAccepted         Status = "ACCEPTED"
	StatusEnRoute          Status = "EN_ROUTE"
	StatusReached          Status = "REACHED"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusExtrasPending    Status = "EXTRAS_PENDING"
	StatusCompleted        Status = "COMPLETED"
	StatusPaid             Status = "PAID"
	StatusCancelled        Status = "CANCELLED"
	StatusFailedAssignment Status = "FAILED_ASSIGNMENT"
	StatusTimeout          Status = "TIMEOUT"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{
	StatusRequested,
	StatusAssignedPending,
	StatusAccepted,
	StatusEnRoute,
	StatusReached,
	StatusInProgress,
	StatusExtrasPending,
	StatusCompleted,
	StatusPaid,
	StatusCancelled,
	StatusFailedAssignment,
	StatusTimeout,
}

// ParseStatus accepts a wire status case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusCancelled, StatusFailedAssignment, StatusTimeout:
		return true
	}
	return false
}

// IsSideBranch reports whether s is a terminal state reachable from any
// non-terminal state.
func (s Status) IsSideBranch() bool {
	switch s {
	case StatusCancelled, StatusFailedAssignment, StatusTimeout:
		return true
	}
	return false
}

// Edge is a single allowed step of the main lifecycle path.
type Edge struct {
	From Status
	To   Status
}

var transitionTable = []Edge{
	// Assignment
	{From: StatusRequested, To: StatusAssignedPending},
	{From: StatusAssignedPending, To: StatusAccepted},

	// Travel
	{From: StatusAccepted, To: StatusEnRoute},
	{From: StatusEnRoute, To: StatusReached},

	// Service
	{From: StatusReached, To: StatusInProgress},
	{From: StatusReached, To: StatusExtrasPending},
	{From: StatusInProgress, To: StatusExtrasPending},
	{From: StatusExtrasPending, To: StatusInProgress},
	{From: StatusInProgress, To: StatusCompleted},

	// Payment verification only
	{From: StatusCompleted, To: StatusPaid},
}

// Transitions returns a copy of the main-path edges.
func Transitions() []Edge {
	out := make([]Edge, len(transitionTable))
	copy(out, transitionTable)
	return out
}

// CanTransition reports whether from→to is a single allowed step: a table
// edge, or a side branch out of a non-terminal state.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsSideBranch() {
		return true
	}
	for _, e := range transitionTable {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from by following one or
// more main-path edges.
func Reachable(from, to Status) bool {
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range transitionTable {
			if e.From != cur || seen[e.To] {
				continue
			}
			if e.To == to {
				return true
			}
			seen[e.To] = true
			queue = append(queue, e.To)
		}
	}
	return false
}

// Advance resolves an event-driven status change. Events may skip
// intermediate states they never saw, so any forward-reachable status is
// accepted. Re-applying the current status returns it unchanged.
func Advance(from, to Status) (Status, error) {
	switch {
	case from == to:
		return from, nil
	case from == "":
		return to, nil
	case from.IsTerminal():
		return from, fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	case to.IsSideBranch():
		return to, nil
	case Reachable(from, to):
		return to, nil
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
