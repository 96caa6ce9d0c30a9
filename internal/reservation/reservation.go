// Package reservation models per-party trip legs and guards against
// double-booking.
//
// Flow:
//  1. A driver offers (or a rider requests) a trip for a time window
//  2. The conflict detector checks the user's held windows
//  3. The reservation is stored as reserved (or searching if it holds no time)
//  4. Every later status change belongs to settlement
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/carpool/internal/pagination"
)

var (
	ErrNotFound         = errors.New("reservation not found")
	ErrConflictDetected = errors.New("reservation conflicts with an existing booking")
	ErrInvalidRequest   = errors.New("invalid reservation request")
	ErrInvalidWindow    = errors.New("window end must be after start")
	ErrStatusChanged    = errors.New("reservation status changed concurrently")
)

// Role is the party a reservation represents.
type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleDriver || r == RoleRider
}

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusSearching         Status = "searching"
	StatusReserved          Status = "reserved"
	StatusMatched           Status = "matched"
	StatusStarted           Status = "started"
	StatusCompleted         Status = "completed"
	StatusCancelledByRider  Status = "cancelled_by_rider"
	StatusCancelledByDriver Status = "cancelled_by_driver"
	StatusRejected          Status = "rejected"
)

// HoldingStatuses are the states that block a user's time window.
var HoldingStatuses = []Status{StatusReserved, StatusMatched}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSearching, StatusReserved, StatusMatched, StatusStarted,
		StatusCompleted, StatusCancelledByRider, StatusCancelledByDriver, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether the reservation is retained for audit only.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByRider, StatusCancelledByDriver, StatusRejected:
		return true
	}
	return false
}

// HoldsTime reports whether the status counts toward overlap conflicts.
func (s Status) HoldsTime() bool {
	return s == StatusReserved || s == StatusMatched
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the window is non-empty.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
		return ErrInvalidWindow
	}
	return nil
}

// Overlaps reports whether two half-open windows intersect. Windows that
// merely touch (one ends exactly when the other starts) do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Reservation is one party's leg of a trip.
type Reservation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	Window    Window    `json:"window"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConflictError reports the reservations a proposed window collides with.
type ConflictError struct {
	UserID    string
	Conflicts []*Reservation
}

func (e *ConflictError) Error() string {
	ids := make([]string, len(e.Conflicts))
	for i, r := range e.Conflicts {
		ids[i] = r.ID
	}
	return fmt.Sprintf("user %s already holds overlapping reservations: %s", e.UserID, strings.Join(ids, ", "))
}

// Is lets errors.Is(err, ErrConflictDetected) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictDetected
}

// Reader answers overlap queries. Both a store and an open transaction
// satisfy it.
type Reader interface {
	ListOverlapping(ctx context.Context, userID string, w Window, statuses []Status) ([]*Reservation, error)
}

// Tx is the transactional surface reservation writes need.
type Tx interface {
	Reader
	// LockUser serializes reservation creation for one user until the
	// transaction ends.
	LockUser(ctx context.Context, userID string) error
	InsertReservation(ctx context.Context, r *Reservation) error
	GetReservationForUpdate(ctx context.Context, id string) (*Reservation, error)
	// UpdateReservationStatus moves id from one status to another and
	// returns ErrStatusChanged if the row is no longer in from.
	UpdateReservationStatus(ctx context.Context, id string, from, to Status, at time.Time) error
}

// Store persists reservations.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	// ListReservationsByUser returns up to limit reservations ordered by
	// (created_at, id) descending, starting after the cursor when non-nil.
	ListReservationsByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Reservation, error)
}
