// Package pairing links one driver reservation to one rider reservation and
// owns the trip state machine that drives settlement.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/reservation"
)

var (
	ErrNotFound          = errors.New("pairing not found")
	ErrAlreadySettled    = errors.New("pairing already settled")
	ErrIllegalTransition = errors.New("illegal pairing transition")
	ErrActivePairing     = errors.New("reservation already belongs to an active pairing")
)

// Status is the lifecycle state of a pairing.
type Status string

const (
	StatusMatched           Status = "matched"
	StatusStarted           Status = "started"
	StatusCompleted         Status = "completed"
	StatusCancelledByRider  Status = "cancelled_by_rider"
	StatusCancelledByDriver Status = "cancelled_by_driver"
	StatusRejected          Status = "rejected"
)

// IsTerminal reports whether the pairing's escrow has been settled.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByRider, StatusCancelledByDriver, StatusRejected:
		return true
	}
	return false
}

// Event is a trip lifecycle trigger.
type Event string

const (
	EventStart          Event = "start"
	EventComplete       Event = "complete"
	EventCancelByRider  Event = "cancel_by_rider"
	EventCancelByDriver Event = "cancel_by_driver"
	EventReject         Event = "reject"
)

// Settles reports whether the event resolves the escrow.
func (e Event) Settles() bool {
	return e != EventStart
}

// transitions is the complete set of legal moves. Anything absent is illegal.
var transitions = map[Status]map[Event]Status{
	StatusMatched: {
		EventStart:          StatusStarted,
		EventReject:         StatusRejected,
		EventCancelByRider:  StatusCancelledByRider,
		EventCancelByDriver: StatusCancelledByDriver,
	},
	StatusStarted: {
		EventComplete:       StatusCompleted,
		EventReject:         StatusRejected,
		EventCancelByRider:  StatusCancelledByRider,
		EventCancelByDriver: StatusCancelledByDriver,
	},
}

// Next returns the status ev leads to from from. Terminal states answer
// every event with ErrAlreadySettled so a losing concurrent caller can tell
// "someone else finished this" apart from a malformed request.
func Next(from Status, ev Event) (Status, error) {
	if from.IsTerminal() {
		return "", fmt.Errorf("%w: pairing is %s", ErrAlreadySettled, from)
	}
	to, ok := transitions[from][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrIllegalTransition, ev, from)
	}
	return to, nil
}

// CanTransition reports whether ev is legal from from.
func CanTransition(from Status, ev Event) bool {
	_, err := Next(from, ev)
	return err == nil
}

// Outcome is the reservation status each party lands in after an event.
type Outcome struct {
	Driver reservation.Status
	Rider  reservation.Status
}

// ReservationOutcome maps an event to its reservation effects. A driver
// whose rider walked away goes back to reserved and can match again, unless
// the settlement finds the window rebooked and releases it to searching.
func ReservationOutcome(ev Event) (Outcome, error) {
	switch ev {
	case EventStart:
		return Outcome{Driver: reservation.StatusStarted, Rider: reservation.StatusStarted}, nil
	case EventComplete:
		return Outcome{Driver: reservation.StatusCompleted, Rider: reservation.StatusCompleted}, nil
	case EventReject:
		return Outcome{Driver: reservation.StatusReserved, Rider: reservation.StatusRejected}, nil
	case EventCancelByRider:
		return Outcome{Driver: reservation.StatusReserved, Rider: reservation.StatusCancelledByRider}, nil
	case EventCancelByDriver:
		return Outcome{Driver: reservation.StatusCancelledByDriver, Rider: reservation.StatusCancelledByDriver}, nil
	}
	return Outcome{}, fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, ev)
}

// Subsidy is a third-party program's share of a fare.
type Subsidy struct {
	Program string       `json:"program"`
	Amount  money.Amount `json:"amount"`
}

// DuoPairing links a driver reservation with a rider reservation.
type DuoPairing struct {
	ID                  string         `json:"id"`
	DriverReservationID string         `json:"driverReservationId"`
	RiderReservationID  string         `json:"riderReservationId"`
	DriverUserID        string         `json:"driverUserId"`
	RiderUserID         string         `json:"riderUserId"`
	UnitPrice           fare.UnitPrice `json:"unitPrice"`
	DistanceMeters      int64          `json:"distanceMeters"`
	TotalFare           money.Amount   `json:"totalFare"`
	RiderAmount         money.Amount   `json:"riderAmount"`
	Subsidies           []Subsidy      `json:"subsidies,omitempty"`
	Currency            string         `json:"currency"`
	PolicyVersion       string         `json:"policyVersion"`
	EscrowID            string         `json:"escrowId"`
	Status              Status         `json:"status"`
	Frozen              bool           `json:"frozen"`
	FrozenReason        string         `json:"frozenReason,omitempty"`
	MatchedAt           time.Time      `json:"matchedAt"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`
	SettledAt           *time.Time     `json:"settledAt,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// SubsidyTotal sums the program contributions.
func (p *DuoPairing) SubsidyTotal() money.Amount {
	var total money.Amount
	for _, s := range p.Subsidies {
		total += s.Amount
	}
	return total
}

// IsActive reports whether the pairing still claims its reservations.
func (p *DuoPairing) IsActive() bool {
	return !p.Status.IsTerminal()
}

// Tx is the transactional surface pairing writes need.
type Tx interface {
	InsertPairing(ctx context.Context, p *DuoPairing) error
	// GetPairingForUpdate reads the pairing under a row lock held until the
	// transaction ends.
	GetPairingForUpdate(ctx context.Context, id string) (*DuoPairing, error)
	UpdatePairing(ctx context.Context, p *DuoPairing) error
	// ActivePairingFor returns the non-terminal pairing that claims
	// reservationID, or ErrNotFound.
	ActivePairingFor(ctx context.Context, reservationID string) (*DuoPairing, error)
}

// Reader serves pairing lookups outside a transaction.
type Reader interface {
	GetPairing(ctx context.Context, id string) (*DuoPairing, error)
	ListFrozenPairings(ctx context.Context, limit int) ([]*DuoPairing, error)
}
