// Package settlement drives a pairing from match to a closed escrow.
//
// Every transition runs in one storage transaction: the pairing row is
// locked, the escrow is resolved through the ledger, both reservations and
// the pairing are updated and the idempotency record is written. Either all
// of it commits or none of it does. Transient storage and wallet failures
// re-run the whole transaction; wallet references are deterministic so a
// re-run replays money movements instead of repeating them.
package settlement

import (
	"errors"

	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/idempotency"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/pairing"
	"github.com/mbd888/carpool/internal/reservation"
	"github.com/mbd888/carpool/internal/storeerr"
	"github.com/mbd888/carpool/internal/wallet"
)

var (
	ErrInvalidRequest     = errors.New("invalid settlement request")
	ErrPairingFrozen      = errors.New("pairing is frozen pending manual review")
	ErrNotFrozen          = errors.New("pairing is not frozen")
	ErrNotMatchable       = errors.New("reservation cannot be matched")
	ErrWindowsDisjoint    = errors.New("driver and rider windows do not overlap")
	ErrSubsidyExceedsFare = errors.New("subsidies exceed the fare")
)

// Operation names stored with idempotency records.
const (
	OpMatch = "match"
)

// SubsidyRequest is a program's share of a fare in a match request.
type SubsidyRequest struct {
	Program string `json:"program"`
	Amount  string `json:"amount"`
}

// MatchRequest pairs a driver reservation with a rider reservation.
type MatchRequest struct {
	DriverReservationID string           `json:"driverReservationId" binding:"required"`
	RiderReservationID  string           `json:"riderReservationId" binding:"required"`
	DistanceMeters      int64            `json:"distanceMeters"`
	UnitPrice           fare.UnitPrice   `json:"unitPrice"`
	Subsidies           []SubsidyRequest `json:"subsidies,omitempty"`
	IdempotencyKey      string           `json:"-"`
}

// Result is the outcome of a match or transition. It is also the body
// stored in the idempotency record.
type Result struct {
	Pairing  *pairing.DuoPairing `json:"pairing"`
	Escrow   *escrow.Escrow      `json:"escrow,omitempty"`
	Replayed bool                `json:"replayed"`
}

// IsTransient reports whether err may succeed if the whole transaction is
// run again.
func IsTransient(err error) bool {
	return storeerr.IsTransient(err) || wallet.IsTransient(err)
}

// failure codes stored for permanent, replayable outcomes.
var failureCodes = []struct {
	code string
	err  error
}{
	{"already_settled", pairing.ErrAlreadySettled},
	{"illegal_transition", pairing.ErrIllegalTransition},
	{"insufficient_funds", wallet.ErrInsufficientFunds},
	{"active_pairing", pairing.ErrActivePairing},
	{"not_matchable", ErrNotMatchable},
	{"windows_disjoint", ErrWindowsDisjoint},
	{"subsidy_exceeds_fare", ErrSubsidyExceedsFare},
	{"invalid_request", ErrInvalidRequest},
	{"not_found", reservation.ErrNotFound},
}

// failureCode returns the stored code for err, or "" when the outcome must
// not be pinned to the key (transient, frozen, unbalanced).
func failureCode(err error) string {
	for _, f := range failureCodes {
		if errors.Is(err, f.err) {
			return f.code
		}
	}
	return ""
}

// replayedError is a stored failure returned again for the same key.
type replayedError struct {
	msg string
	err error
}

func (e *replayedError) Error() string { return e.msg }
func (e *replayedError) Unwrap() error { return e.err }

func errorFromRecord(rec *idempotency.Record) error {
	for _, f := range failureCodes {
		if f.code == rec.ErrorCode {
			return &replayedError{msg: rec.ErrorMessage, err: f.err}
		}
	}
	return &replayedError{msg: rec.ErrorMessage, err: ErrInvalidRequest}
}

func parseSubsidies(in []SubsidyRequest) ([]pairing.Subsidy, error) {
	out := make([]pairing.Subsidy, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s.Program == "" {
			return nil, errors.New("subsidy program is required")
		}
		if seen[s.Program] {
			return nil, errors.New("subsidy program " + s.Program + " listed twice")
		}
		seen[s.Program] = true
		amt, err := money.Parse(s.Amount)
		if err != nil {
			return nil, err
		}
		if amt <= 0 {
			return nil, errors.New("subsidy amount must be positive")
		}
		out = append(out, pairing.Subsidy{Program: s.Program, Amount: amt})
	}
	return out, nil
}
