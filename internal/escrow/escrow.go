// Package escrow holds a trip's fare between match and settlement.
//
// Flow:
//  1. Match: rider fare (and any subsidy) captured from wallets, escrow open
//  2. Terminal trip event: escrow resolving, payout/refund/fee entries written
//  3. Close: legal only when every held unit has been paid out
//
// Every movement is an immutable EscrowDetail. Credits bring money into the
// escrow, debits take it out, and the held balance is always credits minus
// debits.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/carpool/internal/money"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrDetailNotFound     = errors.New("escrow detail not found")
	ErrEscrowClosed       = errors.New("escrow is closed")
	ErrUnbalancedEscrow   = errors.New("escrow does not net to zero")
	ErrInsufficientEscrow = errors.New("escrow balance too low for this entry")
	ErrInvalidEntry       = errors.New("invalid escrow entry")
	ErrInvalidState       = errors.New("invalid escrow state for this operation")
)

// State is the lifecycle state of an escrow.
type State string

const (
	StateOpen      State = "open"      // funds held
	StateResolving State = "resolving" // terminal event being applied
	StateClosed    State = "closed"    // fully distributed
)

// AcceptsEntries reports whether new details may be appended.
func (s State) AcceptsEntries() bool {
	return s == StateOpen || s == StateResolving
}

// Direction is relative to the escrow.
type Direction string

const (
	DirectionCredit Direction = "credit" // into escrow
	DirectionDebit  Direction = "debit"  // out of escrow
)

// Opposite returns the reversing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionCredit {
		return DirectionDebit
	}
	return DirectionCredit
}

// Reason codes every ledger line.
type Reason string

const (
	ReasonFareCapture     Reason = "FARE_CAPTURE"
	ReasonSubsidyCapture  Reason = "SUBSIDY_CAPTURE"
	ReasonDriverPayout    Reason = "DRIVER_PAYOUT"
	ReasonRiderRefund     Reason = "RIDER_REFUND"
	ReasonCancellationFee Reason = "CANCELLATION_FEE"
	ReasonPlatformFee     Reason = "PLATFORM_FEE"
	ReasonSubsidyReturn   Reason = "SUBSIDY_RETURN"
	ReasonCompensation    Reason = "COMPENSATION"
)

// CounterpartyKind is the type of wallet account on the other side.
type CounterpartyKind string

const (
	CounterpartyUser     CounterpartyKind = "user"
	CounterpartyPlatform CounterpartyKind = "platform"
	CounterpartyProgram  CounterpartyKind = "program"
)

// Counterparty is the wallet account money moves to or from.
type Counterparty struct {
	Kind      CounterpartyKind `json:"kind"`
	AccountID string           `json:"accountId"`
}

// Escrow is the holding account for one pairing.
type Escrow struct {
	ID        string       `json:"id"`
	PairingID string       `json:"pairingId"`
	Held      money.Amount `json:"held"`
	Currency  string       `json:"currency"`
	State     State        `json:"state"`
	Entries   int          `json:"entries"`
	Voids     int          `json:"voids"`
	OpenedAt  time.Time    `json:"openedAt"`
	ClosedAt  *time.Time   `json:"closedAt,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Detail is one immutable ledger line.
type Detail struct {
	ID           string       `json:"id"`
	EscrowID     string       `json:"escrowId"`
	Seq          int          `json:"seq"`
	Direction    Direction    `json:"direction"`
	Counterparty Counterparty `json:"counterparty"`
	Amount       money.Amount `json:"amount"`
	Reason       Reason       `json:"reason"`
	ProgramTag   string       `json:"programTag,omitempty"`
	WalletTxnID  string       `json:"walletTxnId"`
	Reference    string       `json:"reference"`
	Override     bool         `json:"override,omitempty"`
	Note         string       `json:"note,omitempty"`
	Compensates  string       `json:"compensates,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Signed returns the detail's effect on the held balance.
func (d *Detail) Signed() money.Amount {
	if d.Direction == DirectionDebit {
		return -d.Amount
	}
	return d.Amount
}

// Balance recomputes the held amount from ledger lines.
func Balance(details []*Detail) money.Amount {
	var total money.Amount
	for _, d := range details {
		total += d.Signed()
	}
	return total
}

// Totals sums credits and debits separately.
func Totals(details []*Detail) (credits, debits money.Amount) {
	for _, d := range details {
		if d.Direction == DirectionCredit {
			credits += d.Amount
		} else {
			debits += d.Amount
		}
	}
	return credits, debits
}

// Reference is the wallet reference for the seq-th line of an escrow. It is
// a pure function of escrow, reason, position and void count so a retried
// settlement repeats the exact references of the attempt it replaces, while
// a settlement that follows a voided one never reuses a voided reference.
func Reference(escrowID string, reason Reason, seq, voids int) string {
	if voids == 0 {
		return fmt.Sprintf("%s:%s:%d", escrowID, reason, seq)
	}
	return fmt.Sprintf("%s:%s:%d:v%d", escrowID, reason, seq, voids)
}

// Tx is the transactional surface the ledger writes through.
type Tx interface {
	InsertEscrow(ctx context.Context, e *Escrow) error
	// LockEscrow reads the escrow row under a row lock held until the
	// transaction ends.
	LockEscrow(ctx context.Context, id string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, e *Escrow) error
	InsertDetail(ctx context.Context, d *Detail) error
	ListDetailsTx(ctx context.Context, escrowID string) ([]*Detail, error)
}

// Store is the read and transaction surface the escrow service needs.
type Store interface {
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	ListDetails(ctx context.Context, escrowID string) ([]*Detail, error)
	ListOpenEscrows(ctx context.Context, limit int) ([]*Escrow, error)
	WithEscrowTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
