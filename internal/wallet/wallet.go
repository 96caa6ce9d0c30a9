// Package wallet talks to the external wallet service that owns the
// authoritative coin/point balance of every user, the platform fee account
// and each subsidy program account.
//
// Every movement carries a caller-chosen reference. The wallet service
// applies a reference at most once, so a settlement that is retried after
// a rollback replays the same movements without double-charging.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/carpool/internal/money"
)

var (
	ErrInsufficientFunds  = errors.New("wallet: insufficient funds")
	ErrGatewayTimeout     = errors.New("wallet: gateway timeout")
	ErrGatewayUnavailable = errors.New("wallet: gateway unavailable")
	ErrInvalidAmount      = errors.New("wallet: invalid amount")
	ErrUnknownAccount     = errors.New("wallet: unknown account")
	ErrReferenceMismatch  = errors.New("wallet: reference reused for a different movement")
)

// PlatformFeeAccount receives platform fees and platform-directed
// cancellation fees.
const PlatformFeeAccount = "platform:fees"

// UserAccount names a user's wallet.
func UserAccount(userID string) string {
	return "user:" + userID
}

// ProgramAccount names a subsidy program's funding account.
func ProgramAccount(tag string) string {
	return "program:" + tag
}

// Gateway moves funds between wallet accounts and the escrow pool.
type Gateway interface {
	// Debit takes amount from accountID into escrow.
	Debit(ctx context.Context, accountID string, amount money.Amount, ref string) (txnID string, err error)
	// Credit pays amount from escrow into accountID.
	Credit(ctx context.Context, accountID string, amount money.Amount, ref string) (txnID string, err error)
}

// IsTransient reports whether a gateway error may succeed on retry. The
// reference guarantees a retried movement is applied once.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) || errors.Is(err, ErrGatewayUnavailable)
}

// MovementError describes a failed wallet movement.
type MovementError struct {
	Op        string
	AccountID string
	Ref       string
	Err       error
}

func (e *MovementError) Error() string {
	return fmt.Sprintf("wallet: %s %s (ref %s) failed: %v", e.Op, e.AccountID, e.Ref, e.Err)
}

func (e *MovementError) Unwrap() error { return e.Err }

func validate(amount money.Amount, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if ref == "" {
		return errors.New("wallet: reference is required")
	}
	return nil
}
