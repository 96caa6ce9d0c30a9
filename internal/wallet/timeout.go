package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/carpool/internal/metrics"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/traces"
)

// timeoutGateway bounds every call and records metrics and spans.
type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout wraps g so no call outlives d. A call that runs out of time
// reports ErrGatewayTimeout, which settlement treats as retryable.
func WithTimeout(g Gateway, d time.Duration) Gateway {
	if d <= 0 {
		d = 5 * time.Second
	}
	return &timeoutGateway{next: g, timeout: d}
}

func (t *timeoutGateway) Debit(ctx context.Context, accountID string, amount money.Amount, ref string) (string, error) {
	return t.call(ctx, "debit", accountID, amount, ref, t.next.Debit)
}

func (t *timeoutGateway) Credit(ctx context.Context, accountID string, amount money.Amount, ref string) (string, error) {
	return t.call(ctx, "credit", accountID, amount, ref, t.next.Credit)
}

type moveFunc func(ctx context.Context, accountID string, amount money.Amount, ref string) (string, error)

func (t *timeoutGateway) call(ctx context.Context, op, accountID string, amount money.Amount, ref string, fn moveFunc) (txnID string, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet."+op,
		traces.Reference(ref), traces.AmountMinor(int64(amount)))
	defer func() { traces.End(span, err) }()

	done := metrics.ObserveWalletCall(op)
	defer func() { done(resultLabel(err)) }()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	txnID, err = fn(ctx, accountID, amount, ref)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrGatewayTimeout) {
		err = fmt.Errorf("%w: %s after %s: %v", ErrGatewayTimeout, op, t.timeout, err)
	}
	return txnID, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
