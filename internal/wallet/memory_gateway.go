package wallet

import (
	"context"
	"sync"

	"github.com/mbd888/carpool/internal/idgen"
	"github.com/mbd888/carpool/internal/money"
)

// Movement is one applied wallet operation.
type Movement struct {
	TxnID     string
	Op        string
	AccountID string
	Amount    money.Amount
	Ref       string
}

// MemoryGateway is an in-process wallet for development and tests.
// Accounts not in the overdraft set cannot go below zero.
type MemoryGateway struct {
	mu        sync.Mutex
	balances  map[string]money.Amount
	overdraft map[string]bool
	applied   map[string]Movement // by ref
	log       []Movement
	failNext  []error
}

// NewMemoryGateway creates an empty in-memory wallet. The platform fee
// account may always be credited; program and user accounts must be funded.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		balances:  make(map[string]money.Amount),
		overdraft: make(map[string]bool),
		applied:   make(map[string]Movement),
	}
}

// Fund sets an account balance.
func (g *MemoryGateway) Fund(accountID string, amount money.Amount) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[accountID] = amount
}

// AllowOverdraft lets accountID go negative (subsidy programs billed later).
func (g *MemoryGateway) AllowOverdraft(accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overdraft[accountID] = true
}

// FailNext queues errors returned by the next calls, in order, before any
// state changes. Used to simulate outages.
func (g *MemoryGateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = append(g.failNext, errs...)
}

// Balance returns an account balance.
func (g *MemoryGateway) Balance(accountID string) money.Amount {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[accountID]
}

// Movements returns every applied movement in order.
func (g *MemoryGateway) Movements() []Movement {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Movement, len(g.log))
	copy(out, g.log)
	return out
}

// Debit implements Gateway.
func (g *MemoryGateway) Debit(ctx context.Context, accountID string, amount money.Amount, ref string) (string, error) {
	return g.apply(ctx, "debit", accountID, amount, ref)
}

// Credit implements Gateway.
func (g *MemoryGateway) Credit(ctx context.Context, accountID string, amount money.Amount, ref string) (string, error) {
	return g.apply(ctx, "credit", accountID, amount, ref)
}

func (g *MemoryGateway) apply(ctx context.Context, op, accountID string, amount money.Amount, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", ErrGatewayTimeout
	}
	if err := validate(amount, ref); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.failNext) > 0 {
		err := g.failNext[0]
		g.failNext = g.failNext[1:]
		return "", &MovementError{Op: op, AccountID: accountID, Ref: ref, Err: err}
	}

	if prior, ok := g.applied[ref]; ok {
		if prior.Op != op || prior.AccountID != accountID || prior.Amount != amount {
			return "", &MovementError{Op: op, AccountID: accountID, Ref: ref, Err: ErrReferenceMismatch}
		}
		return prior.TxnID, nil
	}

	bal := g.balances[accountID]
	if op == "debit" {
		if bal < amount && !g.overdraft[accountID] {
			return "", &MovementError{Op: op, AccountID: accountID, Ref: ref, Err: ErrInsufficientFunds}
		}
		bal -= amount
	} else {
		bal += amount
	}
	g.balances[accountID] = bal

	m := Movement{TxnID: idgen.New(), Op: op, AccountID: accountID, Amount: amount, Ref: ref}
	g.applied[ref] = m
	g.log = append(g.log, m)
	return m.TxnID, nil
}
