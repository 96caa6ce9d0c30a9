package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/carpool/internal/alerts"
	"github.com/mbd888/carpool/internal/idgen"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/traces"
	"github.com/mbd888/carpool/internal/wallet"
)

// Ledger writes escrow state and ledger lines and performs the matching
// wallet movements. It never opens transactions itself: every method runs
// inside the caller's Tx so ledger writes commit or roll back together with
// the pairing and reservation updates they belong to.
type Ledger struct {
	wallet wallet.Gateway
	pager  alerts.Pager
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger that moves money through gw.
func NewLedger(gw wallet.Gateway, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{wallet: gw, logger: logger, now: time.Now}
}

// WithClock overrides the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithPager sets where stranded refunds are paged.
func (l *Ledger) WithPager(p alerts.Pager) *Ledger {
	l.pager = p
	return l
}

// Funding is a subsidy program's contribution to a fare.
type Funding struct {
	Program string       `json:"program"`
	Amount  money.Amount `json:"amount"`
}

// OpenRequest describes the funds to capture for a pairing.
type OpenRequest struct {
	EscrowID    string
	PairingID   string
	RiderUserID string
	RiderAmount money.Amount
	Subsidies   []Funding
	Currency    string
}

// EntryRequest describes one ledger line to append.
type EntryRequest struct {
	EscrowID     string
	Direction    Direction
	Counterparty Counterparty
	Amount       money.Amount
	Reason       Reason
	ProgramTag   string
	// Override lets a debit take the balance below zero. Operator use only.
	Override    bool
	Note        string
	Compensates string
}

// UserParty is the counterparty for a user's wallet.
func UserParty(userID string) Counterparty {
	return Counterparty{Kind: CounterpartyUser, AccountID: wallet.UserAccount(userID)}
}

// PlatformParty is the counterparty for the platform fee account.
func PlatformParty() Counterparty {
	return Counterparty{Kind: CounterpartyPlatform, AccountID: wallet.PlatformFeeAccount}
}

// ProgramParty is the counterparty for a subsidy program account.
func ProgramParty(tag string) Counterparty {
	return Counterparty{Kind: CounterpartyProgram, AccountID: wallet.ProgramAccount(tag)}
}

// Open creates the escrow and captures the rider's share from the rider's
// wallet and each subsidy from its program account. A rejected capture
// fails the whole open; captures already taken are reversed so a failed
// match never leaves money stranded in escrow.
func (l *Ledger) Open(ctx context.Context, tx Tx, req OpenRequest) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Open",
		traces.EscrowID(req.EscrowID), traces.PairingID(req.PairingID))
	defer func() { traces.End(span, err) }()

	if req.EscrowID == "" || req.PairingID == "" || req.RiderUserID == "" {
		return nil, fmt.Errorf("%w: escrow, pairing and rider ids are required", ErrInvalidEntry)
	}
	if req.RiderAmount < 0 {
		return nil, fmt.Errorf("%w: rider amount must not be negative", ErrInvalidEntry)
	}
	for _, s := range req.Subsidies {
		if s.Amount <= 0 || s.Program == "" {
			return nil, fmt.Errorf("%w: subsidy needs a program and a positive amount", ErrInvalidEntry)
		}
	}
	currency := req.Currency
	if currency == "" {
		currency = money.DefaultCurrency
	}

	now := l.now().UTC()
	e = &Escrow{
		ID:        req.EscrowID,
		PairingID: req.PairingID,
		Currency:  currency,
		State:     StateOpen,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	if err := tx.InsertEscrow(ctx, e); err != nil {
		return nil, err
	}

	captures := make([]EntryRequest, 0, 1+len(req.Subsidies))
	if req.RiderAmount > 0 {
		captures = append(captures, EntryRequest{
			Direction:    DirectionCredit,
			Counterparty: UserParty(req.RiderUserID),
			Amount:       req.RiderAmount,
			Reason:       ReasonFareCapture,
		})
	}
	for _, s := range req.Subsidies {
		captures = append(captures, EntryRequest{
			Direction:    DirectionCredit,
			Counterparty: ProgramParty(s.Program),
			Amount:       s.Amount,
			Reason:       ReasonSubsidyCapture,
			ProgramTag:   s.Program,
		})
	}

	tracked, taken := Track(ctx)
	for _, c := range captures {
		if _, err := l.appendEntry(tracked, tx, e, c); err != nil {
			if !wallet.IsTransient(err) {
				_ = l.Void(ctx, taken.Applied())
			}
			return nil, err
		}
	}

	l.logger.Info("escrow opened",
		"escrow_id", e.ID, "pairing_id", e.PairingID, "held", e.Held.String(), "entries", e.Entries)
	return e, nil
}

// Void moves back wallet movements whose ledger lines never committed,
// newest first. Each reversal uses the original reference plus ":void", so
// voiding the same movement twice moves money once. No ledger lines are
// written. Every failed reversal is paged and returned.
func (l *Ledger) Void(ctx context.Context, applied []*Detail) error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		d := applied[i]
		ref := d.Reference + ":void"
		var err error
		if d.Direction == DirectionCredit {
			_, err = l.wallet.Credit(ctx, d.Counterparty.AccountID, d.Amount, ref)
		} else {
			_, err = l.wallet.Debit(ctx, d.Counterparty.AccountID, d.Amount, ref)
		}
		if err == nil {
			l.logger.Warn("wallet movement voided",
				"escrow_id", d.EscrowID, "account", d.Counterparty.AccountID,
				"amount", d.Amount.String(), "reference", d.Reference)
			continue
		}
		l.logger.Error("failed to void wallet movement; manual correction required",
			"escrow_id", d.EscrowID, "account", d.Counterparty.AccountID,
			"amount", d.Amount.String(), "reference", d.Reference, "error", err)
		if l.pager != nil {
			msg := fmt.Sprintf("void %s of %s on %s failed: %v", d.Reference, d.Amount, d.Counterparty.AccountID, err)
			_ = l.pager.Page(ctx, alerts.New(alerts.SeverityCritical, alerts.KindRefundStranded, "", d.EscrowID, msg))
		}
		errs = append(errs, fmt.Errorf("void %s: %w", d.Reference, err))
	}
	return errors.Join(errs...)
}

// MarkVoided bumps the escrow's void count so the next settlement attempt
// draws fresh wallet references. It must commit before Void runs.
func (l *Ledger) MarkVoided(ctx context.Context, tx Tx, escrowID string) (*Escrow, error) {
	e, err := tx.LockEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.State == StateClosed {
		return nil, fmt.Errorf("%w: %s", ErrEscrowClosed, e.ID)
	}
	e.Voids++
	e.UpdatedAt = l.now().UTC()
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AddEntry appends one ledger line under the escrow row lock and moves the
// money in the wallet.
func (l *Ledger) AddEntry(ctx context.Context, tx Tx, req EntryRequest) (*Detail, error) {
	e, err := tx.LockEscrow(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	return l.appendEntry(ctx, tx, e, req)
}

func (l *Ledger) appendEntry(ctx context.Context, tx Tx, e *Escrow, req EntryRequest) (*Detail, error) {
	if !e.State.AcceptsEntries() {
		return nil, fmt.Errorf("%w: %s is %s", ErrEscrowClosed, e.ID, e.State)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	if req.Direction != DirectionCredit && req.Direction != DirectionDebit {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidEntry, req.Direction)
	}
	if req.Direction == DirectionDebit && req.Amount > e.Held {
		if !req.Override {
			return nil, fmt.Errorf("%w: %s of %s requested, %s held",
				ErrInsufficientEscrow, req.Reason, req.Amount, e.Held)
		}
		l.logger.Warn("escrow overdrawn by operator override",
			"escrow_id", e.ID, "reason", req.Reason, "amount", req.Amount.String(), "held", e.Held.String())
	}

	ref := Reference(e.ID, req.Reason, e.Entries, e.Voids)
	var txnID string
	var err error
	if req.Direction == DirectionCredit {
		txnID, err = l.wallet.Debit(ctx, req.Counterparty.AccountID, req.Amount, ref)
	} else {
		txnID, err = l.wallet.Credit(ctx, req.Counterparty.AccountID, req.Amount, ref)
	}
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	d := &Detail{
		ID:           idgen.WithPrefix(idgen.PrefixDetail),
		EscrowID:     e.ID,
		Seq:          e.Entries,
		Direction:    req.Direction,
		Counterparty: req.Counterparty,
		Amount:       req.Amount,
		Reason:       req.Reason,
		ProgramTag:   req.ProgramTag,
		WalletTxnID:  txnID,
		Reference:    ref,
		Override:     req.Override,
		Note:         req.Note,
		Compensates:  req.Compensates,
		CreatedAt:    now,
	}
	journalFrom(ctx).record(d)
	if err := tx.InsertDetail(ctx, d); err != nil {
		return nil, err
	}

	e.Held += d.Signed()
	e.Entries++
	e.UpdatedAt = now
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}
	return d, nil
}

// BeginResolving locks the escrow and marks it resolving.
func (l *Ledger) BeginResolving(ctx context.Context, tx Tx, escrowID string) (*Escrow, error) {
	e, err := tx.LockEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch e.State {
	case StateClosed:
		return nil, fmt.Errorf("%w: %s", ErrEscrowClosed, e.ID)
	case StateOpen:
		e.State = StateResolving
		e.UpdatedAt = l.now().UTC()
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Preflight checks a distribution before any money moves: every line must
// pay out of the escrow and together they must empty it exactly.
func Preflight(e *Escrow, lines []EntryRequest) error {
	var total money.Amount
	for _, ln := range lines {
		if ln.Direction != DirectionDebit || ln.Amount <= 0 {
			return fmt.Errorf("%w: %s line must be a positive debit", ErrUnbalancedEscrow, ln.Reason)
		}
		sum, err := money.Sum(total, ln.Amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnbalancedEscrow, err)
		}
		total = sum
	}
	if total != e.Held {
		return fmt.Errorf("%w: distribution of %s against %s held in %s", ErrUnbalancedEscrow, total, e.Held, e.ID)
	}
	return nil
}

// Close finalizes a fully distributed escrow. Both the running balance and
// a fresh sum of the ledger lines must be zero; anything else is a
// settlement bug and is refused.
func (l *Ledger) Close(ctx context.Context, tx Tx, escrowID string) (*Escrow, error) {
	e, err := tx.LockEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.State == StateClosed {
		return nil, fmt.Errorf("%w: %s", ErrEscrowClosed, e.ID)
	}

	details, err := tx.ListDetailsTx(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	credits, debits := Totals(details)
	if e.Held != 0 || credits != debits {
		return nil, fmt.Errorf("%w: %s held=%s credits=%s debits=%s",
			ErrUnbalancedEscrow, e.ID, e.Held, credits, debits)
	}

	now := l.now().UTC()
	e.State = StateClosed
	e.ClosedAt = &now
	e.UpdatedAt = now
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Compensate reverses an existing line with an opposite COMPENSATION line.
// History is never edited. Used by operators resolving a frozen pairing.
func (l *Ledger) Compensate(ctx context.Context, tx Tx, escrowID, detailID, note string) (*Detail, error) {
	e, err := tx.LockEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	details, err := tx.ListDetailsTx(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	var target *Detail
	for _, d := range details {
		if d.Compensates == detailID {
			return nil, fmt.Errorf("%w: %s already compensated by %s", ErrInvalidEntry, detailID, d.ID)
		}
		if d.ID == detailID {
			target = d
		}
	}
	if target == nil {
		return nil, ErrDetailNotFound
	}
	if target.Reason == ReasonCompensation {
		return nil, fmt.Errorf("%w: compensation lines cannot be compensated", ErrInvalidEntry)
	}

	d, err := l.appendEntry(ctx, tx, e, EntryRequest{
		EscrowID:     escrowID,
		Direction:    target.Direction.Opposite(),
		Counterparty: target.Counterparty,
		Amount:       target.Amount,
		Reason:       ReasonCompensation,
		ProgramTag:   target.ProgramTag,
		Override:     true,
		Note:         note,
		Compensates:  target.ID,
	})
	if err != nil {
		return nil, err
	}
	l.logger.Warn("escrow entry compensated",
		"escrow_id", escrowID, "detail_id", detailID, "compensation_id", d.ID, "note", note)
	return d, nil
}
