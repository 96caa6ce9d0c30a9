package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/wallet"
)

// fakeStore is a minimal in-memory Store. Transactions write through
// directly; rollback is exercised in the storage package.
type fakeStore struct {
	mu      sync.Mutex
	escrows map[string]*Escrow
	details map[string][]*Detail
}

func newFakeStore() *fakeStore {
	return &fakeStore{escrows: make(map[string]*Escrow), details: make(map[string][]*Detail)}
}

func (s *fakeStore) InsertEscrow(_ context.Context, e *Escrow) error {
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *fakeStore) LockEscrow(_ context.Context, id string) (*Escrow, error) {
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) UpdateEscrow(_ context.Context, e *Escrow) error {
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *fakeStore) InsertDetail(_ context.Context, d *Detail) error {
	s.details[d.EscrowID] = append(s.details[d.EscrowID], d)
	return nil
}

func (s *fakeStore) ListDetailsTx(_ context.Context, escrowID string) ([]*Detail, error) {
	out := append([]*Detail(nil), s.details[escrowID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *fakeStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LockEscrow(ctx, id)
}

func (s *fakeStore) ListDetails(ctx context.Context, escrowID string) ([]*Detail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ListDetailsTx(ctx, escrowID)
}

func (s *fakeStore) ListOpenEscrows(_ context.Context, limit int) ([]*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Escrow
	for _, e := range s.escrows {
		if e.State != StateClosed && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) WithEscrowTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, s)
}

var fixedNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestLedger() (*Ledger, *wallet.MemoryGateway, *fakeStore) {
	gw := wallet.NewMemoryGateway()
	gw.Fund(wallet.UserAccount("rider"), money.MustParse("50.00"))
	l := NewLedger(gw, nil).WithClock(func() time.Time { return fixedNow })
	return l, gw, newFakeStore()
}

func openTen(t *testing.T, l *Ledger, s *fakeStore) *Escrow {
	t.Helper()
	e, err := l.Open(context.Background(), s, OpenRequest{
		EscrowID:    "esc_1",
		PairingID:   "duo_1",
		RiderUserID: "rider",
		RiderAmount: money.MustParse("10.00"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return e
}

func TestOpen_CapturesRiderFare(t *testing.T) {
	l, gw, s := newTestLedger()
	e := openTen(t, l, s)

	if e.Held != money.MustParse("10.00") || e.State != StateOpen || e.Entries != 1 {
		t.Fatalf("unexpected escrow %+v", e)
	}
	if got := gw.Balance(wallet.UserAccount("rider")); got != money.MustParse("40.00") {
		t.Errorf("rider balance = %s, want 40.00", got)
	}
	details := s.details["esc_1"]
	if len(details) != 1 || details[0].Reason != ReasonFareCapture || details[0].Reference != "esc_1:FARE_CAPTURE:0" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestOpen_WithSubsidy(t *testing.T) {
	l, gw, s := newTestLedger()
	gw.Fund(wallet.ProgramAccount("city"), money.MustParse("100.00"))

	e, err := l.Open(context.Background(), s, OpenRequest{
		EscrowID:    "esc_1",
		PairingID:   "duo_1",
		RiderUserID: "rider",
		RiderAmount: money.MustParse("6.00"),
		Subsidies:   []Funding{{Program: "city", Amount: money.MustParse("4.00")}},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if e.Held != money.MustParse("10.00") || e.Entries != 2 {
		t.Fatalf("unexpected escrow %+v", e)
	}
	sub := s.details["esc_1"][1]
	if sub.Reason != ReasonSubsidyCapture || sub.ProgramTag != "city" || sub.Counterparty.Kind != CounterpartyProgram {
		t.Errorf("unexpected subsidy line %+v", sub)
	}
}

func TestOpen_ReversesCapturesOnPermanentFailure(t *testing.T) {
	l, gw, s := newTestLedger()
	// program account unfunded

	_, err := l.Open(context.Background(), s, OpenRequest{
		EscrowID:    "esc_1",
		PairingID:   "duo_1",
		RiderUserID: "rider",
		RiderAmount: money.MustParse("6.00"),
		Subsidies:   []Funding{{Program: "city", Amount: money.MustParse("4.00")}},
	})
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := gw.Balance(wallet.UserAccount("rider")); got != money.MustParse("50.00") {
		t.Errorf("rider should be made whole, balance = %s", got)
	}
}

func TestOpen_TransientFailureKeepsCaptures(t *testing.T) {
	_, gw, s := newTestLedger()
	gw.Fund(wallet.ProgramAccount("city"), money.MustParse("100.00"))

	// Rider capture succeeds, subsidy capture times out.
	l := NewLedger(&failOnNth{Gateway: gw, n: 2, err: wallet.ErrGatewayTimeout}, nil)
	_, err := l.Open(context.Background(), s, OpenRequest{
		EscrowID:    "esc_1",
		PairingID:   "duo_1",
		RiderUserID: "rider",
		RiderAmount: money.MustParse("6.00"),
		Subsidies:   []Funding{{Program: "city", Amount: money.MustParse("4.00")}},
	})
	if !wallet.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	// A retry replays the rider capture by reference, so it stays taken.
	if got := gw.Balance(wallet.UserAccount("rider")); got != money.MustParse("44.00") {
		t.Errorf("rider balance = %s, want 44.00", got)
	}
}

// failOnNth fails the n-th call (1-based) with err.
type failOnNth struct {
	wallet.Gateway
	n, calls int
	err      error
}

func (f *failOnNth) Debit(ctx context.Context, a string, m money.Amount, ref string) (string, error) {
	f.calls++
	if f.calls == f.n {
		return "", f.err
	}
	return f.Gateway.Debit(ctx, a, m, ref)
}

func TestOpen_Validation(t *testing.T) {
	l, _, s := newTestLedger()
	_, err := l.Open(context.Background(), s, OpenRequest{EscrowID: "esc_1", PairingID: "duo_1"})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("expected ErrInvalidEntry, got %v", err)
	}
	_, err = l.Open(context.Background(), s, OpenRequest{
		EscrowID: "esc_1", PairingID: "duo_1", RiderUserID: "rider",
		Subsidies: []Funding{{Program: "city", Amount: 0}},
	})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("expected ErrInvalidEntry for zero subsidy, got %v", err)
	}
}

func TestAddEntry_RejectsOverdraw(t *testing.T) {
	l, _, s := newTestLedger()
	openTen(t, l, s)

	_, err := l.AddEntry(context.Background(), s, EntryRequest{
		EscrowID:     "esc_1",
		Direction:    DirectionDebit,
		Counterparty: UserParty("driver"),
		Amount:       money.MustParse("10.01"),
		Reason:       ReasonDriverPayout,
	})
	if !errors.Is(err, ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}
}

func TestAddEntry_OverrideAllowsNegative(t *testing.T) {
	l, _, s := newTestLedger()
	openTen(t, l, s)

	d, err := l.AddEntry(context.Background(), s, EntryRequest{
		EscrowID:     "esc_1",
		Direction:    DirectionDebit,
		Counterparty: UserParty("driver"),
		Amount:       money.MustParse("12.00"),
		Reason:       ReasonDriverPayout,
		Override:     true,
	})
	if err != nil {
		t.Fatalf("override entry: %v", err)
	}
	if !d.Override {
		t.Error("detail should record the override")
	}
	if got := s.escrows["esc_1"].Held; got != money.MustParse("-2.00") {
		t.Errorf("held = %s, want -2.00", got)
	}
}

func TestAddEntry_ClosedEscrow(t *testing.T) {
	l, _, s := newTestLedger()
	openTen(t, l, s)
	s.escrows["esc_1"].State = StateClosed

	_, err := l.AddEntry(context.Background(), s, EntryRequest{
		EscrowID:     "esc_1",
		Direction:    DirectionDebit,
		Counterparty: UserParty("rider"),
		Amount:       100,
		Reason:       ReasonRiderRefund,
	})
	if !errors.Is(err, ErrEscrowClosed) {
		t.Fatalf("expected ErrEscrowClosed, got %v", err)
	}
}

func TestPreflight(t *testing.T) {
	e := &Escrow{ID: "esc_1", Held: money.MustParse("10.00")}
	ok := []EntryRequest{
		{Direction: DirectionDebit, Amount: money.MustParse("8.00"), Reason: ReasonDriverPayout},
		{Direction: DirectionDebit, Amount: money.MustParse("2.00"), Reason: ReasonPlatformFee},
	}
	if err := Preflight(e, ok); err != nil {
		t.Errorf("balanced plan rejected: %v", err)
	}

	short := ok[:1]
	if err := Preflight(e, short); !errors.Is(err, ErrUnbalancedEscrow) {
		t.Errorf("expected ErrUnbalancedEscrow, got %v", err)
	}

	credit := []EntryRequest{{Direction: DirectionCredit, Amount: money.MustParse("10.00")}}
	if err := Preflight(e, credit); !errors.Is(err, ErrUnbalancedEscrow) {
		t.Errorf("credit line should be rejected, got %v", err)
	}
}

func TestResolveAndClose(t *testing.T) {
	ctx := context.Background()
	l, gw, s := newTestLedger()
	openTen(t, l, s)

	e, err := l.BeginResolving(ctx, s, "esc_1")
	if err != nil || e.State != StateResolving {
		t.Fatalf("begin resolving: %v %+v", err, e)
	}
	lines := []EntryRequest{
		{EscrowID: "esc_1", Direction: DirectionDebit, Counterparty: UserParty("driver"), Amount: money.MustParse("8.00"), Reason: ReasonDriverPayout},
		{EscrowID: "esc_1", Direction: DirectionDebit, Counterparty: PlatformParty(), Amount: money.MustParse("2.00"), Reason: ReasonPlatformFee},
	}
	if err := Preflight(e, lines); err != nil {
		t.Fatalf("preflight: %v", err)
	}
	for _, ln := range lines {
		if _, err := l.AddEntry(ctx, s, ln); err != nil {
			t.Fatalf("add entry: %v", err)
		}
	}

	closed, err := l.Close(ctx, s, "esc_1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.State != StateClosed || closed.ClosedAt == nil || closed.Held != 0 {
		t.Errorf("unexpected closed escrow %+v", closed)
	}
	if got := gw.Balance(wallet.UserAccount("driver")); got != money.MustParse("8.00") {
		t.Errorf("driver = %s", got)
	}
	if got := gw.Balance(wallet.PlatformFeeAccount); got != money.MustParse("2.00") {
		t.Errorf("platform = %s", got)
	}
	if got := s.details["esc_1"][2].Reference; got != "esc_1:PLATFORM_FEE:2" {
		t.Errorf("reference = %q", got)
	}

	if _, err := l.Close(ctx, s, "esc_1"); !errors.Is(err, ErrEscrowClosed) {
		t.Errorf("second close: expected ErrEscrowClosed, got %v", err)
	}
	if _, err := l.BeginResolving(ctx, s, "esc_1"); !errors.Is(err, ErrEscrowClosed) {
		t.Errorf("resolving a closed escrow: expected ErrEscrowClosed, got %v", err)
	}
}

func TestClose_RefusesUnbalanced(t *testing.T) {
	l, _, s := newTestLedger()
	openTen(t, l, s)

	_, err := l.Close(context.Background(), s, "esc_1")
	if !errors.Is(err, ErrUnbalancedEscrow) {
		t.Fatalf("expected ErrUnbalancedEscrow, got %v", err)
	}
	if s.escrows["esc_1"].State == StateClosed {
		t.Error("escrow must stay open")
	}
}

func TestClose_DetectsDriftBetweenHeldAndLedger(t *testing.T) {
	l, _, s := newTestLedger()
	openTen(t, l, s)
	s.escrows["esc_1"].Held = 0

	if _, err := l.Close(context.Background(), s, "esc_1"); !errors.Is(err, ErrUnbalancedEscrow) {
		t.Fatalf("expected ErrUnbalancedEscrow, got %v", err)
	}
}

func TestCompensate(t *testing.T) {
	ctx := context.Background()
	l, gw, s := newTestLedger()
	openTen(t, l, s)
	capture := s.details["esc_1"][0]

	d, err := l.Compensate(ctx, s, "esc_1", capture.ID, "duplicate capture")
	if err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if d.Direction != DirectionDebit || d.Reason != ReasonCompensation || d.Compensates != capture.ID {
		t.Errorf("unexpected compensation %+v", d)
	}
	if got := gw.Balance(wallet.UserAccount("rider")); got != money.MustParse("50.00") {
		t.Errorf("rider balance = %s, want 50.00", got)
	}
	if got := s.escrows["esc_1"].Held; got != 0 {
		t.Errorf("held = %s, want 0", got)
	}

	if _, err := l.Compensate(ctx, s, "esc_1", capture.ID, "again"); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("double compensation: expected ErrInvalidEntry, got %v", err)
	}
	if _, err := l.Compensate(ctx, s, "esc_1", d.ID, "undo"); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("compensating a compensation: expected ErrInvalidEntry, got %v", err)
	}
	if _, err := l.Compensate(ctx, s, "esc_1", "etd_missing", "x"); !errors.Is(err, ErrDetailNotFound) {
		t.Errorf("expected ErrDetailNotFound, got %v", err)
	}
}

func TestBalanceAndTotals(t *testing.T) {
	details := []*Detail{
		{Direction: DirectionCredit, Amount: 1000},
		{Direction: DirectionDebit, Amount: 800},
		{Direction: DirectionDebit, Amount: 200},
	}
	if b := Balance(details); b != 0 {
		t.Errorf("balance = %d", b)
	}
	c, d := Totals(details)
	if c != 1000 || d != 1000 {
		t.Errorf("totals = %d/%d", c, d)
	}
}

func TestVoid_ReversesMovementsAndUsesFreshReferencesAfter(t *testing.T) {
	ctx := context.Background()
	l, gw, s := newTestLedger()
	openTen(t, l, s)
	if _, err := l.BeginResolving(ctx, s, "esc_1"); err != nil {
		t.Fatalf("begin resolving: %v", err)
	}

	tracked, j := Track(ctx)
	payout := EntryRequest{EscrowID: "esc_1", Direction: DirectionDebit, Counterparty: UserParty("driver"), Amount: money.MustParse("8.00"), Reason: ReasonDriverPayout}
	if _, err := l.AddEntry(tracked, s, payout); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if j.Len() != 1 {
		t.Fatalf("journal recorded %d movements, want 1", j.Len())
	}

	// The settlement did not commit: bump the void count, then move the money back.
	e, err := l.MarkVoided(ctx, s, "esc_1")
	if err != nil || e.Voids != 1 {
		t.Fatalf("mark voided: %v %+v", err, e)
	}
	if err := l.Void(ctx, j.Applied()); err != nil {
		t.Fatalf("void: %v", err)
	}
	if err := l.Void(ctx, j.Applied()); err != nil {
		t.Fatalf("second void should replay: %v", err)
	}
	if got := gw.Balance(wallet.UserAccount("driver")); got != 0 {
		t.Errorf("driver = %s, want 0 after void", got)
	}

	// Same position and reason, new reference: the payout really moves again.
	s.details["esc_1"] = s.details["esc_1"][:1]
	s.escrows["esc_1"].Held = money.MustParse("10.00")
	s.escrows["esc_1"].Entries = 1
	d, err := l.AddEntry(ctx, s, payout)
	if err != nil {
		t.Fatalf("add entry after void: %v", err)
	}
	if d.Reference != "esc_1:DRIVER_PAYOUT:1:v1" {
		t.Errorf("reference = %q", d.Reference)
	}
	if got := gw.Balance(wallet.UserAccount("driver")); got != money.MustParse("8.00") {
		t.Errorf("driver = %s, want 8.00", got)
	}
}

func TestVoid_ReportsStrandedMovement(t *testing.T) {
	ctx := context.Background()
	l, gw, _ := newTestLedger()
	gw.Fund(wallet.UserAccount("driver"), 0)

	err := l.Void(ctx, []*Detail{{
		EscrowID:     "esc_1",
		Direction:    DirectionDebit,
		Counterparty: UserParty("driver"),
		Amount:       money.MustParse("8.00"),
		Reference:    "esc_1:DRIVER_PAYOUT:1",
	}})
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestMarkVoided_RefusesClosedEscrow(t *testing.T) {
	l, _, s := newTestLedger()
	openTen(t, l, s)
	s.escrows["esc_1"].State = StateClosed

	if _, err := l.MarkVoided(context.Background(), s, "esc_1"); !errors.Is(err, ErrEscrowClosed) {
		t.Fatalf("expected ErrEscrowClosed, got %v", err)
	}
}
