package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/carpool/internal/alerts"
	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/money"
)

type mockEscrows struct {
	escrows []*escrow.Escrow
	details map[string][]*escrow.Detail
	listErr error
}

func (m *mockEscrows) ListOpenEscrows(_ context.Context, _ int) ([]*escrow.Escrow, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.escrows, nil
}

func (m *mockEscrows) ListDetails(_ context.Context, id string) ([]*escrow.Detail, error) {
	d, ok := m.details[id]
	if !ok {
		return nil, errors.New("boom")
	}
	return d, nil
}

type mockPager struct {
	alerts []*alerts.Alert
}

func (m *mockPager) Page(_ context.Context, a *alerts.Alert) error {
	m.alerts = append(m.alerts, a)
	return nil
}

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func capture(amount int64) *escrow.Detail {
	return &escrow.Detail{Direction: escrow.DirectionCredit, Amount: money.Amount(amount), Reason: escrow.ReasonFareCapture}
}

func TestRunAll_Clean(t *testing.T) {
	store := &mockEscrows{
		escrows: []*escrow.Escrow{
			{ID: "esc_1", PairingID: "duo_1", Held: 1000, State: escrow.StateOpen, UpdatedAt: now},
			{ID: "esc_2", PairingID: "duo_2", Held: 500, State: escrow.StateOpen, UpdatedAt: now},
		},
		details: map[string][]*escrow.Detail{
			"esc_1": {capture(1000)},
			"esc_2": {capture(500)},
		},
	}
	pager := &mockPager{}
	r := NewRunner(store, pager, nil)
	r.now = func() time.Time { return now }

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.Checked != 2 || len(report.Mismatches) != 0 || len(report.Stuck) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.HeldTotal != "15.00" {
		t.Errorf("held total = %s, want 15.00", report.HeldTotal)
	}
	if len(pager.alerts) != 0 {
		t.Errorf("clean run should not page, got %d", len(pager.alerts))
	}
}

func TestRunAll_Mismatch(t *testing.T) {
	store := &mockEscrows{
		escrows: []*escrow.Escrow{
			{ID: "esc_1", PairingID: "duo_1", Held: 900, State: escrow.StateOpen, UpdatedAt: now},
		},
		details: map[string][]*escrow.Detail{"esc_1": {capture(1000)}},
	}
	pager := &mockPager{}
	r := NewRunner(store, pager, nil)
	r.now = func() time.Time { return now }

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].Ledger != "10.00" || report.Mismatches[0].Held != "9.00" {
		t.Fatalf("unexpected mismatches %+v", report.Mismatches)
	}
	if len(pager.alerts) != 1 || pager.alerts[0].Kind != alerts.KindLedgerMismatch {
		t.Errorf("expected one ledger mismatch page, got %+v", pager.alerts)
	}
}

func TestRunAll_StuckResolving(t *testing.T) {
	store := &mockEscrows{
		escrows: []*escrow.Escrow{
			{ID: "esc_1", Held: 1000, State: escrow.StateResolving, UpdatedAt: now.Add(-time.Hour)},
			{ID: "esc_2", Held: 1000, State: escrow.StateResolving, UpdatedAt: now.Add(-time.Minute)},
		},
		details: map[string][]*escrow.Detail{
			"esc_1": {capture(1000)},
			"esc_2": {capture(1000)},
		},
	}
	pager := &mockPager{}
	r := NewRunner(store, pager, nil)
	r.now = func() time.Time { return now }
	r.SetStuckAfter(10 * time.Minute)

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(report.Stuck) != 1 || report.Stuck[0] != "esc_1" {
		t.Errorf("stuck = %v, want [esc_1]", report.Stuck)
	}
	if len(pager.alerts) != 1 || pager.alerts[0].Kind != alerts.KindStuckEscrow {
		t.Errorf("expected one stuck page, got %+v", pager.alerts)
	}
}

func TestRunAll_DetailErrorsAreCounted(t *testing.T) {
	store := &mockEscrows{
		escrows: []*escrow.Escrow{{ID: "esc_missing", State: escrow.StateOpen}},
		details: map[string][]*escrow.Detail{},
	}
	report, err := NewRunner(store, nil, nil).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.Errors != 1 || report.Checked != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestRunAll_ListError(t *testing.T) {
	store := &mockEscrows{listErr: errors.New("db down")}
	if _, err := NewRunner(store, nil, nil).RunAll(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestTimer_StartStop(t *testing.T) {
	store := &mockEscrows{details: map[string][]*escrow.Detail{}}
	tm := NewTimer(NewRunner(store, nil, nil), 10*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		tm.Start(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	if !tm.Running() {
		t.Error("timer should be running")
	}
	tm.Stop()
	tm.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	if tm.LastReport() == nil {
		t.Error("scheduled runs should record their report")
	}
}

func TestTimer_RunAllOnDemand(t *testing.T) {
	store := &mockEscrows{
		escrows: []*escrow.Escrow{{ID: "esc_1", PairingID: "duo_1", Held: 1000, State: escrow.StateOpen, UpdatedAt: now}},
		details: map[string][]*escrow.Detail{"esc_1": {capture(1000)}},
	}
	tm := NewTimer(NewRunner(store, nil, nil), 0, nil)
	if tm.interval != DefaultInterval {
		t.Errorf("interval = %s, want default", tm.interval)
	}

	report, err := tm.RunAll(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Checked != 1 || tm.LastReport() != report {
		t.Errorf("unexpected report %+v", report)
	}

	store.listErr = errors.New("db down")
	if _, err := tm.RunAll(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if tm.LastReport() != report {
		t.Error("a failed run must not replace the last good report")
	}
}
