// Package reconciliation compares each unsettled escrow's running balance
// against the sum of its ledger lines and flags escrows stuck mid-settlement.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/carpool/internal/alerts"
	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/metrics"
	"github.com/mbd888/carpool/internal/money"
)

// EscrowReader is the read surface the runner needs.
type EscrowReader interface {
	ListOpenEscrows(ctx context.Context, limit int) ([]*escrow.Escrow, error)
	ListDetails(ctx context.Context, escrowID string) ([]*escrow.Detail, error)
}

// Mismatch is an escrow whose stored balance disagrees with its ledger.
type Mismatch struct {
	EscrowID  string `json:"escrowId"`
	PairingID string `json:"pairingId"`
	Held      string `json:"held"`
	Ledger    string `json:"ledger"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Checked    int        `json:"checked"`
	HeldTotal  string     `json:"heldTotal"`
	Mismatches []Mismatch `json:"mismatches"`
	Stuck      []string   `json:"stuck"`
	Errors     int        `json:"errors"`
	Duration   string     `json:"duration"`
}

// Runner performs reconciliation passes.
type Runner struct {
	escrows    EscrowReader
	pager      alerts.Pager
	logger     *slog.Logger
	stuckAfter time.Duration
	batch      int
	now        func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(escrows EscrowReader, pager alerts.Pager, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		escrows:    escrows,
		pager:      pager,
		logger:     logger,
		stuckAfter: 15 * time.Minute,
		batch:      1000,
		now:        time.Now,
	}
}

// SetStuckAfter sets how long an escrow may stay resolving before it is
// reported as stuck.
func (r *Runner) SetStuckAfter(d time.Duration) {
	if d > 0 {
		r.stuckAfter = d
	}
}

// RunAll checks every open and resolving escrow.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	list, err := r.escrows.ListOpenEscrows(ctx, r.batch)
	if err != nil {
		checkErrors.Inc()
		return nil, fmt.Errorf("failed to list open escrows: %w", err)
	}

	report := &Report{Mismatches: []Mismatch{}, Stuck: []string{}}
	var held money.Amount
	now := r.now()
	for _, e := range list {
		details, err := r.escrows.ListDetails(ctx, e.ID)
		if err != nil {
			checkErrors.Inc()
			report.Errors++
			r.logger.Warn("reconciliation: failed to list details", "escrow_id", e.ID, "error", err)
			continue
		}
		report.Checked++
		held += e.Held

		if ledger := escrow.Balance(details); ledger != e.Held {
			m := Mismatch{EscrowID: e.ID, PairingID: e.PairingID, Held: e.Held.String(), Ledger: ledger.String()}
			report.Mismatches = append(report.Mismatches, m)
			r.page(ctx, alerts.SeverityCritical, alerts.KindLedgerMismatch, e,
				fmt.Sprintf("held %s but ledger lines sum to %s", m.Held, m.Ledger))
		}
		if e.State == escrow.StateResolving && now.Sub(e.UpdatedAt) > r.stuckAfter {
			report.Stuck = append(report.Stuck, e.ID)
			r.page(ctx, alerts.SeverityWarning, alerts.KindStuckEscrow, e,
				fmt.Sprintf("resolving since %s", e.UpdatedAt.Format(time.RFC3339)))
		}
	}

	report.HeldTotal = held.String()
	report.Duration = time.Since(start).String()
	ledgerMismatches.Set(float64(len(report.Mismatches)))
	stuckEscrows.Set(float64(len(report.Stuck)))
	metrics.EscrowHeldMinorUnits.Set(float64(held))

	if len(report.Mismatches) > 0 || len(report.Stuck) > 0 {
		r.logger.Warn("reconciliation found problems",
			"checked", report.Checked, "mismatches", len(report.Mismatches), "stuck", len(report.Stuck))
	} else {
		r.logger.Debug("reconciliation clean", "checked", report.Checked)
	}
	return report, nil
}

func (r *Runner) page(ctx context.Context, sev alerts.Severity, kind alerts.Kind, e *escrow.Escrow, msg string) {
	if r.pager == nil {
		return
	}
	if err := r.pager.Page(ctx, alerts.New(sev, kind, e.PairingID, e.ID, msg)); err != nil {
		r.logger.Warn("reconciliation: page failed", "escrow_id", e.ID, "error", err)
	}
}
