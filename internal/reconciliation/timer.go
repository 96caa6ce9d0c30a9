package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer is given a non-positive interval.
const DefaultInterval = 5 * time.Minute

// Timer runs reconciliation on a schedule and on demand. Runs never
// overlap: an operator-triggered pass waits for a scheduled one to finish.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	runMu   sync.Mutex
	last    atomic.Pointer[Report]
	running atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTimer creates a timer around runner.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the scheduling loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the report of the most recent completed run, or nil.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// Start runs the scheduling loop until ctx ends or Stop is called. Call in
// a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if _, err := t.RunAll(ctx); err != nil {
				t.logger.Warn("scheduled reconciliation failed", "error", err)
			}
		}
	}
}

// Stop ends the scheduling loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunAll performs one pass, serialized with every other pass through this
// timer. A panic in the runner is reported as an error.
func (t *Timer) RunAll(ctx context.Context) (report *Report, err error) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
			report, err = nil, fmt.Errorf("reconciliation panicked: %v", r)
		}
	}()

	report, err = t.runner.RunAll(ctx)
	if err != nil {
		return nil, err
	}
	t.last.Store(report)
	lastSuccess.SetToCurrentTime()
	t.logger.Info("reconciliation run complete",
		"checked", report.Checked, "held_total", report.HeldTotal,
		"mismatches", len(report.Mismatches), "stuck", len(report.Stuck))
	return report, nil
}
