package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mbd888/carpool/internal/alerts"
	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/idempotency"
	"github.com/mbd888/carpool/internal/idgen"
	"github.com/mbd888/carpool/internal/logging"
	"github.com/mbd888/carpool/internal/metrics"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/notify"
	"github.com/mbd888/carpool/internal/pairing"
	"github.com/mbd888/carpool/internal/reservation"
	"github.com/mbd888/carpool/internal/retry"
	"github.com/mbd888/carpool/internal/storage"
	"github.com/mbd888/carpool/internal/storeerr"
	"github.com/mbd888/carpool/internal/syncutil"
	"github.com/mbd888/carpool/internal/traces"
	"github.com/mbd888/carpool/internal/wallet"
)

// Notifier receives domain events after a transition commits.
type Notifier interface {
	Emit(ev *notify.Event)
}

// Service is the settlement orchestrator.
type Service struct {
	store    storage.Store
	ledger   *escrow.Ledger
	policies *fare.PolicyBook
	cache    idempotency.Cache
	notifier Notifier
	pager    alerts.Pager
	logger   *slog.Logger
	policy   retry.Policy
	planner  Planner
	locks    *syncutil.KeyedMutex
	now      func() time.Time
}

// NewService creates a settlement service. Optional collaborators default
// to no-ops: no cache, no events, log-only paging.
func NewService(store storage.Store, ledger *escrow.Ledger, policies *fare.PolicyBook, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		policies: policies,
		cache:    idempotency.NopCache{},
		pager:    alerts.NewLogPager(logger),
		logger:   logger,
		policy:   retry.DefaultPolicy,
		planner:  Plan,
		locks:    syncutil.NewKeyedMutex(0),
		now:      time.Now,
	}
}

// WithCache sets the idempotency result cache.
func (s *Service) WithCache(c idempotency.Cache) *Service {
	s.cache = c
	return s
}

// WithNotifier sets where domain events go.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithPager sets where unbalanced escrows are paged.
func (s *Service) WithPager(p alerts.Pager) *Service {
	s.pager = p
	return s
}

// WithRetryPolicy bounds transient-failure retries.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.policy = p
	return s
}

// WithPlanner replaces the distribution planner (tests).
func (s *Service) WithPlanner(p Planner) *Service {
	s.planner = p
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Match pairs a driver reservation with a rider reservation, prices the
// trip and opens its escrow. Both reservations move to matched in the same
// transaction that captures the fare.
func (s *Service) Match(ctx context.Context, req MatchRequest) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Match",
		traces.ReservationID(req.DriverReservationID), traces.ReservationID(req.RiderReservationID))
	defer func() { traces.End(span, err) }()

	if req.DriverReservationID == "" || req.RiderReservationID == "" {
		return nil, fmt.Errorf("%w: driver and rider reservation ids are required", ErrInvalidRequest)
	}
	if req.DriverReservationID == req.RiderReservationID {
		return nil, fmt.Errorf("%w: driver and rider reservations must differ", ErrInvalidRequest)
	}
	if req.DistanceMeters < 0 || req.UnitPrice < 0 {
		return nil, fmt.Errorf("%w: distance and unit price must not be negative", ErrInvalidRequest)
	}
	subsidies, err := parseSubsidies(req.Subsidies)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	key := req.IdempotencyKey
	target := req.DriverReservationID + "/" + req.RiderReservationID
	if prior, ok, err := s.cached(ctx, key, OpMatch, target); ok || err != nil {
		return prior, err
	}

	// IDs derive from the key so a retried request reuses the escrow and
	// therefore the wallet references of the attempt it repeats.
	pairingID := idgen.WithPrefix(idgen.PrefixPairing)
	escrowID := idgen.WithPrefix(idgen.PrefixEscrow)
	if key != "" {
		pairingID = idgen.Derive(idgen.PrefixPairing, "match:"+key)
		escrowID = idgen.Derive(idgen.PrefixEscrow, "match:"+key)
	}
	now := s.now().UTC()

	var replay *idempotency.Record
	attempts := 0
	err = s.policy.Do(ctx, func(attempt int) error {
		attempts = attempt
		replay = nil
		res = nil
		txErr := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if key != "" {
				rec, err := tx.GetIdempotency(ctx, key)
				if err == nil {
					if err := rec.Check(OpMatch, target); err != nil {
						return err
					}
					replay = rec
					return nil
				}
				if !errors.Is(err, idempotency.ErrNotFound) {
					return err
				}
			}

			p, err := s.match(ctx, tx, req, subsidies, pairingID, escrowID, now)
			if err != nil {
				return err
			}
			res = &Result{Pairing: p.pairing, Escrow: p.escrow}
			return s.remember(ctx, tx, key, OpMatch, target, res, now)
		})
		return retry.Classify(txErr, IsTransient)
	})
	metrics.SettlementAttempts.Observe(float64(attempts))

	if err != nil {
		s.recordFailure(ctx, key, OpMatch, target, err, now)
		metrics.SettlementsTotal.WithLabelValues(OpMatch, resultLabel(err)).Inc()
		s.logFailure(ctx, OpMatch, pairingID, err)
		return nil, err
	}
	if replay != nil {
		metrics.IdempotentReplaysTotal.WithLabelValues("store").Inc()
		return s.replay(ctx, replay)
	}

	metrics.SettlementsTotal.WithLabelValues(OpMatch, "ok").Inc()
	metrics.PairingsMatchedTotal.Inc()
	s.cacheResult(ctx, key, OpMatch, target, res, now)

	p := res.Pairing
	s.emit(notify.NewEvent(notify.EventEscrowOpened, p.ID, p.EscrowID, p.TotalFare, string(p.Status),
		p.DriverUserID, p.RiderUserID))
	logging.L(ctx).Info("pairing matched",
		"pairing_id", p.ID, "escrow_id", p.EscrowID, "fare", p.TotalFare.String(),
		"rider_amount", p.RiderAmount.String(), "policy_version", p.PolicyVersion)
	return res, nil
}

type matched struct {
	pairing *pairing.DuoPairing
	escrow  *escrow.Escrow
}

func (s *Service) match(ctx context.Context, tx storage.Tx, req MatchRequest, subsidies []pairing.Subsidy, pairingID, escrowID string, now time.Time) (*matched, error) {
	// Lock in id order so two matches touching the same reservations cannot
	// deadlock.
	ids := []string{req.DriverReservationID, req.RiderReservationID}
	sort.Strings(ids)
	locked := make(map[string]*reservation.Reservation, 2)
	for _, id := range ids {
		r, err := tx.GetReservationForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = r
	}
	driver, rider := locked[req.DriverReservationID], locked[req.RiderReservationID]

	if driver.Role != reservation.RoleDriver || rider.Role != reservation.RoleRider {
		return nil, fmt.Errorf("%w: expected a driver and a rider reservation", ErrInvalidRequest)
	}
	if driver.UserID == rider.UserID {
		return nil, fmt.Errorf("%w: a user cannot ride with themselves", ErrInvalidRequest)
	}
	for _, r := range []*reservation.Reservation{driver, rider} {
		if r.Status != reservation.StatusReserved {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotMatchable, r.ID, r.Status)
		}
		if active, err := tx.ActivePairingFor(ctx, r.ID); err == nil {
			return nil, fmt.Errorf("%w: %s is in %s", pairing.ErrActivePairing, r.ID, active.ID)
		} else if !errors.Is(err, pairing.ErrNotFound) {
			return nil, err
		}
	}
	if !driver.Window.Overlaps(rider.Window) {
		return nil, ErrWindowsDisjoint
	}

	policy := s.policies.Current()
	total, err := fare.ComputeFare(req.DistanceMeters, req.UnitPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	subsidyTotal := money.Amount(0)
	funding := make([]escrow.Funding, len(subsidies))
	for i, sub := range subsidies {
		if subsidyTotal, err = money.Sum(subsidyTotal, sub.Amount); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		funding[i] = escrow.Funding{Program: sub.Program, Amount: sub.Amount}
	}
	if subsidyTotal > total {
		return nil, fmt.Errorf("%w: %s of subsidy against a %s fare", ErrSubsidyExceedsFare, subsidyTotal, total)
	}

	p := &pairing.DuoPairing{
		ID:                  pairingID,
		DriverReservationID: driver.ID,
		RiderReservationID:  rider.ID,
		DriverUserID:        driver.UserID,
		RiderUserID:         rider.UserID,
		UnitPrice:           req.UnitPrice,
		DistanceMeters:      req.DistanceMeters,
		TotalFare:           total,
		RiderAmount:         total - subsidyTotal,
		Subsidies:           subsidies,
		Currency:            money.DefaultCurrency,
		PolicyVersion:       policy.Version,
		EscrowID:            escrowID,
		Status:              pairing.StatusMatched,
		MatchedAt:           now,
		UpdatedAt:           now,
	}
	// The pairing goes in before any money moves so a duplicate claim on a
	// reservation fails without touching a wallet.
	if err := tx.InsertPairing(ctx, p); err != nil {
		return nil, err
	}
	for _, r := range []*reservation.Reservation{driver, rider} {
		if err := tx.UpdateReservationStatus(ctx, r.ID, reservation.StatusReserved, reservation.StatusMatched, now); err != nil {
			return nil, err
		}
	}

	e, err := s.ledger.Open(ctx, tx, escrow.OpenRequest{
		EscrowID:    escrowID,
		PairingID:   p.ID,
		RiderUserID: p.RiderUserID,
		RiderAmount: p.RiderAmount,
		Subsidies:   funding,
		Currency:    p.Currency,
	})
	if err != nil {
		return nil, err
	}
	return &matched{pairing: p, escrow: e}, nil
}

// Start records that the trip has begun. No money moves.
func (s *Service) Start(ctx context.Context, pairingID, idempotencyKey string) (*Result, error) {
	return s.transition(ctx, pairingID, pairing.EventStart, idempotencyKey)
}

// Complete settles a finished trip: driver payout plus platform fee.
func (s *Service) Complete(ctx context.Context, pairingID, idempotencyKey string) (*Result, error) {
	return s.transition(ctx, pairingID, pairing.EventComplete, idempotencyKey)
}

// CancelByRider settles a rider cancellation, charging the policy's fee
// once the grace period has passed.
func (s *Service) CancelByRider(ctx context.Context, pairingID, idempotencyKey string) (*Result, error) {
	return s.transition(ctx, pairingID, pairing.EventCancelByRider, idempotencyKey)
}

// CancelByDriver settles a driver cancellation with a full rider refund.
func (s *Service) CancelByDriver(ctx context.Context, pairingID, idempotencyKey string) (*Result, error) {
	return s.transition(ctx, pairingID, pairing.EventCancelByDriver, idempotencyKey)
}

// Reject settles a driver rejecting the match with a full rider refund.
func (s *Service) Reject(ctx context.Context, pairingID, idempotencyKey string) (*Result, error) {
	return s.transition(ctx, pairingID, pairing.EventReject, idempotencyKey)
}

// Cancel dispatches a cancellation by the party that requested it.
func (s *Service) Cancel(ctx context.Context, pairingID string, by fare.Role, idempotencyKey string) (*Result, error) {
	switch by {
	case fare.RoleRider:
		return s.CancelByRider(ctx, pairingID, idempotencyKey)
	case fare.RoleDriver:
		return s.CancelByDriver(ctx, pairingID, idempotencyKey)
	}
	return nil, fmt.Errorf("%w: cancel must be by rider or driver", ErrInvalidRequest)
}

func (s *Service) transition(ctx context.Context, pairingID string, ev pairing.Event, key string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement."+string(ev),
		traces.PairingID(pairingID), traces.Event(string(ev)))
	defer func() { traces.End(span, err) }()
	ctx = logging.WithAttrs(ctx, "pairing_id", pairingID, "event", string(ev))

	start := time.Now()
	defer func() {
		metrics.SettlementDuration.WithLabelValues(string(ev)).Observe(time.Since(start).Seconds())
	}()

	op := string(ev)
	if prior, ok, err := s.cached(ctx, key, op, pairingID); ok || err != nil {
		return prior, err
	}

	release, err := s.locks.Lock(ctx, pairingID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrLockTimeout, err)
	}
	defer func() { release() }()
	relock := func() { release, _ = s.locks.Lock(context.WithoutCancel(ctx), pairingID) }

	// One clock reading per request keeps every attempt's plan identical.
	now := s.now().UTC()

	var (
		replay *idempotency.Record
		lines  []escrow.EntryRequest
	)
	// Every wallet movement of every attempt, committed or not.
	tracked, moved := escrow.Track(ctx)
	attempts := 0
	err = retry.DoWithUnlock(ctx, s.policy.MaxAttempts, s.policy.BaseDelay, func() { release() }, relock, func() error {
		attempts++
		span.SetAttributes(traces.Attempt(attempts))
		replay, res, lines = nil, nil, nil
		txErr := s.store.WithTx(tracked, func(ctx context.Context, tx storage.Tx) error {
			if key != "" {
				rec, err := tx.GetIdempotency(ctx, key)
				if err == nil {
					if err := rec.Check(op, pairingID); err != nil {
						return err
					}
					replay = rec
					return nil
				}
				if !errors.Is(err, idempotency.ErrNotFound) {
					return err
				}
			}

			var err error
			res, lines, err = s.apply(ctx, tx, pairingID, ev, now)
			if err != nil {
				return err
			}
			return s.remember(ctx, tx, key, op, pairingID, res, now)
		})
		return retry.Classify(txErr, IsTransient)
	})
	metrics.SettlementAttempts.Observe(float64(attempts))

	if err != nil {
		if moved.Len() > 0 {
			s.unwind(ctx, pairingID, moved.Applied(), err)
		}
		if errors.Is(err, escrow.ErrUnbalancedEscrow) {
			s.freeze(ctx, pairingID, alerts.KindUnbalancedEscrow, err)
		} else {
			s.recordFailure(ctx, key, op, pairingID, err, now)
		}
		metrics.SettlementsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		s.logFailure(ctx, op, pairingID, err)
		return nil, err
	}
	if replay != nil {
		metrics.IdempotentReplaysTotal.WithLabelValues("store").Inc()
		return s.replay(ctx, replay)
	}

	metrics.SettlementsTotal.WithLabelValues(op, "ok").Inc()
	s.cacheResult(ctx, key, op, pairingID, res, now)
	s.announce(res, ev, lines)
	logging.L(ctx).Info("pairing transitioned", "status", res.Pairing.Status, "attempts", attempts)
	return res, nil
}

// apply runs one transition inside tx.
func (s *Service) apply(ctx context.Context, tx storage.Tx, pairingID string, ev pairing.Event, now time.Time) (*Result, []escrow.EntryRequest, error) {
	p, err := tx.GetPairingForUpdate(ctx, pairingID)
	if err != nil {
		return nil, nil, err
	}
	if p.Frozen {
		return nil, nil, fmt.Errorf("%w: %s", ErrPairingFrozen, p.ID)
	}
	to, err := pairing.Next(p.Status, ev)
	if err != nil {
		return nil, nil, err
	}

	outcome, err := pairing.ReservationOutcome(ev)
	if err != nil {
		return nil, nil, err
	}
	if outcome.Driver == reservation.StatusReserved {
		if outcome.Driver, err = s.releaseDriver(ctx, tx, p); err != nil {
			return nil, nil, err
		}
	}

	res := &Result{Pairing: p}
	var lines []escrow.EntryRequest
	if ev.Settles() {
		e, err := s.ledger.BeginResolving(ctx, tx, p.EscrowID)
		if err != nil {
			return nil, nil, err
		}
		policy, err := s.policies.Get(p.PolicyVersion)
		if err != nil {
			return nil, nil, err
		}
		lines, err = s.planner(p, ev, policy, now.Sub(p.MatchedAt))
		if err != nil {
			return nil, nil, err
		}
		if err := escrow.Preflight(e, lines); err != nil {
			return nil, nil, err
		}
		for _, ln := range lines {
			if _, err := s.ledger.AddEntry(ctx, tx, ln); err != nil {
				return nil, nil, err
			}
		}
		if res.Escrow, err = s.ledger.Close(ctx, tx, p.EscrowID); err != nil {
			return nil, nil, err
		}
	}

	from := reservation.Status(p.Status)
	if err := tx.UpdateReservationStatus(ctx, p.DriverReservationID, from, outcome.Driver, now); err != nil {
		return nil, nil, err
	}
	if err := tx.UpdateReservationStatus(ctx, p.RiderReservationID, from, outcome.Rider, now); err != nil {
		return nil, nil, err
	}

	p.Status = to
	p.UpdatedAt = now
	if ev == pairing.EventStart {
		p.StartedAt = &now
	} else {
		p.SettledAt = &now
	}
	if err := tx.UpdatePairing(ctx, p); err != nil {
		return nil, nil, err
	}
	return res, lines, nil
}

// releaseDriver picks the status a driver's reservation returns to when the
// rider leaves. It goes back to reserved unless the driver has since booked
// an overlapping window, in which case it drops to searching and stops
// holding the time.
func (s *Service) releaseDriver(ctx context.Context, tx storage.Tx, p *pairing.DuoPairing) (reservation.Status, error) {
	if err := tx.LockUser(ctx, p.DriverUserID); err != nil {
		return "", err
	}
	r, err := tx.GetReservationForUpdate(ctx, p.DriverReservationID)
	if err != nil {
		return "", err
	}
	conflicts, err := reservation.NewDetector(tx).FindConflicts(ctx, p.DriverUserID, r.Window)
	if err != nil {
		return "", err
	}
	for _, c := range conflicts {
		if c.ID != r.ID {
			logging.L(ctx).Info("driver window rebooked, releasing reservation to searching",
				"reservation_id", r.ID, "conflict_id", c.ID)
			return reservation.StatusSearching, nil
		}
	}
	return reservation.StatusReserved, nil
}

// unwind moves back the wallet movements of a transition that did not
// commit. The escrow's void count is bumped first, in its own transaction,
// so no later settlement can replay a voided reference as a no-op. If the
// bump fails the references stay live and a retry of the same transition
// replays them. A failed void, or a movement whose outcome is unknown,
// freezes the pairing for an operator.
func (s *Service) unwind(ctx context.Context, pairingID string, applied []*escrow.Detail, cause error) {
	ctx = context.WithoutCancel(ctx)
	escrowID := applied[0].EscrowID
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := s.ledger.MarkVoided(ctx, tx, escrowID)
		return err
	})
	if err != nil {
		logging.L(ctx).Error("could not void uncommitted wallet movements",
			"pairing_id", pairingID, "escrow_id", escrowID, "movements", len(applied), "error", err)
		msg := fmt.Sprintf("%d wallet movements outlived a failed settlement (%v); voiding blocked: %v", len(applied), cause, err)
		if perr := s.pager.Page(ctx, alerts.New(alerts.SeverityCritical, alerts.KindRefundStranded, pairingID, escrowID, msg)); perr != nil {
			logging.L(ctx).Error("failed to page operator", "pairing_id", pairingID, "error", perr)
		}
		return
	}
	metrics.VoidedMovementsTotal.Add(float64(len(applied)))

	if verr := s.ledger.Void(ctx, applied); verr != nil {
		s.freeze(ctx, pairingID, alerts.KindRefundStranded, verr)
		return
	}
	if errors.Is(cause, wallet.ErrGatewayTimeout) {
		s.freeze(ctx, pairingID, alerts.KindMovementInDoubt, cause)
	}
}

// freeze marks a pairing for manual review, then pages an operator. The
// failed transition has already rolled back, so this runs in its own
// transaction.
func (s *Service) freeze(ctx context.Context, pairingID string, kind alerts.Kind, cause error) {
	ctx = context.WithoutCancel(ctx)
	var escrowID string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.GetPairingForUpdate(ctx, pairingID)
		if err != nil {
			return err
		}
		escrowID = p.EscrowID
		if p.Frozen {
			return nil
		}
		p.Frozen = true
		p.FrozenReason = truncate(cause.Error(), 500)
		p.UpdatedAt = s.now().UTC()
		return tx.UpdatePairing(ctx, p)
	})
	if err != nil {
		logging.L(ctx).Error("failed to freeze pairing", "pairing_id", pairingID, "error", err)
	} else {
		metrics.FrozenPairings.Inc()
	}
	if kind == alerts.KindUnbalancedEscrow {
		metrics.UnbalancedEscrowsTotal.Inc()
	}

	alert := alerts.New(alerts.SeverityCritical, kind, pairingID, escrowID, cause.Error())
	if err := s.pager.Page(ctx, alert); err != nil {
		logging.L(ctx).Error("failed to page operator", "pairing_id", pairingID, "error", err)
	}
	s.emit(notify.NewEvent(notify.EventPairingFrozen, pairingID, escrowID, 0, "frozen"))
}

// Get returns a pairing by ID.
func (s *Service) Get(ctx context.Context, pairingID string) (*pairing.DuoPairing, error) {
	return s.store.GetPairing(ctx, pairingID)
}

// ListFrozen returns pairings awaiting manual review, oldest first.
func (s *Service) ListFrozen(ctx context.Context, limit int) ([]*pairing.DuoPairing, error) {
	list, err := s.store.ListFrozenPairings(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(list) < limit {
		metrics.FrozenPairings.Set(float64(len(list)))
	}
	return list, nil
}

// Unfreeze clears a frozen pairing after an operator has reconciled its
// escrow. The pairing keeps its status; the pending transition may then be
// retried.
func (s *Service) Unfreeze(ctx context.Context, pairingID, note string) (*pairing.DuoPairing, error) {
	var out *pairing.DuoPairing
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.GetPairingForUpdate(ctx, pairingID)
		if err != nil {
			return err
		}
		if !p.Frozen {
			return fmt.Errorf("%w: %s", ErrNotFrozen, pairingID)
		}
		p.Frozen = false
		p.FrozenReason = ""
		p.UpdatedAt = s.now().UTC()
		if err := tx.UpdatePairing(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.FrozenPairings.Dec()
	logging.L(ctx).Warn("pairing unfrozen", "pairing_id", pairingID, "note", note)
	return out, nil
}

// cached answers from the idempotency cache. ok is true on a hit.
func (s *Service) cached(ctx context.Context, key, op, target string) (*Result, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	rec, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logging.L(ctx).Warn("idempotency cache read failed", "error", err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	if err := rec.Check(op, target); err != nil {
		return nil, true, err
	}
	metrics.IdempotentReplaysTotal.WithLabelValues("cache").Inc()
	res, err := s.replay(ctx, rec)
	return res, true, err
}

func (s *Service) replay(_ context.Context, rec *idempotency.Record) (*Result, error) {
	if rec.Failed() {
		return nil, errorFromRecord(rec)
	}
	var res Result
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		return nil, fmt.Errorf("decode stored result for key %q: %w", rec.Key, err)
	}
	res.Replayed = true
	return &res, nil
}

func (s *Service) remember(ctx context.Context, tx storage.Tx, key, op, target string, res *Result, now time.Time) error {
	if key == "" {
		return nil
	}
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return tx.PutIdempotency(ctx, &idempotency.Record{
		Key:       key,
		Operation: op,
		Target:    target,
		Result:    body,
		CreatedAt: now,
	})
}

// recordFailure pins a permanent failure to its key so a retry of the same
// request gets the same answer instead of a second attempt with a new
// outcome.
func (s *Service) recordFailure(ctx context.Context, key, op, target string, cause error, now time.Time) {
	code := failureCode(cause)
	if key == "" || code == "" || errors.Is(cause, idempotency.ErrKeyReused) {
		return
	}
	var replayed *replayedError
	if errors.As(cause, &replayed) {
		return
	}
	rec := &idempotency.Record{
		Key:          key,
		Operation:    op,
		Target:       target,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
		CreatedAt:    now,
	}
	ctx = context.WithoutCancel(ctx)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetIdempotency(ctx, key); err == nil {
			return nil
		}
		return tx.PutIdempotency(ctx, rec)
	})
	if err != nil {
		logging.L(ctx).Warn("failed to record settlement failure", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(ctx, rec); err != nil {
		logging.L(ctx).Warn("idempotency cache write failed", "error", err)
	}
}

func (s *Service) cacheResult(ctx context.Context, key, op, target string, res *Result, now time.Time) {
	if key == "" {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		return
	}
	rec := &idempotency.Record{Key: key, Operation: op, Target: target, Result: body, CreatedAt: now}
	if err := s.cache.Set(ctx, rec); err != nil {
		logging.L(ctx).Warn("idempotency cache write failed", "error", err)
	}
}

// announce emits the events for a committed transition.
func (s *Service) announce(res *Result, ev pairing.Event, lines []escrow.EntryRequest) {
	if !ev.Settles() {
		return
	}
	p := res.Pairing
	s.emit(notify.NewEvent(notify.EventTripSettled, p.ID, p.EscrowID, p.TotalFare, string(p.Status),
		p.DriverUserID, p.RiderUserID))
	if refund := refunded(lines); refund > 0 {
		s.emit(notify.NewEvent(notify.EventRefundIssued, p.ID, p.EscrowID, refund, string(p.Status), p.RiderUserID))
	}
}

func (s *Service) emit(ev *notify.Event) {
	if s.notifier != nil {
		s.notifier.Emit(ev)
	}
}

func (s *Service) logFailure(ctx context.Context, op, pairingID string, err error) {
	l := logging.L(ctx).With("pairing_id", pairingID, "op", op, "error", err)
	switch {
	case errors.Is(err, escrow.ErrUnbalancedEscrow):
		l.Error("escrow did not balance, pairing frozen")
	case IsTransient(err):
		l.Warn("settlement failed after retries")
	case errors.Is(err, pairing.ErrAlreadySettled), errors.Is(err, escrow.ErrEscrowClosed):
		l.Info("settlement rejected")
	default:
		l.Info("settlement refused")
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, pairing.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, escrow.ErrUnbalancedEscrow):
		return "unbalanced"
	case IsTransient(err):
		return "transient"
	default:
		return "rejected"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
