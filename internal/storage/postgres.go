package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/idempotency"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/pagination"
	"github.com/mbd888/carpool/internal/pairing"
	"github.com/mbd888/carpool/internal/reservation"
	"github.com/mbd888/carpool/internal/storeerr"
)

// PostgresStore implements Store on PostgreSQL.
//
// Transactions run at READ COMMITTED with explicit row locks (SELECT ...
// FOR UPDATE) on the rows they change, and a per-user advisory lock around
// reservation creation. Serialization failures, deadlocks, lock timeouts
// and dropped connections surface as storeerr.ErrUnavailable.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a store on db. lockTimeout bounds every row lock
// wait; zero means two seconds.
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// Ping implements Store.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return classify(p.db.PingContext(ctx))
}

// WithTx implements Store.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		if c := classify(err); c != err {
			return c
		}
		return fmt.Errorf("%w: commit: %v", storeerr.ErrUnavailable, err)
	}
	return nil
}

// classify maps driver failures onto storage and domain sentinels. Errors
// that already carry a sentinel pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03": // lock_not_available
			return fmt.Errorf("%w: %s", storeerr.ErrLockTimeout, pqErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", storeerr.ErrUnavailable, pqErr.Message)
		case "23P01": // exclusion_violation
			if pqErr.Constraint == "reservations_no_overlap" {
				return fmt.Errorf("%w: %s", reservation.ErrConflictDetected, pqErr.Message)
			}
		case "23505": // unique_violation
			switch pqErr.Constraint {
			case "pairings_active_driver", "pairings_active_rider":
				return fmt.Errorf("%w: %s", pairing.ErrActivePairing, pqErr.Message)
			}
		}
		if pqErr.Code.Class() == "08" { // connection exception
			return fmt.Errorf("%w: %s", storeerr.ErrUnavailable, pqErr.Message)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", storeerr.ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", storeerr.ErrUnavailable, err)
	}
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Reads outside a transaction ---

// ListOverlapping implements reservation.Reader.
func (p *PostgresStore) ListOverlapping(ctx context.Context, userID string, w reservation.Window, statuses []reservation.Status) ([]*reservation.Reservation, error) {
	out, err := listOverlapping(ctx, p.db, userID, w, statuses, false)
	return out, classify(err)
}

// GetReservation implements Store.
func (p *PostgresStore) GetReservation(ctx context.Context, id string) (*reservation.Reservation, error) {
	r, err := scanReservation(p.db.QueryRowContext(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
	return r, classify(err)
}

// ListReservationsByUser implements Store.
func (p *PostgresStore) ListReservationsByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*reservation.Reservation, error) {
	var afterAt sql.NullTime
	var afterID string
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reservationCols+` FROM reservations
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, userID, afterAt, afterID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out, err := scanReservations(rows)
	return out, classify(err)
}

// GetPairing implements pairing.Reader.
func (p *PostgresStore) GetPairing(ctx context.Context, id string) (*pairing.DuoPairing, error) {
	pr, err := scanPairing(p.db.QueryRowContext(ctx, `SELECT `+pairingCols+` FROM pairings WHERE id = $1`, id))
	return pr, classify(err)
}

// ListFrozenPairings implements pairing.Reader.
func (p *PostgresStore) ListFrozenPairings(ctx context.Context, limit int) ([]*pairing.DuoPairing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+pairingCols+` FROM pairings
		WHERE frozen
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*pairing.DuoPairing
	for rows.Next() {
		pr, err := scanPairing(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, pr)
	}
	return out, classify(rows.Err())
}

// GetEscrow implements Store.
func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowCols+` FROM escrows WHERE id = $1`, id))
	return e, classify(err)
}

// ListDetails implements Store.
func (p *PostgresStore) ListDetails(ctx context.Context, escrowID string) ([]*escrow.Detail, error) {
	out, err := listDetails(ctx, p.db, escrowID)
	return out, classify(err)
}

// ListOpenEscrows implements Store.
func (p *PostgresStore) ListOpenEscrows(ctx context.Context, limit int) ([]*escrow.Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowCols+` FROM escrows
		WHERE state <> 'closed'
		ORDER BY opened_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*escrow.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

// --- Transaction ---

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ListOverlapping(ctx context.Context, userID string, w reservation.Window, statuses []reservation.Status) ([]*reservation.Reservation, error) {
	return listOverlapping(ctx, t.tx, userID, w, statuses, true)
}

func (t *pgTx) LockUser(ctx context.Context, userID string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "user:"+userID)
	return err
}

func (t *pgTx) InsertReservation(ctx context.Context, r *reservation.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, user_id, role, window_start, window_end, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.UserID, string(r.Role), r.Window.Start, r.Window.End, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) GetReservationForUpdate(ctx context.Context, id string) (*reservation.Reservation, error) {
	return scanReservation(t.tx.QueryRowContext(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateReservationStatus(ctx context.Context, id string, from, to reservation.Status, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is no longer %s", reservation.ErrStatusChanged, id, from)
	}
	return nil
}

func (t *pgTx) InsertPairing(ctx context.Context, p *pairing.DuoPairing) error {
	subsidies, err := json.Marshal(nonNilSubsidies(p.Subsidies))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO pairings (id, driver_reservation_id, rider_reservation_id, driver_user_id, rider_user_id,
			unit_price, distance_meters, total_fare, rider_amount, subsidies, currency, policy_version,
			escrow_id, status, frozen, frozen_reason, matched_at, started_at, settled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, p.ID, p.DriverReservationID, p.RiderReservationID, p.DriverUserID, p.RiderUserID,
		int64(p.UnitPrice), p.DistanceMeters, int64(p.TotalFare), int64(p.RiderAmount), subsidies, p.Currency, p.PolicyVersion,
		p.EscrowID, string(p.Status), p.Frozen, p.FrozenReason, p.MatchedAt, p.StartedAt, p.SettledAt, p.UpdatedAt)
	return err
}

func (t *pgTx) GetPairingForUpdate(ctx context.Context, id string) (*pairing.DuoPairing, error) {
	return scanPairing(t.tx.QueryRowContext(ctx, `SELECT `+pairingCols+` FROM pairings WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdatePairing(ctx context.Context, p *pairing.DuoPairing) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pairings SET status = $2, frozen = $3, frozen_reason = $4,
			started_at = $5, settled_at = $6, updated_at = $7
		WHERE id = $1
	`, p.ID, string(p.Status), p.Frozen, p.FrozenReason, p.StartedAt, p.SettledAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pairing.ErrNotFound
	}
	return nil
}

func (t *pgTx) ActivePairingFor(ctx context.Context, reservationID string) (*pairing.DuoPairing, error) {
	return scanPairing(t.tx.QueryRowContext(ctx, `
		SELECT `+pairingCols+` FROM pairings
		WHERE (driver_reservation_id = $1 OR rider_reservation_id = $1)
		  AND status IN ('matched', 'started')
		LIMIT 1
	`, reservationID))
}

func (t *pgTx) InsertEscrow(ctx context.Context, e *escrow.Escrow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrows (id, pairing_id, held, currency, state, entries, voids, opened_at, closed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.PairingID, int64(e.Held), e.Currency, string(e.State), e.Entries, e.Voids, e.OpenedAt, e.ClosedAt, e.UpdatedAt)
	return err
}

func (t *pgTx) LockEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	return scanEscrow(t.tx.QueryRowContext(ctx, `SELECT `+escrowCols+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *escrow.Escrow) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE escrows SET held = $2, state = $3, entries = $4, voids = $5, closed_at = $6, updated_at = $7
		WHERE id = $1
	`, e.ID, int64(e.Held), string(e.State), e.Entries, e.Voids, e.ClosedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return escrow.ErrEscrowNotFound
	}
	return nil
}

func (t *pgTx) InsertDetail(ctx context.Context, d *escrow.Detail) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_details (id, escrow_id, seq, direction, counterparty_kind, account_id, amount,
			reason, program_tag, wallet_txn_id, reference, override, note, compensates, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, d.ID, d.EscrowID, d.Seq, string(d.Direction), string(d.Counterparty.Kind), d.Counterparty.AccountID, int64(d.Amount),
		string(d.Reason), d.ProgramTag, d.WalletTxnID, d.Reference, d.Override, d.Note, d.Compensates, d.CreatedAt)
	return err
}

func (t *pgTx) ListDetailsTx(ctx context.Context, escrowID string) ([]*escrow.Detail, error) {
	return listDetails(ctx, t.tx, escrowID)
}

func (t *pgTx) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	var rec idempotency.Record
	var result []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT key, operation, target, result, error_code, error_message, created_at
		FROM idempotency_keys WHERE key = $1
	`, key).Scan(&rec.Key, &rec.Operation, &rec.Target, &result, &rec.ErrorCode, &rec.ErrorMessage, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Result = result
	return &rec, nil
}

func (t *pgTx) PutIdempotency(ctx context.Context, rec *idempotency.Record) error {
	var result any
	if len(rec.Result) > 0 {
		result = []byte(rec.Result)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, operation, target, result, error_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.Key, rec.Operation, rec.Target, result, rec.ErrorCode, rec.ErrorMessage, rec.CreatedAt)
	return err
}

// --- Scanning ---

type scanner interface {
	Scan(dest ...any) error
}

const reservationCols = `id, user_id, role, window_start, window_end, status, created_at, updated_at`

func scanReservation(row scanner) (*reservation.Reservation, error) {
	var r reservation.Reservation
	var role, status string
	err := row.Scan(&r.ID, &r.UserID, &role, &r.Window.Start, &r.Window.End, &status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reservation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Role = reservation.Role(role)
	r.Status = reservation.Status(status)
	return &r, nil
}

func scanReservations(rows *sql.Rows) ([]*reservation.Reservation, error) {
	var out []*reservation.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func listOverlapping(ctx context.Context, q queryer, userID string, w reservation.Window, statuses []reservation.Status, lock bool) ([]*reservation.Reservation, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query := `
		SELECT ` + reservationCols + ` FROM reservations
		WHERE user_id = $1
		  AND status = ANY($2)
		  AND window_start < $4
		  AND window_end > $3
		ORDER BY window_start ASC`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, userID, pq.Array(names), w.Start, w.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

const pairingCols = `id, driver_reservation_id, rider_reservation_id, driver_user_id, rider_user_id,
	unit_price, distance_meters, total_fare, rider_amount, subsidies, currency, policy_version,
	escrow_id, status, frozen, frozen_reason, matched_at, started_at, settled_at, updated_at`

func scanPairing(row scanner) (*pairing.DuoPairing, error) {
	var p pairing.DuoPairing
	var unitPrice, totalFare, riderAmount int64
	var subsidies []byte
	var status string
	var startedAt, settledAt sql.NullTime
	err := row.Scan(&p.ID, &p.DriverReservationID, &p.RiderReservationID, &p.DriverUserID, &p.RiderUserID,
		&unitPrice, &p.DistanceMeters, &totalFare, &riderAmount, &subsidies, &p.Currency, &p.PolicyVersion,
		&p.EscrowID, &status, &p.Frozen, &p.FrozenReason, &p.MatchedAt, &startedAt, &settledAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pairing.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(subsidies, &p.Subsidies); err != nil {
		return nil, fmt.Errorf("decode subsidies for %s: %w", p.ID, err)
	}
	p.UnitPrice = fare.UnitPrice(unitPrice)
	p.TotalFare = money.Amount(totalFare)
	p.RiderAmount = money.Amount(riderAmount)
	p.Status = pairing.Status(status)
	p.StartedAt = nullTime(startedAt)
	p.SettledAt = nullTime(settledAt)
	return &p, nil
}

const escrowCols = `id, pairing_id, held, currency, state, entries, voids, opened_at, closed_at, updated_at`

func scanEscrow(row scanner) (*escrow.Escrow, error) {
	var e escrow.Escrow
	var held int64
	var state string
	var closedAt sql.NullTime
	err := row.Scan(&e.ID, &e.PairingID, &held, &e.Currency, &state, &e.Entries, &e.Voids, &e.OpenedAt, &closedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Held = money.Amount(held)
	e.State = escrow.State(state)
	e.ClosedAt = nullTime(closedAt)
	return &e, nil
}

func listDetails(ctx context.Context, q queryer, escrowID string) ([]*escrow.Detail, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, escrow_id, seq, direction, counterparty_kind, account_id, amount, reason,
			program_tag, wallet_txn_id, reference, override, note, compensates, created_at
		FROM escrow_details
		WHERE escrow_id = $1
		ORDER BY seq ASC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*escrow.Detail
	for rows.Next() {
		var d escrow.Detail
		var direction, kind, reason string
		var amt int64
		if err := rows.Scan(&d.ID, &d.EscrowID, &d.Seq, &direction, &kind, &d.Counterparty.AccountID, &amt, &reason,
			&d.ProgramTag, &d.WalletTxnID, &d.Reference, &d.Override, &d.Note, &d.Compensates, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Direction = escrow.Direction(direction)
		d.Counterparty.Kind = escrow.CounterpartyKind(kind)
		d.Amount = money.Amount(amt)
		d.Reason = escrow.Reason(reason)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNilSubsidies(s []pairing.Subsidy) []pairing.Subsidy {
	if s == nil {
		return []pairing.Subsidy{}
	}
	return s
}
