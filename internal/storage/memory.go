package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/idempotency"
	"github.com/mbd888/carpool/internal/pagination"
	"github.com/mbd888/carpool/internal/pairing"
	"github.com/mbd888/carpool/internal/reservation"
	"github.com/mbd888/carpool/internal/storeerr"
	"github.com/mbd888/carpool/internal/syncutil"
)

var errDuplicate = errors.New("storage: duplicate key")

// MemoryStore is an in-memory Store for development and tests.
//
// One transaction runs at a time. Its writes go to a staged copy of the
// data that replaces the committed copy only when fn succeeds, so an error
// anywhere in fn leaves no trace.
type MemoryStore struct {
	txLock *syncutil.KeyedMutex

	mu        sync.RWMutex // guards committed and failures
	committed *memState
	failures  []error
}

type memState struct {
	reservations map[string]*reservation.Reservation
	pairings     map[string]*pairing.DuoPairing
	escrows      map[string]*escrow.Escrow
	details      map[string][]*escrow.Detail
	references   map[string]bool
	idempotency  map[string]*idempotency.Record
}

func newMemState() *memState {
	return &memState{
		reservations: make(map[string]*reservation.Reservation),
		pairings:     make(map[string]*pairing.DuoPairing),
		escrows:      make(map[string]*escrow.Escrow),
		details:      make(map[string][]*escrow.Detail),
		references:   make(map[string]bool),
		idempotency:  make(map[string]*idempotency.Record),
	}
}

// clone copies every map. Stored values are replaced, never mutated in
// place, so sharing the pointed-to structs is safe.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.pairings {
		c.pairings[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.details {
		c.details[k] = append([]*escrow.Detail(nil), v...)
	}
	for k, v := range s.references {
		c.references[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txLock:    syncutil.NewKeyedMutex(1),
		committed: newMemState(),
	}
}

// FailCommits makes the next len(errs) commits fail with errs, in order,
// after fn has run. Used to simulate a database dropping out mid-settlement.
func (m *MemoryStore) FailCommits(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// WithTx implements Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	unlock, err := m.txLock.Lock(ctx, "memstore")
	if err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrLockTimeout, err)
	}
	defer unlock()

	m.mu.RLock()
	staged := m.committed.clone()
	m.mu.RUnlock()

	if err := fn(ctx, &memTx{st: staged}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	m.committed = staged
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) read() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed
}

// ListOverlapping implements reservation.Reader.
func (m *MemoryStore) ListOverlapping(ctx context.Context, userID string, w reservation.Window, statuses []reservation.Status) ([]*reservation.Reservation, error) {
	return (&memTx{st: m.read()}).ListOverlapping(ctx, userID, w, statuses)
}

// GetReservation implements Store.
func (m *MemoryStore) GetReservation(_ context.Context, id string) (*reservation.Reservation, error) {
	r, ok := m.read().reservations[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListReservationsByUser implements Store, newest first.
func (m *MemoryStore) ListReservationsByUser(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*reservation.Reservation, error) {
	var out []*reservation.Reservation
	for _, r := range m.read().reservations {
		if r.UserID == userID && after.After(r.CreatedAt, r.ID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetPairing implements pairing.Reader.
func (m *MemoryStore) GetPairing(_ context.Context, id string) (*pairing.DuoPairing, error) {
	p, ok := m.read().pairings[id]
	if !ok {
		return nil, pairing.ErrNotFound
	}
	return copyPairing(p), nil
}

// ListFrozenPairings implements pairing.Reader, oldest first.
func (m *MemoryStore) ListFrozenPairings(_ context.Context, limit int) ([]*pairing.DuoPairing, error) {
	var out []*pairing.DuoPairing
	for _, p := range m.read().pairings {
		if p.Frozen {
			out = append(out, copyPairing(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetEscrow implements Store.
func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*escrow.Escrow, error) {
	e, ok := m.read().escrows[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

// ListDetails implements Store.
func (m *MemoryStore) ListDetails(ctx context.Context, escrowID string) ([]*escrow.Detail, error) {
	return (&memTx{st: m.read()}).ListDetailsTx(ctx, escrowID)
}

// ListOpenEscrows implements Store, oldest first.
func (m *MemoryStore) ListOpenEscrows(_ context.Context, limit int) ([]*escrow.Escrow, error) {
	var out []*escrow.Escrow
	for _, e := range m.read().escrows {
		if e.State != escrow.StateClosed {
			out = append(out, copyEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyPairing(p *pairing.DuoPairing) *pairing.DuoPairing {
	cp := *p
	cp.Subsidies = append([]pairing.Subsidy(nil), p.Subsidies...)
	return &cp
}

func copyEscrow(e *escrow.Escrow) *escrow.Escrow {
	cp := *e
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// memTx reads and writes one staged state.
type memTx struct {
	st *memState
}

func (t *memTx) ListOverlapping(_ context.Context, userID string, w reservation.Window, statuses []reservation.Status) ([]*reservation.Reservation, error) {
	want := make(map[reservation.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*reservation.Reservation
	for _, r := range t.st.reservations {
		if r.UserID == userID && want[r.Status] && r.Window.Overlaps(w) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window.Start.Before(out[j].Window.Start) })
	return out, nil
}

// LockUser is a no-op: the store runs one transaction at a time.
func (t *memTx) LockUser(context.Context, string) error { return nil }

func (t *memTx) InsertReservation(_ context.Context, r *reservation.Reservation) error {
	if _, ok := t.st.reservations[r.ID]; ok {
		return fmt.Errorf("%w: reservation %s", errDuplicate, r.ID)
	}
	cp := *r
	t.st.reservations[r.ID] = &cp
	return nil
}

func (t *memTx) GetReservationForUpdate(_ context.Context, id string) (*reservation.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) UpdateReservationStatus(_ context.Context, id string, from, to reservation.Status, at time.Time) error {
	r, ok := t.st.reservations[id]
	if !ok {
		return reservation.ErrNotFound
	}
	if r.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", reservation.ErrStatusChanged, id, r.Status, from)
	}
	cp := *r
	cp.Status = to
	cp.UpdatedAt = at
	t.st.reservations[id] = &cp
	return nil
}

func (t *memTx) InsertPairing(ctx context.Context, p *pairing.DuoPairing) error {
	if _, ok := t.st.pairings[p.ID]; ok {
		return fmt.Errorf("%w: pairing %s", errDuplicate, p.ID)
	}
	for _, rid := range []string{p.DriverReservationID, p.RiderReservationID} {
		if _, err := t.ActivePairingFor(ctx, rid); err == nil {
			return fmt.Errorf("%w: %s", pairing.ErrActivePairing, rid)
		}
	}
	t.st.pairings[p.ID] = copyPairing(p)
	return nil
}

func (t *memTx) GetPairingForUpdate(_ context.Context, id string) (*pairing.DuoPairing, error) {
	p, ok := t.st.pairings[id]
	if !ok {
		return nil, pairing.ErrNotFound
	}
	return copyPairing(p), nil
}

func (t *memTx) UpdatePairing(_ context.Context, p *pairing.DuoPairing) error {
	if _, ok := t.st.pairings[p.ID]; !ok {
		return pairing.ErrNotFound
	}
	t.st.pairings[p.ID] = copyPairing(p)
	return nil
}

func (t *memTx) ActivePairingFor(_ context.Context, reservationID string) (*pairing.DuoPairing, error) {
	for _, p := range t.st.pairings {
		if p.IsActive() && (p.DriverReservationID == reservationID || p.RiderReservationID == reservationID) {
			return copyPairing(p), nil
		}
	}
	return nil, pairing.ErrNotFound
}

func (t *memTx) InsertEscrow(_ context.Context, e *escrow.Escrow) error {
	if _, ok := t.st.escrows[e.ID]; ok {
		return fmt.Errorf("%w: escrow %s", errDuplicate, e.ID)
	}
	t.st.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (t *memTx) LockEscrow(_ context.Context, id string) (*escrow.Escrow, error) {
	e, ok := t.st.escrows[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (t *memTx) UpdateEscrow(_ context.Context, e *escrow.Escrow) error {
	if _, ok := t.st.escrows[e.ID]; !ok {
		return escrow.ErrEscrowNotFound
	}
	t.st.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (t *memTx) InsertDetail(_ context.Context, d *escrow.Detail) error {
	if _, ok := t.st.escrows[d.EscrowID]; !ok {
		return escrow.ErrEscrowNotFound
	}
	if t.st.references[d.Reference] {
		return fmt.Errorf("%w: reference %s", errDuplicate, d.Reference)
	}
	for _, existing := range t.st.details[d.EscrowID] {
		if existing.Seq == d.Seq {
			return fmt.Errorf("%w: %s seq %d", errDuplicate, d.EscrowID, d.Seq)
		}
	}
	cp := *d
	t.st.details[d.EscrowID] = append(t.st.details[d.EscrowID], &cp)
	t.st.references[d.Reference] = true
	return nil
}

func (t *memTx) ListDetailsTx(_ context.Context, escrowID string) ([]*escrow.Detail, error) {
	src := t.st.details[escrowID]
	out := make([]*escrow.Detail, len(src))
	for i, d := range src {
		cp := *d
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) GetIdempotency(_ context.Context, key string) (*idempotency.Record, error) {
	rec, ok := t.st.idempotency[key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (t *memTx) PutIdempotency(_ context.Context, rec *idempotency.Record) error {
	if _, ok := t.st.idempotency[rec.Key]; ok {
		return fmt.Errorf("%w: idempotency key %s", errDuplicate, rec.Key)
	}
	cp := *rec
	t.st.idempotency[rec.Key] = &cp
	return nil
}
