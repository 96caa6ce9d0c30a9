// Package storage persists reservations, pairings, escrows and idempotency
// records behind one transactional interface, so a settlement transition
// commits all of its writes together or none of them.
package storage

import (
	"context"

	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/idempotency"
	"github.com/mbd888/carpool/internal/pagination"
	"github.com/mbd888/carpool/internal/pairing"
	"github.com/mbd888/carpool/internal/reservation"
)

// Tx is everything a settlement transaction may read or write.
type Tx interface {
	reservation.Tx
	pairing.Tx
	escrow.Tx
	// GetIdempotency returns the record for key or idempotency.ErrNotFound.
	GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error)
	PutIdempotency(ctx context.Context, rec *idempotency.Record) error
}

// Store is the full persistence surface.
type Store interface {
	reservation.Reader
	pairing.Reader

	// WithTx runs fn in a transaction. fn's error rolls everything back;
	// a failed commit is reported as storeerr.ErrUnavailable.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetReservation(ctx context.Context, id string) (*reservation.Reservation, error)
	ListReservationsByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*reservation.Reservation, error)

	GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error)
	ListDetails(ctx context.Context, escrowID string) ([]*escrow.Detail, error)
	ListOpenEscrows(ctx context.Context, limit int) ([]*escrow.Escrow, error)

	Ping(ctx context.Context) error
}

// ForReservations narrows s to the reservation package's store.
func ForReservations(s Store) reservation.Store {
	return reservationStore{s}
}

type reservationStore struct {
	Store
}

func (r reservationStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx reservation.Tx) error) error {
	return r.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, tx)
	})
}

// ForEscrow narrows s to the escrow package's store.
func ForEscrow(s Store) escrow.Store {
	return escrowStore{s}
}

type escrowStore struct {
	Store
}

func (e escrowStore) WithEscrowTx(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, tx)
	})
}
