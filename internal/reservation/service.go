package reservation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/carpool/internal/idgen"
	"github.com/mbd888/carpool/internal/logging"
	"github.com/mbd888/carpool/internal/pagination"
)

// CreateRequest is the input for creating a reservation.
type CreateRequest struct {
	UserID string    `json:"userId" binding:"required"`
	Role   Role      `json:"role" binding:"required"`
	Start  time.Time `json:"start" binding:"required"`
	End    time.Time `json:"end" binding:"required"`
	// Hold defaults to true. A reservation created with hold=false starts
	// in searching and does not block the user's calendar.
	Hold *bool `json:"hold,omitempty"`
}

func (r CreateRequest) holds() bool {
	return r.Hold == nil || *r.Hold
}

// Service manages reservation creation and lookup.
type Service struct {
	store    Store
	detector *Detector
	now      func() time.Time
}

// NewService creates a new reservation service.
func NewService(store Store) *Service {
	return &Service{
		store:    store,
		detector: NewDetector(store),
		now:      time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Detector returns the service's conflict detector.
func (s *Service) Detector() *Detector {
	return s.detector
}

// Create validates and stores a reservation. The per-user lock, conflict
// check and insert share one transaction so two concurrent requests for the
// same user cannot both pass the check.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Reservation, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if !req.Role.Valid() {
		return nil, fmt.Errorf("%w: role must be driver or rider", ErrInvalidRequest)
	}
	w := Window{Start: req.Start.UTC(), End: req.End.UTC()}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &Reservation{
		ID:        idgen.WithPrefix(idgen.PrefixReservation),
		UserID:    req.UserID,
		Role:      req.Role,
		Window:    w,
		Status:    StatusSearching,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.holds() {
		r.Status = StatusReserved
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockUser(ctx, r.UserID); err != nil {
			return err
		}
		if r.Status.HoldsTime() {
			conflicts, err := s.detector.Within(tx).FindConflicts(ctx, r.UserID, w)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return &ConflictError{UserID: r.UserID, Conflicts: conflicts}
			}
		}
		return tx.InsertReservation(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("reservation created",
		"reservation_id", r.ID, "user_id", r.UserID, "role", r.Role, "status", r.Status)
	return r, nil
}

// FindConflicts exposes the detector for read-only availability checks.
func (s *Service) FindConflicts(ctx context.Context, userID string, w Window) ([]*Reservation, error) {
	return s.detector.FindConflicts(ctx, userID, w)
}

// Get returns a reservation by ID.
func (s *Service) Get(ctx context.Context, id string) (*Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

// ListByUser returns one page of a user's reservations, newest first, and
// the cursor for the next page ("" on the last page).
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) ([]*Reservation, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = pagination.ClampLimit(limit)
	list, err := s.store.ListReservationsByUser(ctx, userID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(list, limit, func(r *Reservation) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return page, next, nil
}
