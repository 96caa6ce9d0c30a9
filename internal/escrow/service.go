package escrow

import (
	"context"
	"log/slog"

	"github.com/mbd888/carpool/internal/logging"
)

// View is an escrow with its ledger lines.
type View struct {
	Escrow  *Escrow   `json:"escrow"`
	Details []*Detail `json:"details"`
	// Balance is recomputed from Details and should always equal Escrow.Held.
	Balance string `json:"balance"`
}

// Service exposes escrow reads and operator corrections. Settlement writes
// go through the Ledger inside the settlement transaction instead.
type Service struct {
	store  Store
	ledger *Ledger
	logger *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, ledger *Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: ledger, logger: logger}
}

// Get returns an escrow and its ledger.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	details, err := s.store.ListDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Escrow: e, Details: details, Balance: Balance(details).String()}, nil
}

// Compensate appends a reversing line for detailID in its own transaction.
func (s *Service) Compensate(ctx context.Context, escrowID, detailID, note string) (*Detail, error) {
	var out *Detail
	err := s.store.WithEscrowTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := s.ledger.Compensate(ctx, tx, escrowID, detailID, note)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		logging.L(ctx).Error("escrow compensation failed",
			"escrow_id", escrowID, "detail_id", detailID, "error", err)
		return nil, err
	}
	return out, nil
}
