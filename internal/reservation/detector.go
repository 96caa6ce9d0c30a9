package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/carpool/internal/storeerr"
)

// Detector finds existing bookings that collide with a proposed window.
type Detector struct {
	reader Reader
}

// NewDetector creates a detector reading from r.
func NewDetector(r Reader) *Detector {
	return &Detector{reader: r}
}

// Within returns a detector that reads through an open transaction, so the
// check and the insert it gates see the same snapshot.
func (d *Detector) Within(tx Reader) *Detector {
	return &Detector{reader: tx}
}

// FindConflicts returns every reserved or matched reservation of userID
// overlapping w. An empty result means no conflict. Any read failure is
// reported as storage unavailable: callers must fail closed and refuse to
// create a reservation whose conflict status is unknown.
func (d *Detector) FindConflicts(ctx context.Context, userID string, w Window) ([]*Reservation, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	found, err := d.reader.ListOverlapping(ctx, userID, w, HoldingStatuses)
	if err != nil {
		if errors.Is(err, storeerr.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: conflict lookup: %v", storeerr.ErrUnavailable, err)
	}

	// Re-check in memory; backends may over-select with coarse predicates.
	conflicts := make([]*Reservation, 0, len(found))
	for _, r := range found {
		if r.UserID == userID && r.Status.HoldsTime() && r.Window.Overlaps(w) {
			conflicts = append(conflicts, r)
		}
	}
	return conflicts, nil
}
