package escrow

import (
	"context"
	"sync"
)

// Journal records the wallet movements applied under a context, whether or
// not their ledger lines were written. A caller whose transaction does not
// commit hands Applied to Ledger.Void.
type Journal struct {
	mu      sync.Mutex
	applied []*Detail
	seen    map[string]bool
}

type journalKey struct{}

// Track returns a context whose ledger writes are recorded in a new journal.
func Track(ctx context.Context) (context.Context, *Journal) {
	j := &Journal{seen: make(map[string]bool)}
	return context.WithValue(ctx, journalKey{}, j), j
}

func journalFrom(ctx context.Context) *Journal {
	j, _ := ctx.Value(journalKey{}).(*Journal)
	return j
}

// record notes one applied movement. A reference replayed by a retried
// transaction is recorded once.
func (j *Journal) record(d *Detail) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seen[d.Reference] {
		return
	}
	j.seen[d.Reference] = true
	cp := *d
	j.applied = append(j.applied, &cp)
}

// Applied returns the recorded movements in the order they were applied.
func (j *Journal) Applied() []*Detail {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Detail, len(j.applied))
	copy(out, j.applied)
	return out
}

// Len is the number of recorded movements.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.applied)
}
