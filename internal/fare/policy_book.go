package fare

import (
	"fmt"
	"sync"
)

// PolicyBook holds every fee policy version the service has run with.
// Pairings remember the version in force when they were matched, so a
// later config change never reprices a trip already in escrow.
type PolicyBook struct {
	mu       sync.RWMutex
	versions map[string]Policy
	current  string
}

// NewPolicyBook creates a book whose current policy is p.
func NewPolicyBook(p Policy) (*PolicyBook, error) {
	b := &PolicyBook{versions: make(map[string]Policy)}
	if err := b.Register(p, true); err != nil {
		return nil, err
	}
	return b, nil
}

// Register adds a policy version. Re-registering an existing version with
// different terms is rejected.
func (b *PolicyBook) Register(p Policy, makeCurrent bool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.versions[p.Version]; ok && existing != p {
		return fmt.Errorf("%w: version %q already registered with different terms", ErrInvalidPolicy, p.Version)
	}
	b.versions[p.Version] = p
	if makeCurrent {
		b.current = p.Version
	}
	return nil
}

// Current returns the policy new pairings are priced with.
func (b *PolicyBook) Current() Policy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.versions[b.current]
}

// Get returns a specific policy version.
func (b *PolicyBook) Get(version string) (Policy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.versions[version]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, version)
	}
	return p, nil
}
