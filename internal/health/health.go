// Package health runs named subsystem checks for the /health endpoint.
//
// Critical checks (storage, the wallet gateway) decide the aggregate
// status; optional ones (the redis idempotency cache) are reported but
// never fail it, since settlement works without them.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Optional  bool   `json:"optional,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker returns nil when the subsystem is usable.
type Checker func(ctx context.Context) error

type entry struct {
	name     string
	check    Checker
	optional bool
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

// RegisterOptional adds a check that is reported but does not affect the
// aggregate result.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(entry{name: name, check: check, optional: true})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. healthy is false when any
// critical check fails. Statuses are sorted by name.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses = make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := e.check(ctx)
			st := Status{
				Name:      e.name,
				Healthy:   err == nil,
				Optional:  e.optional,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				st.Detail = err.Error()
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Optional {
			healthy = false
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return healthy, statuses
}

// Pinger is anything that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingChecker fails when p does not answer within timeout.
func PingChecker(p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

// CircuitStates reports breaker state per key.
type CircuitStates interface {
	States() map[string]string
}

// BreakerChecker fails while any wallet circuit is open: no settlement can
// move money until it closes.
func BreakerChecker(b CircuitStates) Checker {
	return func(context.Context) error {
		var open []string
		for key, state := range b.States() {
			if state == "open" {
				open = append(open, key)
			}
		}
		if len(open) == 0 {
			return nil
		}
		sort.Strings(open)
		return fmt.Errorf("circuit open: %v", open)
	}
}
