// Package idempotency stores the outcome of each client-keyed settlement
// request so a retried request returns the original result instead of
// applying the transition again.
//
// The database record, written in the same transaction as the transition,
// is authoritative. A Cache in front of it answers hot replays without a
// database round trip.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("idempotency record not found")
	ErrKeyReused = errors.New("idempotency key already used for a different request")
)

// Record is the stored outcome of one keyed request.
type Record struct {
	Key string `json:"key"`
	// Operation is the request kind: match, start, complete, cancel_by_rider...
	Operation string `json:"operation"`
	// Target identifies what the request acted on: the pairing id for
	// transitions, the reservation pair for a match.
	Target string `json:"target"`
	// Result is the serialized response body for successful requests.
	Result json.RawMessage `json:"result,omitempty"`
	// ErrorCode is set when the request failed permanently.
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Check verifies that a stored record belongs to the same request.
func (r *Record) Check(operation, target string) error {
	if r.Operation != operation || r.Target != target {
		return fmt.Errorf("%w: key %q was used for %s on %s", ErrKeyReused, r.Key, r.Operation, r.Target)
	}
	return nil
}

// Failed reports whether the record stores a failure.
func (r *Record) Failed() bool {
	return r.ErrorCode != ""
}

// Cache is a fast, non-authoritative copy of recent records.
type Cache interface {
	Get(ctx context.Context, key string) (*Record, bool, error)
	Set(ctx context.Context, rec *Record) error
}

// NopCache never hits.
type NopCache struct{}

// Get implements Cache.
func (NopCache) Get(context.Context, string) (*Record, bool, error) { return nil, false, nil }

// Set implements Cache.
func (NopCache) Set(context.Context, *Record) error { return nil }
