// Package idgen generates identifiers for reservations, pairings, escrows
// and ledger entries.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes keep IDs recognizable in logs and wallet references.
const (
	PrefixReservation = "rsv_"
	PrefixPairing     = "duo_"
	PrefixEscrow      = "esc_"
	PrefixDetail      = "etd_"
	PrefixEvent       = "evt_"
	PrefixAlert       = "alt_"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s is prefix followed by a well-formed UUID body.
func Valid(prefix, s string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(s, prefix))
	return err == nil
}

// namespace scopes derived ids to this service.
var namespace = uuid.MustParse("6f1c2a9e-7d4b-4c3e-9a51-0b8e2f6d4c17")

// Derive returns a deterministic id for seed: the same prefix and seed always
// yield the same id. Used so a retried request reuses the ids (and therefore
// the wallet references) of its earlier attempts.
func Derive(prefix, seed string) string {
	return prefix + strings.ReplaceAll(uuid.NewSHA1(namespace, []byte(seed)).String(), "-", "")
}
