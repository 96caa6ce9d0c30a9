package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixEscrow)
	if !strings.HasPrefix(id, "esc_") {
		t.Fatalf("expected esc_ prefix, got %s", id)
	}
	if len(id) != len("esc_")+32 {
		t.Fatalf("unexpected length %d for %s", len(id), id)
	}
	if !Valid(PrefixEscrow, id) {
		t.Fatalf("expected %s to be valid", id)
	}
	if Valid(PrefixPairing, id) {
		t.Fatal("expected prefix mismatch to be invalid")
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestDerive_Deterministic(t *testing.T) {
	a := Derive(PrefixEscrow, "match:key-1")
	b := Derive(PrefixEscrow, "match:key-1")
	c := Derive(PrefixEscrow, "match:key-2")
	if a != b {
		t.Fatalf("same seed produced %s and %s", a, b)
	}
	if a == c {
		t.Fatal("different seeds produced the same id")
	}
	if !Valid(PrefixEscrow, a) {
		t.Fatalf("derived id %s should be valid", a)
	}
}
