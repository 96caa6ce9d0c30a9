package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex(16)
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "duo_1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("counter = %d, want %d", counter, n)
	}
}

func TestKeyedMutex_GivesUpOnContext(t *testing.T) {
	m := NewKeyedMutex(0)
	unlock, err := m.Lock(context.Background(), "duo_1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "duo_1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex(4)
	unlock, ok := m.TryLock("esc_1")
	if !ok {
		t.Fatal("first TryLock should succeed")
	}
	if _, ok := m.TryLock("esc_1"); ok {
		t.Fatal("second TryLock should fail while held")
	}
	unlock()
	if again, ok := m.TryLock("esc_1"); !ok {
		t.Fatal("TryLock after unlock should succeed")
	} else {
		again()
	}
}

func TestKeyedMutex_DefaultShards(t *testing.T) {
	if got := len(NewKeyedMutex(-1).shards); got != DefaultShards {
		t.Errorf("shards = %d, want %d", got, DefaultShards)
	}
}
