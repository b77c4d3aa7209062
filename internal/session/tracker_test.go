package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func TestResolveSessionUntouched(t *testing.T) {
	store := NewMemoryStore(nil)
	tracker := NewTracker(store, nil)

	got, errResolve := tracker.ResolveSession(context.Background(), "sess-1")
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if got != "sess-1" {
		t.Fatalf("expected unchanged id, got %s", got)
	}
}

func TestResolveSessionMintsReplacement(t *testing.T) {
	store := NewMemoryStore(nil)
	tracker := NewTracker(store, func() string { return "minted-1" })

	if errTerm := tracker.Terminate(context.Background(), "sess-1"); errTerm != nil {
		t.Fatalf("terminate: %v", errTerm)
	}

	got, errResolve := tracker.ResolveSession(context.Background(), "sess-1")
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if got != "minted-1" {
		t.Fatalf("expected minted replacement, got %s", got)
	}

	// Second caller sees the persisted replacement, not a fresh mint.
	tracker2 := NewTracker(store, func() string { return "minted-2" })
	got2, errResolve2 := tracker2.ResolveSession(context.Background(), "sess-1")
	if errResolve2 != nil {
		t.Fatalf("resolve: %v", errResolve2)
	}
	if got2 != "minted-1" {
		t.Fatalf("expected stable replacement, got %s", got2)
	}
}

func TestResolveSessionConcurrentMintConverges(t *testing.T) {
	store := NewMemoryStore(nil)
	if errMark := store.MarkTerminated(context.Background(), "sess-1", time.Hour); errMark != nil {
		t.Fatalf("mark: %v", errMark)
	}

	const callers = 16
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tracker := NewTracker(store, func() string { return fmt.Sprintf("minted-%d", i) })
			got, errResolve := tracker.ResolveSession(context.Background(), "sess-1")
			if errResolve != nil {
				t.Errorf("resolve: %v", errResolve)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("divergent replacements: %s vs %s", results[0], results[i])
		}
	}
}

func TestResolveConcurrencyLimit(t *testing.T) {
	cases := []struct {
		key, user float64
		want      int
	}{
		{0, 15, 15},
		{5, 15, 5},
		{math.NaN(), 15, 15},
		{0, 0, 0},
		{5.9, 100, 5},
		{-3, 7, 7},
		{math.Inf(1), 9, 9},
		{4, math.NaN(), 4},
		{0, -1, 0},
		{0, 2.7, 2},
	}
	for _, tc := range cases {
		if got := ResolveConcurrencyLimit(tc.key, tc.user); got != tc.want {
			t.Fatalf("ResolveConcurrencyLimit(%v, %v) = %d, want %d", tc.key, tc.user, got, tc.want)
		}
	}
}

func TestAcquireRespectsLimit(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(nil), nil)

	first := tracker.Acquire(1, 10, 2, 0)
	if !first.Allowed {
		t.Fatalf("expected first acquire allowed")
	}
	second := tracker.Acquire(1, 10, 2, 0)
	if !second.Allowed {
		t.Fatalf("expected second acquire allowed")
	}
	third := tracker.Acquire(1, 10, 2, 0)
	if third.Allowed {
		t.Fatalf("expected third acquire refused at limit 2")
	}
	if third.Limit != 2 || third.Active != 2 {
		t.Fatalf("expected decision to carry limit/active, got %+v", third)
	}

	tracker.Release(1, 10)
	if again := tracker.Acquire(1, 10, 2, 0); !again.Allowed {
		t.Fatalf("expected acquire after release")
	}
}

func TestAcquireUnlimitedNeverBlocks(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(nil), nil)
	for i := 0; i < 100; i++ {
		if d := tracker.Acquire(1, 1, 0, 0); !d.Allowed {
			t.Fatalf("expected unlimited acquire allowed at %d", i)
		}
	}
}

func TestEscapeGlob(t *testing.T) {
	got := EscapeGlob(`abc*?[]end`)
	want := `abc\*\?\[\]end`
	if got != want {
		t.Fatalf("EscapeGlob = %q, want %q", got, want)
	}
	if plain := EscapeGlob("plain-id"); plain != "plain-id" {
		t.Fatalf("expected plain id unchanged, got %q", plain)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })

	if errMark := store.MarkTerminated(context.Background(), "s", time.Minute); errMark != nil {
		t.Fatalf("mark: %v", errMark)
	}
	terminated, _ := store.IsTerminated(context.Background(), "s")
	if !terminated {
		t.Fatalf("expected terminated")
	}

	now = now.Add(2 * time.Minute)
	terminated, _ = store.IsTerminated(context.Background(), "s")
	if terminated {
		t.Fatalf("expected marker expired")
	}
	if removed := store.Sweep(); removed != 0 {
		t.Fatalf("expected lazy expiry already removed entry, got %d", removed)
	}
}
