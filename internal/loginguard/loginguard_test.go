package loginguard

import (
	"testing"
	"time"
)

func testGuard(now *time.Time, cfg Config) *Guard {
	return New(cfg, func() time.Time { return *now })
}

func TestLockoutOutlivesWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := testGuard(&now, Config{MaxAttemptsPerIP: 1, MaxAttemptsPerKey: 5, Window: 5 * time.Second, Lockout: 20 * time.Second})

	g.RecordFailure("10.0.0.1", "")

	now = now.Add(6 * time.Second)
	decision := g.Check("10.0.0.1", "")
	if decision.Allowed {
		t.Fatalf("expected lockout to outlive the counting window")
	}
	if decision.Reason != ReasonIPLocked {
		t.Fatalf("expected ip_locked reason, got %s", decision.Reason)
	}
	if decision.RetryAfterSeconds != 14 {
		t.Fatalf("expected retry after 14s, got %d", decision.RetryAfterSeconds)
	}

	now = now.Add(15 * time.Second)
	if d := g.Check("10.0.0.1", ""); !d.Allowed {
		t.Fatalf("expected lockout expired at t=21s, got %+v", d)
	}
}

func TestCredentialScopeDistinctReason(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := testGuard(&now, Config{MaxAttemptsPerIP: 100, MaxAttemptsPerKey: 2, Window: time.Minute, Lockout: time.Minute})

	g.RecordFailure("10.0.0.1", "key-1")
	g.RecordFailure("10.0.0.2", "key-1")

	decision := g.Check("10.0.0.3", "key-1")
	if decision.Allowed {
		t.Fatalf("expected credential lockout across source IPs")
	}
	if decision.Reason != ReasonCredentialLocked {
		t.Fatalf("expected credential_locked reason, got %s", decision.Reason)
	}

	if d := g.Check("10.0.0.1", "other-key"); !d.Allowed {
		t.Fatalf("expected other credential from non-locked ip allowed, got %+v", d)
	}
}

func TestSuccessClearsLockout(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := testGuard(&now, Config{MaxAttemptsPerIP: 1, MaxAttemptsPerKey: 1, Window: time.Minute, Lockout: time.Hour})

	g.RecordFailure("10.0.0.1", "key-1")
	if d := g.Check("10.0.0.1", "key-1"); d.Allowed {
		t.Fatalf("expected lockout")
	}

	g.RecordSuccess("10.0.0.1", "key-1")
	if d := g.Check("10.0.0.1", "key-1"); !d.Allowed {
		t.Fatalf("expected success to clear lockout immediately, got %+v", d)
	}
}

func TestStaleWindowResetsCounter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := testGuard(&now, Config{MaxAttemptsPerIP: 3, MaxAttemptsPerKey: 3, Window: 10 * time.Second, Lockout: time.Minute})

	g.RecordFailure("10.0.0.1", "")
	g.RecordFailure("10.0.0.1", "")

	now = now.Add(11 * time.Second)
	g.RecordFailure("10.0.0.1", "")
	if d := g.Check("10.0.0.1", ""); !d.Allowed {
		t.Fatalf("expected stale-window failures discarded, got %+v", d)
	}
}

func TestSweepRemovesElapsedBuckets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := testGuard(&now, Config{MaxAttemptsPerIP: 1, MaxAttemptsPerKey: 1, Window: 5 * time.Second, Lockout: 10 * time.Second})

	g.RecordFailure("10.0.0.1", "key-1")
	g.RecordFailure("10.0.0.2", "")

	if removed := g.Sweep(); removed != 0 {
		t.Fatalf("expected no sweep while lockouts active, got %d", removed)
	}

	now = now.Add(11 * time.Second)
	if removed := g.Sweep(); removed != 3 {
		t.Fatalf("expected 3 buckets swept, got %d", removed)
	}
}
