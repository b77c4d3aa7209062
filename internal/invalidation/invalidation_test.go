package invalidation

import (
	"context"
	"testing"
	"time"
)

func TestNilClientOperationsAreNoOps(t *testing.T) {
	c := New(nil, "")

	// None of these may panic or block without redis.
	c.Publish(context.Background(), Event{Kind: KindEndpoints})
	c.Publish(context.Background(), Event{Kind: KindSettings})
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}

func TestDispatchReachesAllHandlers(t *testing.T) {
	c := New(nil, "")

	var got []Event
	c.OnEvent(func(e Event) { got = append(got, e) })
	c.OnEvent(func(e Event) { got = append(got, e) })

	c.dispatch(Event{Kind: KindEndpoints, VendorID: 7, ProviderType: 2})

	if len(got) != 2 {
		t.Fatalf("dispatched to %d handlers, want 2", len(got))
	}
	if got[0].Kind != KindEndpoints || got[0].VendorID != 7 || got[0].ProviderType != 2 {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestBreakerSuppressesUntilExpiry(t *testing.T) {
	c := New(nil, "")

	c.tripBreaker(context.DeadlineExceeded)
	if !c.breakerActive() {
		t.Fatal("breaker should be active right after tripping")
	}

	// Force expiry and confirm it clears.
	c.mu.Lock()
	c.breakerUntil = time.Now().Add(-time.Second)
	c.mu.Unlock()
	if c.breakerActive() {
		t.Fatal("breaker should clear after its window")
	}
}

func TestDefaultChannelName(t *testing.T) {
	c := New(nil, "  ")
	if c.channel != defaultChannel {
		t.Fatalf("channel = %q, want %q", c.channel, defaultChannel)
	}
	c = New(nil, "custom")
	if c.channel != "custom" {
		t.Fatalf("channel = %q, want custom", c.channel)
	}
}
