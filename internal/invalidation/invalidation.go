// Package invalidation broadcasts cache-invalidation events across process
// instances over redis pub/sub. Without redis the caches degrade to
// TTL-only expiry; nothing here ever hard-fails the write path.
package invalidation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Event kinds understood by subscribers.
const (
	// KindEndpoints invalidates cached endpoint candidate sets.
	KindEndpoints = "endpoints"
	// KindSettings invalidates the dynamic settings snapshot.
	KindSettings = "settings"
	// KindSessions invalidates session detail caches.
	KindSessions = "sessions"
)

// defaultChannel is the pub/sub channel name.
const defaultChannel = "relaygate:invalidate"

// redisBreakerDuration suppresses reconnect storms after a redis error.
const redisBreakerDuration = 30 * time.Second

// Event is one invalidation broadcast.
type Event struct {
	Kind         string `json:"kind"`
	VendorID     uint64 `json:"vendor_id,omitempty"`
	ProviderType int    `json:"provider_type,omitempty"`
}

// Channel publishes and subscribes to invalidation events.
type Channel struct {
	client  *redis.Client
	channel string

	mu           sync.Mutex
	breakerUntil time.Time
	warned       bool

	handlers []func(Event)
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs a Channel. A nil client degrades every operation to a
// warning-logged no-op.
func New(client *redis.Client, channel string) *Channel {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultChannel
	}
	return &Channel{client: client, channel: channel}
}

// Publish broadcasts an event. Redis being absent or unavailable degrades to
// TTL-only convergence, never an error to the caller.
func (c *Channel) Publish(ctx context.Context, event Event) {
	if c == nil {
		return
	}
	if c.client == nil {
		c.warnOnce("invalidation: redis not configured, relying on ttl expiry")
		return
	}
	if c.breakerActive() {
		return
	}
	payload, errMarshal := json.Marshal(event)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("invalidation: marshal event")
		return
	}
	if errPublish := c.client.Publish(ctx, c.channel, payload).Err(); errPublish != nil {
		c.tripBreaker(errPublish)
	}
}

// OnEvent registers a handler invoked for every received event.
// Must be called before Start.
func (c *Channel) OnEvent(fn func(Event)) {
	if c == nil || fn == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Start subscribes and dispatches events until Stop. Without redis it is a
// no-op.
func (c *Channel) Start(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	sub := c.client.Subscribe(ctx, c.channel)
	go func() {
		defer close(c.done)
		defer func() { _ = sub.Close() }()
		for {
			msg, errReceive := sub.ReceiveMessage(ctx)
			if errReceive != nil {
				if ctx.Err() != nil {
					return
				}
				c.tripBreaker(errReceive)
				select {
				case <-ctx.Done():
					return
				case <-time.After(redisBreakerDuration):
				}
				continue
			}
			var event Event
			if errUnmarshal := json.Unmarshal([]byte(msg.Payload), &event); errUnmarshal != nil {
				log.WithError(errUnmarshal).Warn("invalidation: malformed event dropped")
				continue
			}
			c.dispatch(event)
		}
	}()
}

// Stop terminates the subscription loop. Idempotent.
func (c *Channel) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Channel) dispatch(event Event) {
	c.mu.Lock()
	handlers := make([]func(Event), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(event)
	}
}

func (c *Channel) breakerActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.breakerUntil.IsZero() {
		return false
	}
	if time.Now().Before(c.breakerUntil) {
		return true
	}
	c.breakerUntil = time.Time{}
	return false
}

func (c *Channel) tripBreaker(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.breakerUntil.IsZero() && time.Now().Before(c.breakerUntil) {
		return
	}
	c.breakerUntil = time.Now().Add(redisBreakerDuration)
	log.WithError(err).Warn("invalidation: redis unavailable, degrading to ttl expiry")
}

func (c *Channel) warnOnce(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warned {
		return
	}
	c.warned = true
	log.Warn(message)
}
