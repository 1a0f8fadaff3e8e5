// Optional hook points the gateway consults around connection and frame
// handling.
package wavesock

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter gates inbound frames per connection. A frame that is not
// allowed is answered with a 429 error frame and dropped.
type RateLimiter interface {
	Allow(connectionID string) bool

	// Forget releases any per-connection state after the connection closes.
	Forget(connectionID string)
}

// MetricsCollector observes gateway activity.
type MetricsCollector interface {
	ConnectionOpened(endpoint string)
	ConnectionClosed(endpoint string)
	FrameReceived(endpoint string, action Action)
	FrameRejected(endpoint string, reason string)
	ChannelJoined(endpoint, channel string)
	ChannelLeft(endpoint, channel string)
	Error(component string, err error)
}

// Hooks bundles the optional collaborators of a gateway. A nil Hooks or a
// nil field disables that hook.
type Hooks struct {
	Limiter RateLimiter
	Metrics MetricsCollector
}

func (h *Hooks) allow(connectionID string) bool {
	if h == nil || h.Limiter == nil {
		return true
	}
	return h.Limiter.Allow(connectionID)
}

func (h *Hooks) forget(connectionID string) {
	if h == nil || h.Limiter == nil {
		return
	}
	h.Limiter.Forget(connectionID)
}

func (h *Hooks) metrics() MetricsCollector {
	if h == nil {
		return nil
	}
	return h.Metrics
}

// TokenBucketLimiter is a per-connection token bucket rate limiter.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewTokenBucketLimiter allows framesPerSecond sustained frames per
// connection with the given burst.
func NewTokenBucketLimiter(framesPerSecond float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		rate:    rate.Limit(framesPerSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (t *TokenBucketLimiter) Allow(connectionID string) bool {
	t.mu.Lock()
	bucket, ok := t.buckets[connectionID]
	if !ok {
		bucket = rate.NewLimiter(t.rate, t.burst)
		t.buckets[connectionID] = bucket
	}
	t.mu.Unlock()
	return bucket.Allow()
}

func (t *TokenBucketLimiter) Forget(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, connectionID)
}
