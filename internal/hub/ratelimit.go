package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// minMessageInterval is the minimum spacing between admitted messages
	// from one device, independent of window accounting.
	minMessageInterval = 100 * time.Millisecond

	// rateWindow is the sliding-window duration for per-device counting.
	rateWindow = 60 * time.Second

	// maxMessagesPerWindow caps admitted messages per device per window.
	maxMessagesPerWindow = 30
)

// RateLimiter applies per-device admission control to inbound messages.
// Each device id gets its own bucket, created lazily on first message, so
// limiting one device never contends with another. Rejection is silent:
// the caller drops the message and keeps the connection.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	minInterval  time.Duration
	window       time.Duration
	maxPerWindow int

	// now is replaced in tests for deterministic window arithmetic.
	now func() time.Time
}

// bucket tracks one device's admission state. All fields are guarded by mu
// so racing messages from one device cannot both slip past a gate.
type bucket struct {
	mu          sync.Mutex
	lastMessage time.Time // zero until the first admission
	windowStart time.Time // zero until the first check
	count       int
}

// NewRateLimiter creates a limiter with the service defaults: 100ms minimum
// spacing and at most 30 messages per 60s window per device.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		minInterval:  minMessageInterval,
		window:       rateWindow,
		maxPerWindow: maxMessagesPerWindow,
		now:          time.Now,
	}
}

// Admit reports whether a message from the given device may be processed.
// Two gates must both pass: minimum spacing since the last admitted message,
// and the sliding-window counter. State only advances when the message is
// admitted, and the check-then-update runs in one critical section.
func (rl *RateLimiter) Admit(deviceID string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[deviceID]
	if !ok {
		b = &bucket{}
		rl.buckets[deviceID] = b
	}
	now := rl.now()
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.lastMessage.IsZero() && now.Sub(b.lastMessage) < rl.minInterval {
		return false
	}

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= rl.window {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= rl.maxPerWindow {
		return false
	}

	b.lastMessage = now
	b.count++
	return true
}

// Sweep evicts buckets untouched for longer than the window duration.
// Device ids are never reused, so an idle bucket belongs to a gone device.
// Returns the number of evicted buckets.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for id, b := range rl.buckets {
		b.mu.Lock()
		idle := b.lastMessage.Before(cutoff) && b.windowStart.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, id)
			evicted++
		}
	}
	return evicted
}

// StartSweep runs a background goroutine that periodically evicts idle
// buckets. Stops when the context is cancelled.
func (rl *RateLimiter) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := rl.Sweep(); evicted > 0 {
					slog.Debug("rate limiter sweep", "evicted", evicted)
				}
			}
		}
	}()
}
