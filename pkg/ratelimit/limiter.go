// Package ratelimit throttles transfer bandwidth and paces workers between items.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the bandwidth throttle consulted by the transfer chunk loop.
type Limiter interface {
	// Wait blocks until n bytes may be consumed or ctx is done.
	Wait(ctx context.Context, n int) error

	// Rate returns the limit in bytes per second. Zero means unlimited.
	Rate() int64

	// SetRate updates the limit. Zero or less disables throttling.
	SetRate(bytesPerSec int64)
}

// BandwidthLimiter is a token bucket shared by every worker of a pipeline, so the cap
// applies to the aggregate transfer rate rather than to each connection.
type BandwidthLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	maxRate int64
}

// NewBandwidthLimiter creates a limiter capped at maxRate bytes per second. Zero means unlimited.
func NewBandwidthLimiter(maxRate int64) *BandwidthLimiter {
	bl := &BandwidthLimiter{}
	bl.SetRate(maxRate)
	return bl
}

// Wait blocks until n bytes may be consumed. Requests larger than the bucket are split,
// so a chunk bigger than one second of budget still goes through.
func (bl *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	bl.mu.RLock()
	limiter := bl.limiter
	bl.mu.RUnlock()

	if limiter == nil {
		return nil
	}

	burst := limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Rate returns the configured limit in bytes per second.
func (bl *BandwidthLimiter) Rate() int64 {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.maxRate
}

// SetRate replaces the bucket. In-flight waits finish against the old bucket.
func (bl *BandwidthLimiter) SetRate(bytesPerSec int64) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if bytesPerSec <= 0 {
		bl.maxRate = 0
		bl.limiter = nil
		return
	}

	bl.maxRate = bytesPerSec
	// One second of budget as burst.
	bl.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

// NullLimiter never throttles.
type NullLimiter struct{}

// NewNullLimiter creates a limiter that imposes no limits.
func NewNullLimiter() *NullLimiter {
	return &NullLimiter{}
}

// Wait returns immediately unless ctx is already done.
func (nl *NullLimiter) Wait(ctx context.Context, n int) error {
	return ctx.Err()
}

// Rate always returns 0.
func (nl *NullLimiter) Rate() int64 {
	return 0
}

// SetRate is a no-op.
func (nl *NullLimiter) SetRate(bytesPerSec int64) {}

// FromRate returns a BandwidthLimiter for a positive rate and a NullLimiter otherwise.
func FromRate(bytesPerSec int64) Limiter {
	if bytesPerSec <= 0 {
		return NewNullLimiter()
	}
	return NewBandwidthLimiter(bytesPerSec)
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns the context's error when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
