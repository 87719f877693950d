package util

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the contract both fetch paths share: enforce pacing before a
// request is issued.
type Limiter interface {
	Wait(ctx context.Context) error
}

// SmoothedLimiter paces requests so that no more than maxRequests are issued
// in any trailing window. Requests are spread evenly (window/maxRequests
// apart) rather than allowed to burst.
type SmoothedLimiter struct {
	lim *rate.Limiter
}

// NewSmoothedLimiter creates a SmoothedLimiter allowing maxRequests per
// window.
func NewSmoothedLimiter(maxRequests int, window time.Duration) *SmoothedLimiter {
	return &SmoothedLimiter{
		lim: rate.NewLimiter(rate.Limit(float64(maxRequests)/window.Seconds()), 1),
	}
}

// Wait blocks until the next request may be issued or the context is
// cancelled.
func (s *SmoothedLimiter) Wait(ctx context.Context) error {
	return s.lim.Wait(ctx)
}

// BurstLimiter enforces the posttrade drop's empirically derived pacing:
// at least delay between successive requests, plus an additional cooldown
// after every burstSize requests. The defaults (0.6s, 30, 35s) produced zero
// HTTP 429s over 810 consecutive requests; when retuning, cooldown tracks
// delay roughly as cooldown ≈ -23.08*delay + 49.34 (seconds).
type BurstLimiter struct {
	mu        sync.Mutex
	delay     time.Duration
	burstSize int
	cooldown  time.Duration
	issued    int
	last      time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewBurstLimiter creates a BurstLimiter with the given inter-request delay,
// burst size, and burst cooldown.
func NewBurstLimiter(delay time.Duration, burstSize int, cooldown time.Duration) *BurstLimiter {
	return &BurstLimiter{
		delay:     delay,
		burstSize: burstSize,
		cooldown:  cooldown,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Wait blocks until the next request may be issued. The cooldown is applied
// on top of the inter-request delay at burst boundaries.
func (b *BurstLimiter) Wait(ctx context.Context) error {
	b.mu.Lock()
	wait := time.Duration(0)
	if !b.last.IsZero() {
		if elapsed := b.now().Sub(b.last); elapsed < b.delay {
			wait = b.delay - elapsed
		}
	}
	if b.issued > 0 && b.burstSize > 0 && b.issued%b.burstSize == 0 {
		wait += b.cooldown
	}
	b.mu.Unlock()

	if wait > 0 {
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.issued++
	b.last = b.now()
	b.mu.Unlock()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
