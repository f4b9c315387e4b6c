// Package ratelimit throttles outgoing calls to the TabPFN service.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies a global token bucket, optional per-endpoint buckets and a
// server-requested pause (Retry-After).
type Limiter struct {
	mu          sync.RWMutex
	limiter     *rate.Limiter
	perEndpoint map[string]*rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	burst       int
	pausedUntil time.Time
	throttled   int
	successes   int
	now         func() time.Time
}

// NewLimiter creates a limiter allowing requestsPerSecond with the given burst.
// A non-positive rate disables the global limit.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter:     rate.NewLimiter(limit, burst),
		perEndpoint: make(map[string]*rate.Limiter),
		maxRate:     limit,
		minRate:     limit / 8,
		burst:       burst,
		now:         time.Now,
	}
}

// Wait blocks until the global limit and any pause allow a call.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.waitPause(ctx); err != nil {
		return err
	}
	return l.limiter.Wait(ctx)
}

// WaitEndpoint blocks until a call to the named endpoint is allowed.
func (l *Limiter) WaitEndpoint(ctx context.Context, endpoint string) error {
	if err := l.Wait(ctx); err != nil {
		return err
	}

	l.mu.RLock()
	el, ok := l.perEndpoint[endpoint]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return el.Wait(ctx)
}

func (l *Limiter) waitPause(ctx context.Context) error {
	l.mu.RLock()
	wait := l.pausedUntil.Sub(l.now())
	l.mu.RUnlock()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetEndpointRate sets a dedicated limit for one endpoint, applied on top of
// the global one. A non-positive rate removes it.
func (l *Limiter) SetEndpointRate(endpoint string, requestsPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if requestsPerSecond <= 0 {
		delete(l.perEndpoint, endpoint)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	l.perEndpoint[endpoint] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Allow reports whether a call may happen now without blocking.
func (l *Limiter) Allow() bool {
	if l.Paused() {
		return false
	}
	return l.limiter.Allow()
}

// Paused reports whether calls are held back by a server-requested pause.
func (l *Limiter) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now().Before(l.pausedUntil)
}

// Throttle records a 429 answer: every call is held for retryAfter and the
// global rate is halved, down to an eighth of the configured rate.
func (l *Limiter) Throttle(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.throttled++
	l.successes = 0
	if until := l.now().Add(retryAfter); until.After(l.pausedUntil) {
		l.pausedUntil = until
	}

	if l.maxRate == rate.Inf {
		return
	}
	next := l.limiter.Limit() / 2
	if next < l.minRate {
		next = l.minRate
	}
	l.limiter.SetLimit(next)
}

// RecordSuccess records an accepted call. After a run of successes a
// throttled rate recovers by 25%, up to the configured rate.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.limiter.Limit()
	if current >= l.maxRate {
		return
	}
	l.successes++
	if l.successes < 10 {
		return
	}
	l.successes = 0
	next := current * 1.25
	if next > l.maxRate {
		next = l.maxRate
	}
	l.limiter.SetLimit(next)
}

// Stats returns rate limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LimiterStats{
		EndpointCount:  len(l.perEndpoint),
		CurrentRate:    float64(l.limiter.Limit()),
		ConfiguredRate: float64(l.maxRate),
		Burst:          l.burst,
		Throttled:      l.throttled,
		PausedUntil:    l.pausedUntil,
	}
}

// LimiterStats contains rate limiter statistics.
type LimiterStats struct {
	EndpointCount  int       `json:"endpoint_count"`
	CurrentRate    float64   `json:"current_rate"`
	ConfiguredRate float64   `json:"configured_rate"`
	Burst          int       `json:"burst"`
	Throttled      int       `json:"throttled"`
	PausedUntil    time.Time `json:"paused_until"`
}
