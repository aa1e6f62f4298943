// Package ratelimit paces portal requests per worker. Each worker rests a
// fixed interval after every attempt, and a per-key token bucket caps the
// rate on top of that.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/e14-scraper/internal/metrics"
)

// Limiter manages one token bucket per key (normally a worker ID).
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval rate.Limit
	rest     time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerMinute is the per-key request budget. Zero or less disables pacing.
	RequestsPerMinute float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Inf
	var rest time.Duration
	if cfg.RequestsPerMinute > 0 {
		rest = time.Duration(float64(time.Minute) / cfg.RequestsPerMinute)
		r = rate.Every(rest)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		interval: r,
		rest:     rest,
	}
}

// Wait blocks until key may issue another request or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.interval, 1)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(waited)
	}
	return nil
}

// Forget drops the bucket for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Pacer binds the limiter to a single key.
func (l *Limiter) Pacer(key string) *Pacer {
	return &Pacer{limiter: l, key: key}
}

// Pacer spaces out one worker's attempts.
type Pacer struct {
	limiter *Limiter
	key     string
}

// Pause sleeps 60s/rpm no matter how long the last attempt took, then
// takes the worker's bucket slot. It returns early with an error when ctx
// is done.
func (p *Pacer) Pause(ctx context.Context) error {
	if p.limiter.rest <= 0 {
		return nil
	}
	timer := time.NewTimer(p.limiter.rest)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pacing pause: %w", ctx.Err())
	case <-timer.C:
	}
	metrics.ObservePacingDelay(p.limiter.rest)
	return p.limiter.Wait(ctx, p.key)
}
