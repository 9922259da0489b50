package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	StrategyNone     = "none"
	StrategyFixed    = "fixed"
	StrategyAdaptive = "adaptive"
	StrategyToken    = "token"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// Feedback is implemented by limiters that adjust to server responses.
type Feedback interface {
	RecordSuccess()
	RecordError()
}

type Settings struct {
	Strategy string
	MinDelay time.Duration
	MaxDelay time.Duration
	Requests int
	Window   time.Duration
}

// New builds the limiter for a strategy. StrategyNone yields nil, which
// callers treat as unpaced.
func New(s Settings) (RateLimiter, error) {
	switch s.Strategy {
	case StrategyNone, "":
		return nil, nil
	case StrategyFixed:
		return NewSimpleRateLimiter(s.MinDelay, s.MaxDelay), nil
	case StrategyAdaptive:
		return NewAdaptiveRateLimiter(s.MinDelay, s.MaxDelay), nil
	case StrategyToken:
		return NewTokenBucketRateLimiter(s.Requests, s.Window), nil
	}
	return nil, fmt.Errorf("unknown rate limit strategy %q", s.Strategy)
}

type SimpleRateLimiter struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	mu         sync.Mutex
	jitter     bool
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.lastAction)
	delay := r.calculateDelay()

	if elapsed < delay {
		timer := time.NewTimer(delay - elapsed)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	r.lastAction = time.Now()
	return nil
}

func (r *SimpleRateLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.minDelay = min
	r.maxDelay = max
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.maxDelay <= r.minDelay {
		return r.minDelay
	}

	delta := r.maxDelay - r.minDelay
	return r.minDelay + time.Duration(rand.Int63n(int64(delta)))
}

// AdaptiveRateLimiter widens its delay window after repeated errors and
// narrows it again, never below the configured minimum, after a run of
// successes.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	floor         time.Duration
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		floor:             minDelay,
		maxErrorCount:     3,
		backoffFactor:     1.5,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < a.floor {
			newMin = a.floor
		}
		a.minDelay = newMin
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
		newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)

		if newMin > 60*time.Second {
			newMin = 60 * time.Second
		}
		if newMax > 120*time.Second {
			newMax = 120 * time.Second
		}

		a.minDelay = newMin
		a.maxDelay = newMax
		a.errorCount = 0
	}
}

func (a *AdaptiveRateLimiter) Delays() (time.Duration, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.minDelay, a.maxDelay
}

// TokenBucketRateLimiter allows bursts of up to requests per window.
type TokenBucketRateLimiter struct {
	limiter *rate.Limiter
}

func NewTokenBucketRateLimiter(requests int, window time.Duration) *TokenBucketRateLimiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	interval := window / time.Duration(requests)
	if interval <= 0 {
		interval = time.Millisecond
	}

	return &TokenBucketRateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval), requests),
	}
}

func (t *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetDelay sets the refill interval to min; max is ignored.
func (t *TokenBucketRateLimiter) SetDelay(min, max time.Duration) {
	if min <= 0 {
		return
	}
	t.limiter.SetLimit(rate.Every(min))
}
