package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kraken-core/internal/core"
	"kraken-core/internal/telemetry"
)

// Priority orders REST traffic when tokens are scarce.
type Priority int

const (
	// Low is for balance/holdings polls; denied when the bucket is nearly empty.
	Low Priority = iota
	// Normal is for quote and order-status polls; never waits out a 429 pause.
	Normal
	// Critical is for order placement and cancellation.
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

const (
	defaultBackoff     = 30 * time.Second
	defaultLowFloorPct = 0.2
	pauseRefillPct     = 0.5
)

type Config struct {
	RPM         float64
	Burst       int
	Backoff     time.Duration
	LowFloorPct float64
}

// Limiter is a token bucket shared by all REST calls. Tokens are refilled
// lazily from elapsed wall-clock time; no background timer runs.
type Limiter struct {
	mu          sync.Mutex
	tokens      float64
	capacity    float64
	rate        float64 // tokens per second
	lowFloor    float64
	backoff     time.Duration
	last        time.Time
	pausedUntil time.Time
	now         func() time.Time
}

func New(cfg Config) *Limiter {
	return NewWithClock(cfg, time.Now)
}

func NewWithClock(cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	rpm := cfg.RPM
	if rpm <= 0 {
		rpm = 60
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	floorPct := cfg.LowFloorPct
	if floorPct <= 0 || floorPct >= 1 {
		floorPct = defaultLowFloorPct
	}
	l := &Limiter{
		tokens:   float64(burst),
		capacity: float64(burst),
		rate:     rpm / 60,
		lowFloor: float64(burst) * floorPct,
		backoff:  backoff,
		last:     now(),
		now:      now,
	}
	telemetry.RateLimiterTokens.Set(l.tokens)
	return l
}

// Acquire takes one token. Critical waits up to timeout, including through an
// active 429 pause. Normal waits up to timeout for tokens but fails at once
// while paused. Low fails at once when tokens are under the floor.
func (l *Limiter) Acquire(ctx context.Context, p Priority, timeout time.Duration) error {
	deadline := l.now().Add(timeout)
	for {
		l.mu.Lock()
		now := l.now()
		l.refillLocked(now)
		var wait time.Duration
		switch {
		case now.Before(l.pausedUntil):
			if p != Critical {
				until := l.pausedUntil
				l.mu.Unlock()
				l.deny(p, "paused")
				return fmt.Errorf("%w: paused until %s", core.ErrRateLimited, until.Format(time.RFC3339))
			}
			wait = l.pausedUntil.Sub(now)
		case p == Low && l.tokens < l.lowFloor:
			tokens := l.tokens
			l.mu.Unlock()
			l.deny(p, "below_floor")
			return fmt.Errorf("%w: %.1f tokens under low-priority floor", core.ErrRateLimited, tokens)
		case l.tokens >= 1:
			l.tokens--
			telemetry.RateLimiterTokens.Set(l.tokens)
			l.mu.Unlock()
			telemetry.RateLimiterEvents.WithLabelValues(p.String(), "granted").Inc()
			return nil
		default:
			wait = time.Duration(math.Ceil((1 - l.tokens) / l.rate * float64(time.Second)))
		}
		l.mu.Unlock()

		if now.Add(wait).After(deadline) {
			l.deny(p, "timeout")
			return fmt.Errorf("%w: no token within %s", core.ErrRateLimited, timeout)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Report429 freezes issuance for the backoff window and sets the bucket to
// half capacity so traffic resumes gradually once the window ends.
func (l *Limiter) Report429() {
	l.mu.Lock()
	now := l.now()
	l.refillLocked(now)
	l.tokens = l.capacity * pauseRefillPct
	l.pausedUntil = now.Add(l.backoff)
	l.last = now
	tokens := l.tokens
	until := l.pausedUntil
	l.mu.Unlock()

	telemetry.RateLimiterTokens.Set(tokens)
	telemetry.RateLimiterEvents.WithLabelValues("all", "throttled").Inc()
	log.Warn().
		Float64("tokens", tokens).
		Time("paused_until", until).
		Dur("backoff", l.backoff).
		Msg("rate_limit_backoff")
}

// Available returns the tokens currently in the bucket.
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(l.now())
	return l.tokens
}

func (l *Limiter) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.pausedUntil)
}

// refillLocked must be called with mu held. No tokens accrue while paused.
func (l *Limiter) refillLocked(now time.Time) {
	start := l.last
	if start.Before(l.pausedUntil) {
		if !now.After(l.pausedUntil) {
			l.last = now
			return
		}
		start = l.pausedUntil
	}
	elapsed := now.Sub(start).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.last = now
}

func (l *Limiter) deny(p Priority, reason string) {
	telemetry.RateLimiterEvents.WithLabelValues(p.String(), reason).Inc()
	log.Debug().Str("priority", p.String()).Str("reason", reason).Msg("rate_limit_denied")
}
