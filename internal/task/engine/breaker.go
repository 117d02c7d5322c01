package engine

import (
	"sync"
	"time"
)

// BreakerConfig configures a consecutive-failure circuit breaker.
// TripFailures < 0 disables it; 0 applies the default of 5.
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// Breaker opens after TripFailures consecutive failures for an exponentially
// growing cooldown. A success closes it; a quiet period of ResetAfter since the
// last failure forgets the count.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

func (b *Breaker) expireLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter && !now.Before(b.openUntil) {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
	}
}

// Allow reports whether a call may proceed; when not, it returns the reopen time.
func (b *Breaker) Allow(now time.Time) (bool, time.Time) {
	if b == nil || b.cfg.TripFailures < 0 {
		return true, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return false, b.openUntil
	}
	return true, time.Time{}
}

func (b *Breaker) Record(now time.Time, err error) {
	if b == nil || b.cfg.TripFailures < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.TripFailures {
		return
	}
	d := b.cfg.BaseDelay
	for i := 0; i < b.fails-b.cfg.TripFailures; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			d = b.cfg.MaxDelay
			break
		}
	}
	b.openUntil = now.Add(d)
}

type BreakerState struct {
	Open      bool
	Fails     int
	OpenUntil time.Time
}

func (b *Breaker) State(now time.Time) BreakerState {
	if b == nil {
		return BreakerState{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	return BreakerState{
		Open:      !b.openUntil.IsZero() && now.Before(b.openUntil),
		Fails:     b.fails,
		OpenUntil: b.openUntil,
	}
}
