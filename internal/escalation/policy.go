// Package escalation maps attempt numbers to retry delays and the suspend decision.
package escalation

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 10
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 50

	// SnoozeOffset defers the next attempt regardless of the delay table.
	SnoozeOffset = 5 * time.Minute
)

// DefaultDelays are minutes after the previous attempt; the last entry is the cap.
var DefaultDelays = []time.Duration{
	5 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	25 * time.Minute,
	30 * time.Minute,
}

type Policy struct {
	Delays      []time.Duration
	MaxAttempts int
}

func Default() Policy {
	return Policy{Delays: append([]time.Duration(nil), DefaultDelays...), MaxAttempts: DefaultMaxAttempts}
}

// New builds a policy from config values. Empty delays fall back to the default
// table; maxAttempts 0 means the default bound.
func New(delaysMinutes []int, maxAttempts int) (Policy, error) {
	p := Default()
	if len(delaysMinutes) > 0 {
		p.Delays = make([]time.Duration, 0, len(delaysMinutes))
		for _, m := range delaysMinutes {
			p.Delays = append(p.Delays, time.Duration(m)*time.Minute)
		}
	}
	if maxAttempts != 0 {
		p.MaxAttempts = maxAttempts
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if p.MaxAttempts < MinMaxAttempts || p.MaxAttempts > MaxMaxAttempts {
		return fmt.Errorf("max_attempts must be within %d..%d, got %d", MinMaxAttempts, MaxMaxAttempts, p.MaxAttempts)
	}
	if len(p.Delays) == 0 {
		return errors.New("delay table is empty")
	}
	for i, d := range p.Delays {
		if d <= 0 {
			return fmt.Errorf("delay for attempt %d must be > 0", i+1)
		}
	}
	return nil
}

// DelayFor returns the wait between attempt-1 and attempt.
// Attempts past the table use the last entry.
func (p Policy) DelayFor(attempt int) time.Duration {
	delays := p.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt-1]
}

// ShouldSuspend reports whether an unacknowledged attempt exhausts the bound.
func ShouldSuspend(attempt, maxAttempts int) bool {
	if maxAttempts < MinMaxAttempts {
		maxAttempts = DefaultMaxAttempts
	}
	return attempt >= maxAttempts
}

// Limit returns the effective bound for a reminder snapshot value.
func (p Policy) Limit(reminderMax int) int {
	if reminderMax >= MinMaxAttempts && reminderMax <= MaxMaxAttempts {
		return reminderMax
	}
	if p.MaxAttempts >= MinMaxAttempts {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}
