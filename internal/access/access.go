// Package access gates who may use the bot and how often.
package access

import (
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Mode string

const (
	ModeBlocklist Mode = "blocklist" // everyone except Users
	ModeWhitelist Mode = "whitelist" // only Users
)

var (
	ErrDenied      = errors.New("access denied")
	ErrRateLimited = errors.New("rate limited")
)

const (
	DefaultRateLimit  = 30
	DefaultRateWindow = time.Minute

	// Idle limiters are dropped once the table grows past this.
	maxTracked = 10000
)

type Config struct {
	Mode   Mode
	Users  []int64
	Admins []int64

	RateLimit  int           // requests per RateWindow, default 30
	RateWindow time.Duration // default 60s

	Now func() time.Time
}

func (c Config) withDefaults() Config {
	switch Mode(strings.ToLower(strings.TrimSpace(string(c.Mode)))) {
	case ModeWhitelist:
		c.Mode = ModeWhitelist
	default:
		c.Mode = ModeBlocklist
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type tracked struct {
	lim  *rate.Limiter
	seen time.Time
}

// Gate is safe for concurrent use. Apply swaps lists and limits at runtime.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	users    map[int64]bool
	admins   map[int64]bool
	limiters map[int64]*tracked
}

func New(cfg Config) *Gate {
	g := &Gate{limiters: map[int64]*tracked{}}
	g.Apply(cfg)
	return g
}

func toSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (g *Gate) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg.RateLimit != g.cfg.RateLimit || cfg.RateWindow != g.cfg.RateWindow {
		g.limiters = map[int64]*tracked{}
	}
	g.cfg = cfg
	g.users = toSet(cfg.Users)
	g.admins = toSet(cfg.Admins)
}

func (g *Gate) IsAdmin(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admins[userID]
}

// Admins returns the configured admin ids.
func (g *Gate) Admins() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.cfg.Admins...)
}

// Allow checks list membership, then spends one request from the user's
// budget. Admins bypass both checks.
func (g *Gate) Allow(userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.admins[userID] {
		return nil
	}
	listed := g.users[userID]
	switch g.cfg.Mode {
	case ModeWhitelist:
		if !listed {
			return ErrDenied
		}
	default:
		if listed {
			return ErrDenied
		}
	}

	now := g.cfg.Now()
	t := g.limiters[userID]
	if t == nil {
		if len(g.limiters) >= maxTracked {
			g.pruneLocked(now)
		}
		every := g.cfg.RateWindow / time.Duration(g.cfg.RateLimit)
		t = &tracked{lim: rate.NewLimiter(rate.Every(every), g.cfg.RateLimit)}
		g.limiters[userID] = t
	}
	t.seen = now
	if !t.lim.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// pruneLocked drops limiters idle for a full window; their budget is full
// again anyway.
func (g *Gate) pruneLocked(now time.Time) {
	for id, t := range g.limiters {
		if now.Sub(t.seen) >= g.cfg.RateWindow {
			delete(g.limiters, id)
		}
	}
}

// Tracked reports how many users currently have a limiter.
func (g *Gate) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}
