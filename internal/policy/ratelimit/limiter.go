// Package ratelimit implements a fixed-window per-domain request counter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/impactmap/entity-scraper/internal/scraper"
	"github.com/impactmap/entity-scraper/internal/telemetry"
)

// windowLength is the counting period. The window resets rather than slides,
// so bursts straddling a boundary may briefly exceed the nominal budget.
const windowLength = time.Minute

var _ scraper.DomainLimiter = (*Limiter)(nil)

// rateWindow tracks requests observed for one host since start.
type rateWindow struct {
	count int
	start time.Time
}

// Limiter manages per-domain request budgets. Windows are created lazily per
// host and live for the process lifetime.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	clock   scraper.Clock
}

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerMinute int
}

// New creates a new Limiter. The clock is injectable so tests can drive
// window expiry without waiting on wall time.
func New(cfg Config, clk scraper.Clock) *Limiter {
	limit := cfg.RequestsPerMinute
	if limit <= 0 {
		limit = 60
	}
	return &Limiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		clock:   clk,
	}
}

// Check records one request against the URL's host and reports whether it
// fits the current window. The read-modify-write on the counter is guarded
// so concurrent callers cannot race past the budget.
func (l *Limiter) Check(rawURL string) bool {
	domain := "unknown"
	if host, err := scraper.Host(rawURL); err == nil {
		domain = host
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[domain]
	if !ok {
		w = &rateWindow{start: now}
		l.windows[domain] = w
	}
	if now.Sub(w.start) > windowLength {
		w.count = 0
		w.start = now
	}
	w.count++
	if w.count > l.limit {
		telemetry.ObserveRateLimitDenial(domain)
		return false
	}
	return true
}
