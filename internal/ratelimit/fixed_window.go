// Package ratelimit implements the per-identifier admission controller.
//
// Counting uses fixed, non-overlapping windows per identifier. This is an
// approximation: a client can spend its whole budget at the end of one window
// and again at the start of the next, so up to 2x max requests may be admitted
// across a window boundary.
//
// State is process-local. Running several server instances multiplies the
// effective limit by the instance count.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds the number of identifiers tracked at once. The least
// recently seen identifier is evicted first, which forgets its count.
const DefaultMaxEntries = 65536

type entry struct {
	count   int
	resetAt time.Time
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the identifier's window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type Option func(*FixedWindow)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindow) { l.now = now }
}

// WithMaxEntries changes the identifier table size.
func WithMaxEntries(n int) Option {
	return func(l *FixedWindow) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

// FixedWindow is safe for concurrent use. Each read-modify-write of an entry
// happens under one mutex.
type FixedWindow struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, *entry]
	maxEntries int
	now        func() time.Time
}

func New(opts ...Option) *FixedWindow {
	l := &FixedWindow{maxEntries: DefaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	// lru.New only fails for a non-positive size.
	l.entries, _ = lru.New[string, *entry](l.maxEntries)
	return l
}

// Allow reports whether one more request from identifier fits in its current window.
func (l *FixedWindow) Allow(identifier string, window time.Duration, maxRequests int) bool {
	return l.Decide(identifier, window, maxRequests).Allowed
}

// Decide is Allow with the remaining budget and the window reset time.
func (l *FixedWindow) Decide(identifier string, window time.Duration, maxRequests int) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries.Get(identifier)
	if !ok || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		l.entries.Add(identifier, e)
		return Decision{Allowed: maxRequests > 0, Remaining: max(maxRequests-1, 0), ResetAt: e.resetAt}
	}
	if e.count >= maxRequests {
		return Decision{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
	}
	e.count++
	return Decision{Allowed: true, Remaining: maxRequests - e.count, ResetAt: e.resetAt}
}

// Count returns the current count for identifier, or 0 if it has no live window.
func (l *FixedWindow) Count(identifier string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries.Peek(identifier)
	if !ok || !now.Before(e.resetAt) {
		return 0
	}
	return e.count
}

// Len is the number of identifiers currently tracked.
func (l *FixedWindow) Len() int {
	return l.entries.Len()
}

// Policy binds a window and budget to a limiter so middleware can call Allow(id).
type Policy struct {
	Limiter     *FixedWindow
	Window      time.Duration
	MaxRequests int
}

func (p Policy) Decide(identifier string) Decision {
	return p.Limiter.Decide(identifier, p.Window, p.MaxRequests)
}

func (p Policy) Allow(identifier string) bool {
	return p.Decide(identifier).Allowed
}
