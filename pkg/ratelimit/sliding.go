// Package ratelimit bounds claim volume with in-memory sliding windows.
//
// State is process-lifetime only and resets on restart. The durable
// cooldown ledger is the authoritative "already claimed" check; this
// limiter is a cheap volatile backstop in front of it.
package ratelimit

import (
	"sync"
	"time"
)

// Config fixes the window geometry. Values come from configuration,
// never from request data.
type Config struct {
	Window         time.Duration
	MaxPerOrigin   int
	MaxPerIdentity int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		Window:         time.Hour,
		MaxPerOrigin:   5,
		MaxPerIdentity: 1,
	}
}

// SlidingLimiter keeps two independent sets of sliding windows, one
// keyed by origin (caller network identity) and one keyed by recipient
// identity. Entries older than the window are pruned lazily on access.
type SlidingLimiter struct {
	mu         sync.Mutex
	cfg        Config
	origins    map[string][]time.Time
	identities map[string][]time.Time
	clock      func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a limiter and starts a background sweep that drops keys
// whose entries have all aged out, so the maps do not grow without
// bound on keys that are never touched again.
func New(cfg Config) *SlidingLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxPerOrigin <= 0 {
		cfg.MaxPerOrigin = DefaultConfig().MaxPerOrigin
	}
	if cfg.MaxPerIdentity <= 0 {
		cfg.MaxPerIdentity = DefaultConfig().MaxPerIdentity
	}
	l := &SlidingLimiter{
		cfg:        cfg,
		origins:    make(map[string][]time.Time),
		identities: make(map[string][]time.Time),
		clock:      time.Now,
		stop:       make(chan struct{}),
	}
	go l.sweep()
	return l
}

// WithClock overrides the clock for testing.
func (l *SlidingLimiter) WithClock(clock func() time.Time) *SlidingLimiter {
	l.clock = clock
	return l
}

// Close stops the background sweep.
func (l *SlidingLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// AllowOrigin checks and, if allowed, records an attempt for the given
// origin. A rejected attempt is never recorded. The returned duration
// is the wait until the window frees a slot (zero when allowed).
func (l *SlidingLimiter) AllowOrigin(origin string) (bool, time.Duration) {
	return l.allow(l.origins, origin, l.cfg.MaxPerOrigin)
}

// AllowIdentity is AllowOrigin for the recipient identity window.
func (l *SlidingLimiter) AllowIdentity(identity string) (bool, time.Duration) {
	return l.allow(l.identities, identity, l.cfg.MaxPerIdentity)
}

// allow prunes, tests and records under one lock so that a burst of
// concurrent requests for the same key is still bounded by max.
func (l *SlidingLimiter) allow(windows map[string][]time.Time, key string, max int) (bool, time.Duration) {
	now := l.clock()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := prune(windows[key], cutoff)
	if len(entries) >= max {
		windows[key] = entries
		retry := entries[0].Add(l.cfg.Window).Sub(now)
		return false, retry
	}
	windows[key] = append(entries, now)
	return true, 0
}

// prune drops entries at or before the cutoff. Entries are appended in
// time order, so the slice stays sorted.
func prune(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append(entries[:0:0], entries[i:]...)
}

func (l *SlidingLimiter) sweep() {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.clock().Add(-l.cfg.Window)
			l.mu.Lock()
			sweepMap(l.origins, cutoff)
			sweepMap(l.identities, cutoff)
			l.mu.Unlock()
		}
	}
}

func sweepMap(windows map[string][]time.Time, cutoff time.Time) {
	for key, entries := range windows {
		pruned := prune(entries, cutoff)
		if len(pruned) == 0 {
			delete(windows, key)
			continue
		}
		windows[key] = pruned
	}
}
