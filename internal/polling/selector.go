// Package polling decides when a cached query should be refetched. The
// selector is a pure function of the currently observable cache state; it
// keeps no transition history between calls.
package polling

import (
	"errors"
	"fmt"
	"time"
)

// Config carries the four base durations the selector chooses between.
// Validate enforces the ladder ordering the decision logic assumes.
type Config struct {
	// Fast is the tightest interval, used while the cached rows show recent
	// activity and more writes are expected.
	Fast time.Duration
	// Resurrection is the occasional poll that recovers from a push
	// notification the realtime channel silently dropped.
	Resurrection time.Duration
	// Initial is used before any data has been cached at all.
	Initial time.Duration
	// StaleThreshold is the data age beyond which resurrection polling kicks
	// in for quiet queries.
	StaleThreshold time.Duration
}

// Validate rejects ladders where the tiers are unordered or non-positive.
func (c Config) Validate() error {
	if c.Fast <= 0 || c.Resurrection <= 0 || c.Initial <= 0 {
		return errors.New("polling: intervals must be positive")
	}
	if c.Fast >= c.Resurrection {
		return fmt.Errorf("polling: fast (%s) must be below resurrection (%s)", c.Fast, c.Resurrection)
	}
	if c.Resurrection >= c.Initial {
		return fmt.Errorf("polling: resurrection (%s) must be below initial (%s)", c.Resurrection, c.Initial)
	}
	if c.StaleThreshold <= 0 {
		return errors.New("polling: stale threshold must be positive")
	}
	return nil
}

// QueryState is the slice of the cache's bookkeeping the selector reads. The
// cache owns this state; the selector never mutates it.
type QueryState struct {
	HasData       bool
	DataUpdatedAt time.Time
}

// ActivityFunc is the caller-supplied recent-activity predicate, already
// bound to the cached rows. A nil func means activity is never detected.
type ActivityFunc func() bool

// Selector turns (state, activity) into a refetch interval.
type Selector struct {
	cfg Config
	now func() time.Time
}

// NewSelector validates the ladder and returns a ready selector.
func NewSelector(cfg Config) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Selector{cfg: cfg, now: time.Now}, nil
}

// Select returns the interval until the next poll, or ok=false when the query
// should rely on push updates alone. Decision order:
//
//  1. nothing cached yet: poll at the initial interval
//  2. recent activity: poll fast, regardless of data age
//  3. data older than the staleness threshold: resurrection poll
//  4. otherwise: no polling
func (s *Selector) Select(state QueryState, activity ActivityFunc) (time.Duration, bool) {
	if !state.HasData {
		return s.cfg.Initial, true
	}
	if activity != nil && activity() {
		return s.cfg.Fast, true
	}
	if s.now().Sub(state.DataUpdatedAt) > s.cfg.StaleThreshold {
		return s.cfg.Resurrection, true
	}
	return 0, false
}

// Config exposes the configured ladder so wrappers can derive tightened
// variants of it.
func (s *Selector) Config() Config {
	return s.cfg
}

// WithClock substitutes the time source. Tests use it to pin data age.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	clone := *s
	if now != nil {
		clone.now = now
	}
	return &clone
}
