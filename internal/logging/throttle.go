package logging

import (
	"sync"
	"time"
)

// Throttle gates noisy diagnostic logging to at most one emission per window
// per tag. The realtime estimator uses it so degraded-channel snapshots do not
// flood the log while the condition persists.
type Throttle struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle builds a throttle with the given window. Non-positive windows
// fall back to 30 seconds, the cadence used for degraded-mode snapshots.
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Throttle{
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether the caller identified by tag may log now, and records
// the emission when it may.
func (t *Throttle) Allow(tag string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[tag]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[tag] = now
	return true
}
