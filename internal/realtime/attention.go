package realtime

import (
	"sync"
	"time"
)

// Attention tracks which scopes downstream clients are actively reading. It
// is the service-side stand-in for tab visibility: a scope read within the
// watch window is "watched" (foreground), anything else is "idle"
// (background). The estimator keys its clamping bands off this state.
type Attention struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	lastRead  map[string]time.Time
	watchedAt map[string]time.Time
}

// NewAttention builds a tracker with the given watch window.
func NewAttention(window time.Duration) *Attention {
	if window <= 0 {
		window = time.Minute
	}
	return &Attention{
		window:    window,
		now:       time.Now,
		lastRead:  make(map[string]time.Time),
		watchedAt: make(map[string]time.Time),
	}
}

// Touch records a read against the scope, promoting it to watched when it was
// idle before.
func (a *Attention) Touch(scope string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	last, ok := a.lastRead[scope]
	if !ok || now.Sub(last) > a.window {
		a.watchedAt[scope] = now
	}
	a.lastRead[scope] = now
}

// Watched reports whether the scope has been read within the watch window.
func (a *Attention) Watched(scope string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastRead[scope]
	if !ok {
		return false
	}
	return a.now().Sub(last) <= a.window
}

// LastTransition returns when the scope last flipped between watched and
// idle. The estimator's grace window suppresses interval flapping right after
// such a flip.
func (a *Attention) LastTransition(scope string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastRead[scope]
	if !ok {
		return time.Time{}
	}
	if a.now().Sub(last) <= a.window {
		return a.watchedAt[scope]
	}
	// Idle since the watch window ran out after the final read.
	return last.Add(a.window)
}

// WithClock substitutes the time source for tests.
func (a *Attention) WithClock(now func() time.Time) *Attention {
	if now != nil {
		a.now = now
	}
	return a
}
