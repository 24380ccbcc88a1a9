package realtime

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/heliolab/querysync/internal/logging"
	"github.com/heliolab/querysync/internal/polling"
)

// ConnState is what the estimator needs to observe about the externally owned
// realtime connection. It never mutates the connection through this surface.
type ConnState interface {
	SocketConnected() bool
	JoinedTopics() []string
	LastEventAt() time.Time
}

// HealthSnapshot is the estimator's cached verdict about the push channel.
type HealthSnapshot struct {
	SocketConnected   bool `json:"socketConnected"`
	HasJoinedChannels bool `json:"hasJoinedChannels"`
	EventsFlowing     bool `json:"eventsFlowing"`
}

// Healthy reports whether polling can stay at its relaxed defaults.
func (s HealthSnapshot) Healthy() bool {
	return s.SocketConnected && s.HasJoinedChannels && s.EventsFlowing
}

// Estimator wraps the polling selector and tightens its decisions while the
// realtime channel looks degraded. Probe results are cached for five seconds;
// clamp bands and the grace interval preserve the empirically tuned values
// from production rather than any derived model.
type Estimator struct {
	selector    *polling.Selector
	conn        ConnState
	attention   *Attention
	logger      *slog.Logger
	throttle    *logging.Throttle
	eventWindow time.Duration
	now         func() time.Time
	jitter      func() time.Duration

	mu       sync.Mutex
	probedAt time.Time
	snapshot HealthSnapshot
}

const (
	probeThrottle = 5 * time.Second
	graceWindow   = 4 * time.Second
	graceInterval = 6 * time.Second

	degradedFastCeiling         = 10 * time.Second
	degradedResurrectionCeiling = 30 * time.Second
	degradedInitialCeiling      = 15 * time.Second

	watchedCeiling = 12 * time.Second
	idleFloor      = 20 * time.Second
)

// NewEstimator binds the estimator to a selector, a connection to observe,
// and the attention tracker standing in for tab visibility.
func NewEstimator(selector *polling.Selector, conn ConnState, attention *Attention, eventWindow time.Duration, logger *slog.Logger) *Estimator {
	if eventWindow <= 0 {
		eventWindow = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		selector:    selector,
		conn:        conn,
		attention:   attention,
		logger:      logger.With(slog.String("agent", "realtime_health")),
		throttle:    logging.NewThrottle(30 * time.Second),
		eventWindow: eventWindow,
		now:         time.Now,
		jitter:      defaultJitter,
	}
}

// Select produces the refetch interval for one scope, substituting shortened
// intervals while the push channel is degraded. Probe failures of any kind
// fall through to the plain selector; this method never panics past its
// boundary.
func (e *Estimator) Select(scope string, state polling.QueryState, activity polling.ActivityFunc) (interval time.Duration, ok bool) {
	snapshot, probed := e.health(scope)
	if !probed {
		return e.selector.Select(state, activity)
	}

	watched := e.attention == nil || e.attention.Watched(scope)
	// Idle scopes don't penalize a quiet channel, mirroring how a hidden tab
	// is excused from the events-flowing requirement.
	flowing := snapshot.EventsFlowing || !watched
	if snapshot.SocketConnected && snapshot.HasJoinedChannels && flowing {
		return e.selector.Select(state, activity)
	}

	if e.attention != nil {
		if transition := e.attention.LastTransition(scope); !transition.IsZero() && e.now().Sub(transition) <= graceWindow {
			return graceInterval + e.jitter(), true
		}
	}

	e.logDegraded(scope, snapshot)

	cfg := e.selector.Config()
	tightened := polling.Config{
		Fast:           minDuration(cfg.Fast, degradedFastCeiling),
		Resurrection:   minDuration(cfg.Resurrection, degradedResurrectionCeiling),
		Initial:        minDuration(cfg.Initial, degradedInitialCeiling),
		StaleThreshold: cfg.StaleThreshold,
	}

	result, polled := e.reselect(tightened, state, activity)
	if !polled {
		// The push channel cannot be trusted to deliver the next change, so a
		// quiet, fresh query still gets the occasional degraded-mode poll.
		result = tightened.Resurrection
	}
	if watched {
		return minDuration(result, watchedCeiling) + e.jitter(), true
	}
	// Idle scopes keep a hard floor even after jitter: background polling must
	// never tighten past the band.
	return maxDuration(result+e.jitter(), idleFloor), true
}

// Snapshot exposes the most recent health verdict for the health endpoint.
func (e *Estimator) Snapshot() HealthSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// health probes the connection at most once per probeThrottle, serving the
// cached snapshot in between. Any panic inside the probe is swallowed and
// reported as probed=false so the caller falls back to the default selector.
func (e *Estimator) health(scope string) (snapshot HealthSnapshot, probed bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("realtime health probe panicked",
				slog.String("scope", scope),
				slog.Any("panic", r))
			snapshot, probed = HealthSnapshot{}, false
		}
	}()

	if e.conn == nil {
		return HealthSnapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if !e.probedAt.IsZero() && now.Sub(e.probedAt) < probeThrottle {
		return e.snapshot, true
	}

	lastEvent := e.conn.LastEventAt()
	e.snapshot = HealthSnapshot{
		SocketConnected:   e.conn.SocketConnected(),
		HasJoinedChannels: len(e.conn.JoinedTopics()) > 0,
		EventsFlowing:     !lastEvent.IsZero() && now.Sub(lastEvent) <= e.eventWindow,
	}
	e.probedAt = now
	return e.snapshot, true
}

// reselect reruns the selector's decision table against a tightened ladder.
func (e *Estimator) reselect(cfg polling.Config, state polling.QueryState, activity polling.ActivityFunc) (time.Duration, bool) {
	if !state.HasData {
		return cfg.Initial, true
	}
	if activity != nil && activity() {
		return cfg.Fast, true
	}
	if e.now().Sub(state.DataUpdatedAt) > cfg.StaleThreshold {
		return cfg.Resurrection, true
	}
	return 0, false
}

func (e *Estimator) logDegraded(scope string, snapshot HealthSnapshot) {
	defer func() {
		// Diagnostics only; a logging failure must not affect the decision.
		_ = recover()
	}()
	if !e.throttle.Allow(scope) {
		return
	}
	topics := 0
	if e.conn != nil {
		topics = len(e.conn.JoinedTopics())
	}
	e.logger.Warn("realtime channel degraded, boosting polling",
		slog.String("scope", scope),
		slog.Bool("socket_connected", snapshot.SocketConnected),
		slog.Int("joined_topics", topics),
		slog.Bool("events_flowing", snapshot.EventsFlowing))
}

// WithClock substitutes the time source and disables jitter. Tests use it to
// make decisions deterministic.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	if now != nil {
		e.now = now
		e.jitter = func() time.Duration { return 0 }
	}
	return e
}

// defaultJitter spreads poll ticks by a random 1–1.5s in either direction so
// replicas watching the same scope don't synchronize into a thundering herd.
func defaultJitter() time.Duration {
	magnitude := time.Second + time.Duration(rand.Int64N(int64(500*time.Millisecond)))
	if rand.IntN(2) == 0 {
		return -magnitude
	}
	return magnitude
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
