// Package poller keeps tracked queries warm. Each tracked scope/family pair
// owns one goroutine that asks the realtime-aware estimator when to refetch,
// sleeps that long, and executes the catalog query against the upstream API.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/heliolab/querysync/internal/config"
	"github.com/heliolab/querysync/internal/expr"
	"github.com/heliolab/querysync/internal/metrics"
	"github.com/heliolab/querysync/internal/polling"
	"github.com/heliolab/querysync/internal/querycache"
	"github.com/heliolab/querysync/internal/realtime"
	"github.com/heliolab/querysync/internal/templates"
	"github.com/heliolab/querysync/internal/upstream"
)

// Options collects the collaborators the scheduler coordinates.
type Options struct {
	Cache      querycache.QueryCache
	Fetcher    *upstream.Fetcher
	Estimator  *realtime.Estimator
	Attention  *realtime.Attention
	Keys       querycache.KeyBuilder
	Renderer   *templates.Renderer
	Metrics    *metrics.Recorder
	DefaultTTL time.Duration
	// IdleRecheck is how long a no-poll decision stands before the tracker
	// looks again. Push updates land in the cache independently; this only
	// bounds how quickly a tracker notices changed conditions.
	IdleRecheck time.Duration
}

type tracker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the tracker goroutines and the compiled query catalog.
type Scheduler struct {
	cache       querycache.QueryCache
	fetcher     *upstream.Fetcher
	estimator   *realtime.Estimator
	attention   *realtime.Attention
	renderer    *templates.Renderer
	metrics     *metrics.Recorder
	logger      *slog.Logger
	defaultTTL  time.Duration
	idleRecheck time.Duration

	mu       sync.Mutex
	baseCtx  context.Context
	keys     querycache.KeyBuilder
	queries  map[string]upstream.Query
	byTarget map[string]string
	trackers map[string]*tracker
	closed   bool
}

// ErrUnknownQuery is returned when no catalog definition covers a requested
// kind/family pair.
var ErrUnknownQuery = errors.New("poller: no catalog query for target")

// NewScheduler builds a scheduler; Start must be called before Track.
func NewScheduler(opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	idleRecheck := opts.IdleRecheck
	if idleRecheck <= 0 {
		idleRecheck = 15 * time.Second
	}
	defaultTTL := opts.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Scheduler{
		cache:       opts.Cache,
		fetcher:     opts.Fetcher,
		estimator:   opts.Estimator,
		attention:   opts.Attention,
		renderer:    opts.Renderer,
		metrics:     opts.Metrics,
		logger:      logger.With(slog.String("agent", "poll_scheduler")),
		defaultTTL:  defaultTTL,
		idleRecheck: idleRecheck,
		keys:        opts.Keys,
		queries:     make(map[string]upstream.Query),
		byTarget:    make(map[string]string),
		trackers:    make(map[string]*tracker),
	}
}

// Start binds the scheduler to its lifetime context. Trackers spawned later
// inherit it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
}

// ReloadCatalog compiles the bundle's definitions and swaps them in. When the
// key builder changes epoch, the outgoing keyspace is dropped and trackers
// transparently pick up the new keys on their next cycle. Trackers whose
// definition disappeared stop on their next cycle.
func (s *Scheduler) ReloadCatalog(bundle config.QueryBundle, keys querycache.KeyBuilder) error {
	env, err := expr.NewEnvironment()
	if err != nil {
		return err
	}

	compiled := make(map[string]upstream.Query, len(bundle.Queries))
	names := make([]string, 0, len(bundle.Queries))
	for name := range bundle.Queries {
		names = append(names, name)
	}
	sort.Strings(names)
	byTarget := make(map[string]string, len(names))
	for _, name := range names {
		q, err := upstream.CompileQuery(s.renderer, env, name, bundle.Queries[name], s.defaultTTL)
		if err != nil {
			return err
		}
		compiled[name] = q
		byTarget[targetKey(q.Kind, q.Family)] = name
	}

	s.mu.Lock()
	oldRoot := s.keys.Root()
	epochChanged := keys.Root() != oldRoot
	s.keys = keys
	s.queries = compiled
	s.byTarget = byTarget
	s.mu.Unlock()

	if epochChanged {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.cache.DeletePrefix(ctx, oldRoot); err != nil {
			s.logger.Warn("drop outgoing epoch failed", slog.String("prefix", oldRoot), slog.Any("error", err))
		}
	}
	s.logger.Info("catalog loaded",
		slog.Int("queries", len(compiled)),
		slog.Int("skipped", len(bundle.Skipped)),
		slog.Int("epoch", keys.Epoch()))
	return nil
}

// Lookup resolves the compiled query serving one kind/family pair.
func (s *Scheduler) Lookup(kind, family string) (upstream.Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.byTarget[targetKey(kind, family)]
	if !ok {
		return upstream.Query{}, false
	}
	q, ok := s.queries[name]
	return q, ok
}

// Track registers a scope with a query's polling loop. Tracking is
// idempotent per (query, scope) and survives catalog reloads as long as the
// definition still exists.
func (s *Scheduler) Track(queryName, scopeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.baseCtx == nil {
		return
	}
	if _, ok := s.queries[queryName]; !ok {
		return
	}
	id := queryName + "|" + scopeID
	if _, ok := s.trackers[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	tr := &tracker{cancel: cancel, done: make(chan struct{})}
	s.trackers[id] = tr
	go s.run(ctx, tr, id, queryName, scopeID)
}

// TrackedCount reports how many polling loops are alive.
func (s *Scheduler) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}

// Close stops every tracker and waits for the loops to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	trackers := make([]*tracker, 0, len(s.trackers))
	for _, tr := range s.trackers {
		trackers = append(trackers, tr)
	}
	s.mu.Unlock()

	for _, tr := range trackers {
		tr.cancel()
		<-tr.done
	}
}

func (s *Scheduler) run(ctx context.Context, tr *tracker, id, queryName, scopeID string) {
	defer close(tr.done)
	defer func() {
		s.mu.Lock()
		delete(s.trackers, id)
		s.mu.Unlock()
	}()

	for {
		q, keys, ok := s.current(queryName)
		if !ok {
			s.logger.Info("tracker stopping, definition removed",
				slog.String("query", queryName), slog.String("scope_id", scopeID))
			return
		}

		wait, refetch := s.decide(ctx, q, keys, scopeID)
		if refetch && wait <= 0 {
			if s.refetch(ctx, q, keys, scopeID) {
				continue
			}
			// The entry is still stale; waiting keeps a failing upstream from
			// being hammered in a tight loop.
			wait = s.idleRecheck
			refetch = false
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if refetch {
			s.refetch(ctx, q, keys, scopeID)
		}
	}
}

// decide consults the cache and the estimator for one cycle. A stale-marked
// entry refetches immediately; otherwise the estimator's interval (or the
// idle recheck period for a no-poll verdict) sets the sleep.
func (s *Scheduler) decide(ctx context.Context, q upstream.Query, keys querycache.KeyBuilder, scopeID string) (wait time.Duration, refetch bool) {
	key := keys.Key(q.Kind, scopeID, q.Family)

	start := time.Now()
	entry, found, err := s.cache.Lookup(ctx, key)
	elapsed := time.Since(start)
	switch {
	case err != nil:
		s.metrics.ObserveCacheLookup(q.Family, metrics.CacheLookupError, elapsed)
	case !found:
		s.metrics.ObserveCacheLookup(q.Family, metrics.CacheLookupMiss, elapsed)
	case entry.Stale:
		s.metrics.ObserveCacheLookup(q.Family, metrics.CacheLookupStale, elapsed)
	default:
		s.metrics.ObserveCacheLookup(q.Family, metrics.CacheLookupHit, elapsed)
	}

	if err == nil && found && entry.Stale {
		s.metrics.ObservePollingDecision(q.Family, "stale")
		return 0, true
	}

	hasData := err == nil && found
	state := polling.QueryState{HasData: hasData, DataUpdatedAt: entry.FetchedAt}

	active := false
	if hasData {
		active = q.Activity.Eval(entry.Rows(), time.Now())
	}
	activity := func() bool { return active }

	scope := scopeLabel(q.Kind, scopeID)
	interval, poll := s.estimator.Select(scope, state, activity)
	s.metrics.SetRealtimeHealthy(s.estimator.Snapshot().Healthy())

	if !poll {
		s.metrics.ObservePollingDecision(q.Family, "none")
		return s.idleRecheck, false
	}
	s.metrics.ObservePollingDecision(q.Family, decisionLabel(hasData, active))
	if interval < 0 {
		interval = 0
	}
	return interval, true
}

// refetch reports whether a fresh entry landed in the cache. A false return
// means the previous entry (stale flag included) is still what the next
// decide cycle will see.
func (s *Scheduler) refetch(ctx context.Context, q upstream.Query, keys querycache.KeyBuilder, scopeID string) bool {
	start := time.Now()
	result, err := s.fetcher.Fetch(ctx, q, scopeID)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.metrics.ObserveRefetch(q.Family, "error", elapsed)
		s.logger.Warn("refetch failed",
			slog.String("query", q.Name),
			slog.String("scope_id", scopeID),
			slog.Any("error", err))
		return false
	}
	s.metrics.ObserveRefetch(q.Family, "success", elapsed)
	return s.store(ctx, q, keys, scopeID, result)
}

func (s *Scheduler) store(ctx context.Context, q upstream.Query, keys querycache.KeyBuilder, scopeID string, result upstream.Result) bool {
	ttl := upstream.EffectiveTTL(q.TTL, result.CacheControl)
	if ttl <= 0 {
		// Upstream forbade caching this response; the next cycle refetches.
		return false
	}
	now := time.Now().UTC()
	entry := querycache.Entry{
		Data:      result.Rows,
		RowCount:  result.RowCount,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	key := keys.Key(q.Kind, scopeID, q.Family)
	start := time.Now()
	if err := s.cache.Store(ctx, key, entry); err != nil {
		s.metrics.ObserveCacheStore(q.Family, metrics.CacheStoreError, time.Since(start))
		s.logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	s.metrics.ObserveCacheStore(q.Family, metrics.CacheStoreStored, time.Since(start))
	return true
}

// ReadThrough serves a query for the HTTP read path: cache hit when possible,
// synchronous fetch on miss. Stale hits are served as-is while a background
// refetch replaces them. Reads register the scope with the polling loop and
// mark watch attention.
func (s *Scheduler) ReadThrough(ctx context.Context, kind, id, family string) (querycache.Entry, bool, error) {
	s.mu.Lock()
	name, ok := s.byTarget[targetKey(kind, family)]
	q, defined := s.queries[name]
	keys := s.keys
	s.mu.Unlock()
	if !ok || !defined {
		return querycache.Entry{}, false, ErrUnknownQuery
	}

	if s.attention != nil {
		s.attention.Touch(scopeLabel(kind, id))
	}
	s.Track(name, id)

	key := keys.Key(kind, id, family)
	entry, found, err := s.cache.Lookup(ctx, key)
	if err == nil && found {
		if entry.Stale {
			go s.refetch(s.background(), q, keys, id)
		}
		return entry, true, nil
	}
	if err != nil {
		s.logger.Warn("read-path lookup failed", slog.String("key", key), slog.Any("error", err))
	}

	result, err := s.fetcher.Fetch(ctx, q, id)
	if err != nil {
		return querycache.Entry{}, false, err
	}
	s.store(ctx, q, keys, id, result)
	now := time.Now().UTC()
	return querycache.Entry{
		Data:      result.Rows,
		RowCount:  result.RowCount,
		FetchedAt: now,
		ExpiresAt: now.Add(upstream.EffectiveTTL(q.TTL, result.CacheControl)),
	}, false, nil
}

func (s *Scheduler) background() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Scheduler) current(queryName string) (upstream.Query, querycache.KeyBuilder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[queryName]
	return q, s.keys, ok
}

func targetKey(kind, family string) string {
	return kind + "/" + family
}

func scopeLabel(kind, id string) string {
	return kind + ":" + id
}

func decisionLabel(hasData, active bool) string {
	switch {
	case !hasData:
		return "initial"
	case active:
		return "fast"
	default:
		return "resurrection"
	}
}
