// Package invalidation routes mutation-driven staleness signals to the query
// cache. The router is fire-and-forget: callers never see an error, and the
// accepted failure mode is over-invalidation (an extra refetch), never stale
// data served as fresh.
package invalidation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heliolab/querysync/internal/metrics"
	"github.com/heliolab/querysync/internal/querycache"
)

// Scope names the subset of cache families one invalidation call targets.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeImages   Scope = "images"
	ScopeMetadata Scope = "metadata"
	ScopeCounts   Scope = "counts"
	ScopeUnified  Scope = "unified"
)

// Valid reports whether the scope is one of the five named families.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeImages, ScopeMetadata, ScopeCounts, ScopeUnified:
		return true
	}
	return false
}

// Options describes one invalidation request.
type Options struct {
	Scope  Scope
	Reason string
	// Delay debounces the request. Zero or negative applies immediately.
	Delay time.Duration
	// IncludeShots additionally invalidates the project's shot list. Requires
	// ProjectID.
	IncludeShots bool
	// IncludeProjectUnified additionally invalidates the project-level
	// unified feed. Requires ProjectID.
	IncludeProjectUnified bool
	ProjectID             string
}

const applyTimeout = 5 * time.Second

// Router owns one pending-timer slot per scope id: a newer request for the
// same id cancels an older pending timer before arming its own. Supersession
// covers scheduling only; each call still applies its own target set.
type Router struct {
	cache   querycache.QueryCache
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	keys    querycache.KeyBuilder
	pending map[string]*time.Timer
	closed  bool
}

// NewRouter wires the router to the cache it marks stale.
func NewRouter(cache querycache.QueryCache, keys querycache.KeyBuilder, logger *slog.Logger, rec *metrics.Recorder) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cache:   cache,
		logger:  logger.With(slog.String("agent", "invalidation_router")),
		metrics: rec,
		keys:    keys,
		pending: make(map[string]*time.Timer),
	}
}

// Invalidate marks every cache family implied by the options stale for the
// given shot scope, either immediately or after the debounce delay. A set
// project id with an empty scope id touches only the project rollups.
func (r *Router) Invalidate(scopeID string, opts Options) {
	if scopeID == "" && opts.ProjectID == "" {
		return
	}
	if !opts.Scope.Valid() {
		opts.Scope = ScopeAll
	}
	requestID := uuid.NewString()

	// Pending timers coalesce per shot scope; project-only invalidations
	// coalesce per project instead of sharing one slot.
	pendingKey := scopeID
	if pendingKey == "" {
		pendingKey = "project:" + opts.ProjectID
	}

	if opts.Delay <= 0 {
		r.cancelPending(pendingKey)
		r.metrics.ObserveInvalidation(string(opts.Scope), metrics.InvalidationImmediate)
		r.apply(scopeID, opts, requestID)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if timer, ok := r.pending[pendingKey]; ok {
		timer.Stop()
	}
	r.pending[pendingKey] = time.AfterFunc(opts.Delay, func() {
		r.mu.Lock()
		delete(r.pending, pendingKey)
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		r.apply(scopeID, opts, requestID)
	})
	r.mu.Unlock()

	r.metrics.ObserveInvalidation(string(opts.Scope), metrics.InvalidationDebounced)
	r.logger.Debug("invalidation debounced",
		slog.String("request_id", requestID),
		slog.String("scope_id", scopeID),
		slog.String("scope", string(opts.Scope)),
		slog.String("reason", opts.Reason),
		slog.Duration("delay", opts.Delay))
}

// InvalidateShotPrefix drops everything cached for the given shot regardless
// of family. Broad by construction; logged so the caller's choice is visible.
func (r *Router) InvalidateShotPrefix(scopeID, reason string) {
	if scopeID == "" {
		return
	}
	r.invalidatePrefix(r.keyBuilder().ScopePrefix(querycache.KindShot, scopeID), reason)
}

// InvalidateKind is the last-resort variant used when the affected scope id
// is unknown: it matches every entry of the kind by key prefix.
func (r *Router) InvalidateKind(kind, reason string) {
	r.invalidatePrefix(r.keyBuilder().KindPrefix(kind), reason)
}

func (r *Router) invalidatePrefix(prefix, reason string) {
	requestID := uuid.NewString()
	r.metrics.ObserveInvalidation("prefix", metrics.InvalidationPrefix)
	r.logger.Warn("broad prefix invalidation",
		slog.String("request_id", requestID),
		slog.String("prefix", prefix),
		slog.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := r.cache.DeletePrefix(ctx, prefix); err != nil {
		r.logger.Error("prefix invalidation failed",
			slog.String("request_id", requestID),
			slog.String("prefix", prefix),
			slog.Any("error", err))
	}
}

// UpdateKeyBuilder swaps the keyspace after a catalog reload bumps the epoch.
func (r *Router) UpdateKeyBuilder(keys querycache.KeyBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = keys
}

// Close cancels every pending debounced invalidation. Requests arriving after
// Close are dropped.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for scopeID, timer := range r.pending {
		timer.Stop()
		delete(r.pending, scopeID)
	}
}

// PendingCount reports the number of armed debounce timers, for tests and the
// health endpoint.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) keyBuilder() querycache.KeyBuilder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys
}

func (r *Router) cancelPending(scopeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.pending[scopeID]; ok {
		timer.Stop()
		delete(r.pending, scopeID)
	}
}

// apply marks every target key stale. Failures are logged and swallowed:
// invalidation is a local marking operation whose worst miss is one extra
// poll cycle of staleness, already covered by resurrection polling.
func (r *Router) apply(scopeID string, opts Options, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	targets := r.targets(scopeID, opts)
	for _, key := range targets {
		if err := r.cache.MarkStale(ctx, key); err != nil {
			r.logger.Error("invalidation failed",
				slog.String("request_id", requestID),
				slog.String("key", key),
				slog.Any("error", err))
		}
	}
	r.logger.Debug("invalidation applied",
		slog.String("request_id", requestID),
		slog.String("scope_id", scopeID),
		slog.String("scope", string(opts.Scope)),
		slog.String("reason", opts.Reason),
		slog.Int("targets", len(targets)))
}

// targets expands the fixed scope table into exact cache keys.
func (r *Router) targets(scopeID string, opts Options) []string {
	keys := r.keyBuilder()
	var targets []string
	add := func(family string) {
		if scopeID == "" {
			return
		}
		targets = append(targets, keys.Key(querycache.KindShot, scopeID, family))
	}
	switch opts.Scope {
	case ScopeImages:
		add(querycache.FamilyImages)
	case ScopeMetadata:
		add(querycache.FamilyMetadata)
	case ScopeCounts:
		add(querycache.FamilyCounts)
	case ScopeUnified:
		add(querycache.FamilyUnified)
	case ScopeAll:
		add(querycache.FamilyImages)
		add(querycache.FamilyUnified)
		add(querycache.FamilyMetadata)
		add(querycache.FamilyCounts)
	}
	if opts.ProjectID != "" {
		if opts.IncludeShots {
			targets = append(targets, keys.Key(querycache.KindProject, opts.ProjectID, querycache.FamilyShots))
		}
		if opts.IncludeProjectUnified {
			targets = append(targets, keys.Key(querycache.KindProject, opts.ProjectID, querycache.FamilyProjectUnified))
		}
	}
	return targets
}
