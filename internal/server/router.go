package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heliolab/querysync/internal/config"
	"github.com/heliolab/querysync/internal/invalidation"
	"github.com/heliolab/querysync/internal/metrics"
	"github.com/heliolab/querysync/internal/poller"
	"github.com/heliolab/querysync/internal/querycache"
	"github.com/heliolab/querysync/internal/realtime"
)

// Coordinator is the slice of the scheduler the read path depends on.
type Coordinator interface {
	ReadThrough(ctx context.Context, kind, id, family string) (querycache.Entry, bool, error)
	TrackedCount() int
}

// Invalidator is the slice of the router the mutation webhook depends on.
type Invalidator interface {
	Invalidate(scopeID string, opts invalidation.Options)
	InvalidateKind(kind, reason string)
	PendingCount() int
}

// HealthSource exposes the estimator's latest channel verdict.
type HealthSource interface {
	Snapshot() realtime.HealthSnapshot
}

// Handler bundles the collaborators the HTTP surface routes between.
type Handler struct {
	coordinator Coordinator
	invalidator Invalidator
	health      HealthSource
	cache       querycache.QueryCache
	metrics     *metrics.Recorder
	skipped     []config.DefinitionSkip
	corrHeader  string
	logger      *slog.Logger
}

// NewHandler assembles the routing facade. The correlation header names the
// request id clients may supply; absent ones are generated.
func NewHandler(coordinator Coordinator, invalidator Invalidator, health HealthSource, cache querycache.QueryCache, rec *metrics.Recorder, skipped []config.DefinitionSkip, corrHeader string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if corrHeader == "" {
		corrHeader = "X-Request-ID"
	}
	h := &Handler{
		coordinator: coordinator,
		invalidator: invalidator,
		health:      health,
		cache:       cache,
		metrics:     rec,
		skipped:     skipped,
		corrHeader:  corrHeader,
		logger:      logger.With(slog.String("agent", "http_router")),
	}
	return h.withCorrelation(http.HandlerFunc(h.route))
}

// withCorrelation tags every request with a correlation id for log joins.
func (h *Handler) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(h.corrHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(h.corrHeader, requestID)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), requestID)))
	})
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	segments := strings.Split(path, "/")

	switch {
	case path == "healthz":
		h.serveHealth(w, r)
	case path == "invalidate":
		h.serveInvalidate(w, r)
	case len(segments) == 4 && segments[0] == "query":
		h.serveQuery(w, r, segments[1], segments[2], segments[3])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveQuery(w http.ResponseWriter, r *http.Request, kind, id, family string) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "query reads are GET only")
		return
	}
	if kind != config.KindShot && kind != config.KindProject {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown kind %q", kind))
		return
	}

	start := time.Now()
	entry, fromCache, err := h.coordinator.ReadThrough(r.Context(), kind, id, family)
	if err != nil {
		h.logger.Warn("query read failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("kind", kind),
			slog.String("family", family),
			slog.Any("error", err))
		status := http.StatusBadGateway
		msg := "upstream fetch failed"
		if isUnknownQuery(err) {
			status = http.StatusNotFound
			msg = fmt.Sprintf("no query serves %s/%s", kind, family)
		}
		h.metrics.ObserveQueryRead(family, "error", status, false, time.Since(start))
		h.writeError(w, status, msg)
		return
	}

	outcome := cacheHeader(fromCache, entry.Stale)
	h.metrics.ObserveQueryRead(family, outcome, http.StatusOK, fromCache, time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", outcome)
	w.WriteHeader(http.StatusOK)
	response := struct {
		Data      json.RawMessage `json:"data"`
		RowCount  int             `json:"rowCount"`
		FetchedAt time.Time       `json:"fetchedAt"`
		Stale     bool            `json:"stale"`
	}{
		Data:      entry.Data,
		RowCount:  entry.RowCount,
		FetchedAt: entry.FetchedAt,
		Stale:     entry.Stale,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Debug("query response write failed", slog.Any("error", err))
	}
	h.logger.Debug("query read served",
		slog.String("request_id", requestID(r.Context())),
		slog.String("kind", kind),
		slog.String("family", family),
		slog.Bool("from_cache", fromCache),
		slog.Duration("elapsed", time.Since(start)))
}

type invalidateRequest struct {
	ScopeID               string `json:"scopeId"`
	Scope                 string `json:"scope"`
	Reason                string `json:"reason"`
	DelayMs               int    `json:"delayMs"`
	IncludeShots          bool   `json:"includeShots"`
	ProjectID             string `json:"projectId"`
	IncludeProjectUnified bool   `json:"includeProjectUnified"`
	// Global requests the broad kind-prefix variant used when the affected
	// scope id is unknown.
	Global bool   `json:"global"`
	Kind   string `json:"kind"`
}

func (h *Handler) serveInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "invalidations are POST only")
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid invalidation payload")
		return
	}

	if req.Global {
		kind := req.Kind
		if kind == "" {
			kind = config.KindShot
		}
		h.invalidator.InvalidateKind(kind, req.Reason)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if req.ScopeID == "" && req.ProjectID == "" {
		h.writeError(w, http.StatusBadRequest, "scopeId or projectId required unless global")
		return
	}

	scope := invalidation.Scope(req.Scope)
	if req.Scope != "" && !scope.Valid() {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown scope %q", req.Scope))
		return
	}
	h.invalidator.Invalidate(req.ScopeID, invalidation.Options{
		Scope:                 scope,
		Reason:                req.Reason,
		Delay:                 time.Duration(req.DelayMs) * time.Millisecond,
		IncludeShots:          req.IncludeShots,
		ProjectID:             req.ProjectID,
		IncludeProjectUnified: req.IncludeProjectUnified,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "health checks are GET only")
		return
	}
	snapshot := h.health.Snapshot()
	size, err := h.cache.Size(r.Context())
	if err != nil {
		size = -1
	}
	response := struct {
		Status             string                  `json:"status"`
		Realtime           realtime.HealthSnapshot `json:"realtime"`
		CacheEntries       int64                   `json:"cacheEntries"`
		TrackedQueries     int                     `json:"trackedQueries"`
		PendingInvalidates int                     `json:"pendingInvalidates"`
		SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
	}{
		Status:             "ok",
		Realtime:           snapshot,
		CacheEntries:       size,
		TrackedQueries:     h.coordinator.TrackedCount(),
		PendingInvalidates: h.invalidator.PendingCount(),
		SkippedDefinitions: h.skipped,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Debug("health response write failed", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func cacheHeader(fromCache, stale bool) string {
	switch {
	case !fromCache:
		return "miss"
	case stale:
		return "stale"
	default:
		return "hit"
	}
}

func isUnknownQuery(err error) bool {
	return errors.Is(err, poller.ErrUnknownQuery)
}
