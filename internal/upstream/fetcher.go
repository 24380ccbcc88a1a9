// Package upstream executes catalog queries against the REST API that owns
// the data. It is responsible purely for HTTP execution and response capture;
// scheduling, caching, and invalidation live with its callers.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/heliolab/querysync/internal/config"
	"github.com/heliolab/querysync/internal/expr"
	"github.com/heliolab/querysync/internal/templates"
)

// ErrUpstreamStatus marks non-2xx upstream responses so callers can separate
// them from transport failures.
var ErrUpstreamStatus = errors.New("upstream: unexpected status")

// Bound the buffered response size; generation row sets are paginated well
// below this upstream.
const maxResponseBytes = 8 << 20

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Query is one compiled catalog definition, ready to execute repeatedly.
type Query struct {
	Name     string
	Kind     string
	Family   string
	TTL      time.Duration
	Activity expr.Predicate

	urlTmpl *templates.Template
	headers map[string]*templates.Template
}

// RenderContext is the data every catalog template renders against.
type RenderContext struct {
	BaseURL   string
	ScopeID   string
	ProjectID string
	Family    string
}

// CompileQuery turns a validated catalog definition into an executable query.
func CompileQuery(renderer *templates.Renderer, env *expr.Environment, name string, cfg config.QueryConfig, defaultTTL time.Duration) (Query, error) {
	urlTmpl, err := renderer.Compile(name+".url", cfg.URLTemplate)
	if err != nil {
		return Query{}, err
	}
	if urlTmpl == nil {
		return Query{}, fmt.Errorf("upstream: query %q has an empty url template", name)
	}
	headers := make(map[string]*templates.Template, len(cfg.Headers))
	for header, source := range cfg.Headers {
		tmpl, err := renderer.Compile(name+".header."+header, source)
		if err != nil {
			return Query{}, err
		}
		if tmpl != nil {
			headers[header] = tmpl
		}
	}
	predicate, err := env.Compile(cfg.Activity)
	if err != nil {
		return Query{}, err
	}
	return Query{
		Name:     name,
		Kind:     cfg.Kind,
		Family:   cfg.Family,
		TTL:      cfg.EntryTTL(defaultTTL),
		Activity: predicate,
		urlTmpl:  urlTmpl,
		headers:  headers,
	}, nil
}

// Result captures one successful fetch.
type Result struct {
	Rows         json.RawMessage
	RowCount     int
	CacheControl CacheControlDirective
}

// Fetcher executes compiled queries over HTTP.
type Fetcher struct {
	baseURL string
	client  httpDoer
	logger  *slog.Logger
}

// NewFetcher wires the fetcher to the upstream base URL. A nil client gets a
// default with the configured timeout.
func NewFetcher(cfg config.UpstreamConfig, client httpDoer, logger *slog.Logger) *Fetcher {
	if client == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("agent", "upstream_fetcher")),
	}
}

// Fetch renders and executes the query for one scope. The response must be a
// JSON array of rows; anything else is an error the scheduler retries on its
// next tick.
func (f *Fetcher) Fetch(ctx context.Context, q Query, scopeID string) (Result, error) {
	rc := RenderContext{
		BaseURL: f.baseURL,
		ScopeID: scopeID,
		Family:  q.Family,
	}
	if q.Kind == config.KindProject {
		rc.ProjectID = scopeID
	}

	rendered, err := q.urlTmpl.Render(rc)
	if err != nil {
		return Result{}, fmt.Errorf("upstream: render url for %q: %w", q.Name, err)
	}
	parsed, err := url.Parse(strings.TrimSpace(rendered))
	if err != nil {
		return Result{}, fmt.Errorf("upstream: query %q url: %w", q.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("upstream: build request for %q: %w", q.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	for header, tmpl := range q.headers {
		value, err := tmpl.Render(rc)
		if err != nil {
			return Result{}, fmt.Errorf("upstream: render header %s for %q: %w", header, q.Name, err)
		}
		req.Header.Set(header, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("upstream: execute %q: %w", q.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("upstream: read %q response: %w", q.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: query %q returned %d", ErrUpstreamStatus, q.Name, resp.StatusCode)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return Result{}, fmt.Errorf("upstream: decode %q rows: %w", q.Name, err)
	}

	return Result{
		Rows:         json.RawMessage(body),
		RowCount:     len(rows),
		CacheControl: ParseCacheControl(resp.Header.Get("Cache-Control")),
	}, nil
}
