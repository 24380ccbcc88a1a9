package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heliolab/querysync/internal/querycache"
)

// Config holds every server-level option plus the query catalog once the
// configured sources are loaded.
type Config struct {
	Server  ServerConfig           `koanf:"server"`
	Queries map[string]QueryConfig `koanf:"queries"`

	InlineQueries map[string]QueryConfig `koanf:"-"`

	// QuerySources records which files contributed query definitions once the
	// loader resolves the configured catalog. It is excluded from koanf so the
	// value only reflects runtime discovery rather than static input documents.
	QuerySources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid query
	// definitions the loader intentionally disabled. The health endpoint can
	// surface these without re-parsing raw files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Cache    CacheConfig    `koanf:"cache"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Polling  PollingConfig  `koanf:"polling"`
	Catalog  CatalogConfig  `koanf:"catalog"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CacheConfig selects and tunes the query-result cache backend.
type CacheConfig struct {
	Backend    string            `koanf:"backend"`
	TTLSeconds int               `koanf:"ttlSeconds"`
	KeySalt    string            `koanf:"keySalt"`
	Epoch      int               `koanf:"epoch"`
	Valkey     ValkeyCacheConfig `koanf:"valkey"`
}

// ValkeyCacheConfig carries connection settings for the shared valkey backend.
type ValkeyCacheConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// UpstreamConfig points the fetcher at the REST API that owns the data.
type UpstreamConfig struct {
	BaseURL        string   `koanf:"baseUrl"`
	TimeoutSeconds int      `koanf:"timeoutSeconds"`
	AllowedEnv     []string `koanf:"allowedEnv"`
}

// RealtimeConfig describes the push channel the estimator observes.
type RealtimeConfig struct {
	URL                string   `koanf:"url"`
	APIKeyEnv          string   `koanf:"apiKeyEnv"`
	Topics             []string `koanf:"topics"`
	HeartbeatSeconds   int      `koanf:"heartbeatSeconds"`
	EventWindowSeconds int      `koanf:"eventWindowSeconds"`
}

// PollingConfig holds the base intervals consumed by the selector plus the
// scheduler's idle recheck cadence. Durations are milliseconds to match the
// invalidation API's delayMs vocabulary.
type PollingConfig struct {
	FastMs             int `koanf:"fastMs"`
	ResurrectionMs     int `koanf:"resurrectionMs"`
	InitialMs          int `koanf:"initialMs"`
	StaleThresholdMs   int `koanf:"staleThresholdMs"`
	IdleRecheckMs      int `koanf:"idleRecheckMs"`
	WatchWindowSeconds int `koanf:"watchWindowSeconds"`
}

// CatalogConfig announces how query definition documents are sourced.
type CatalogConfig struct {
	CatalogFile   string `koanf:"catalogFile"`
	CatalogFolder string `koanf:"catalogFolder"`
}

// QueryConfig defines one named query family: how to fetch it from the
// upstream REST API and how to judge whether its rows show recent activity.
type QueryConfig struct {
	Kind        string            `koanf:"kind"`
	Family      string            `koanf:"family"`
	Description string            `koanf:"description"`
	URLTemplate string            `koanf:"urlTemplate"`
	Headers     map[string]string `koanf:"headers"`
	Activity    string            `koanf:"activity"`
	TTL         string            `koanf:"ttl"`
}

// DefinitionSkip describes a query definition the loader intentionally ignored
// because it violated invariants (for example duplicate names across files).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Query kinds accepted by the catalog. Shot queries are keyed by shot UUID,
// project queries by project UUID. The cache layer owns the canonical names.
const (
	KindShot    = querycache.KindShot
	KindProject = querycache.KindProject
)

// DefaultConfig returns the documented defaults. Interval values mirror the
// tuning observed in production; they are empirical, not derived.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8090,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: CacheConfig{
				Backend:    "memory",
				TTLSeconds: 300,
			},
			Upstream: UpstreamConfig{
				TimeoutSeconds: 15,
			},
			Realtime: RealtimeConfig{
				HeartbeatSeconds:   30,
				EventWindowSeconds: 30,
			},
			Polling: PollingConfig{
				FastMs:             7000,
				ResurrectionMs:     45000,
				InitialMs:          60000,
				StaleThresholdMs:   60000,
				IdleRecheckMs:      15000,
				WatchWindowSeconds: 60,
			},
		},
	}
}

// Validate rejects configurations that would leave the scheduler or the
// estimator without a coherent interval ladder.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	switch strings.ToLower(c.Server.Cache.Backend) {
	case "", "memory", "valkey":
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Server.Cache.Backend)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return errors.New("config: cache ttlSeconds must not be negative")
	}
	if err := c.Server.Polling.Validate(); err != nil {
		return err
	}
	for name, q := range c.Queries {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("config: query %q: %w", name, err)
		}
	}
	return nil
}

// Validate enforces the interval ordering the selector assumes but never
// checks itself: fast < resurrection < initial, staleness threshold positive.
func (p PollingConfig) Validate() error {
	if p.FastMs <= 0 || p.ResurrectionMs <= 0 || p.InitialMs <= 0 {
		return errors.New("config: polling intervals must be positive")
	}
	if p.FastMs >= p.ResurrectionMs {
		return fmt.Errorf("config: polling fastMs (%d) must be below resurrectionMs (%d)", p.FastMs, p.ResurrectionMs)
	}
	if p.ResurrectionMs >= p.InitialMs {
		return fmt.Errorf("config: polling resurrectionMs (%d) must be below initialMs (%d)", p.ResurrectionMs, p.InitialMs)
	}
	if p.StaleThresholdMs <= 0 {
		return errors.New("config: polling staleThresholdMs must be positive")
	}
	return nil
}

// Validate checks the parts of a query definition the loader cannot default.
func (q QueryConfig) Validate() error {
	switch q.Kind {
	case KindShot, KindProject:
	default:
		return fmt.Errorf("unsupported kind %q", q.Kind)
	}
	if strings.TrimSpace(q.Family) == "" {
		return errors.New("family required")
	}
	if strings.TrimSpace(q.URLTemplate) == "" {
		return errors.New("urlTemplate required")
	}
	if q.TTL != "" {
		if _, err := time.ParseDuration(q.TTL); err != nil {
			return fmt.Errorf("invalid ttl %q: %w", q.TTL, err)
		}
	}
	return nil
}

// EntryTTL resolves the per-query TTL ceiling, falling back to the given
// server default when the definition does not set one.
func (q QueryConfig) EntryTTL(fallback time.Duration) time.Duration {
	if q.TTL == "" {
		return fallback
	}
	d, err := time.ParseDuration(q.TTL)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func cloneQueryMap(in map[string]QueryConfig) map[string]QueryConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]QueryConfig, len(in))
	for name, cfg := range in {
		if cfg.Headers != nil {
			headers := make(map[string]string, len(cfg.Headers))
			for k, v := range cfg.Headers {
				headers[k] = v
			}
			cfg.Headers = headers
		}
		out[name] = cfg
	}
	return out
}
