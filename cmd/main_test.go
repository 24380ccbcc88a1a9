package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/heliolab/querysync/internal/config"
	"github.com/heliolab/querysync/internal/invalidation"
	"github.com/heliolab/querysync/internal/querycache"
	"github.com/heliolab/querysync/internal/realtime"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildQueryCache(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.CacheConfig
		verify func(t *testing.T, cache querycache.QueryCache)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{TTLSeconds: 1}
			},
			verify: func(t *testing.T, cache querycache.QueryCache) {
				require.NotNil(t, cache, "expected cache to be constructed")
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "memcached", TTLSeconds: 1}
			},
			verify: func(t *testing.T, cache querycache.QueryCache) {
				ctx := context.Background()
				require.NoError(t, cache.Store(ctx, "fallback:test", cacheEntry()))
				_, ok, err := cache.Lookup(ctx, "fallback:test")
				require.NoError(t, err)
				require.True(t, ok, "expected lookup to succeed")
			},
		},
		{
			name: "constructs valkey cache",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Backend:    "valkey",
					TTLSeconds: 1,
					Valkey: config.ValkeyCacheConfig{
						Address: server.Addr(),
					},
				}
			},
			verify: func(t *testing.T, cache querycache.QueryCache) {
				ctx := context.Background()
				require.NoError(t, cache.Store(ctx, "valkey:test", cacheEntry()))
				_, ok, err := cache.Lookup(ctx, "valkey:test")
				require.NoError(t, err)
				require.True(t, ok, "expected lookup to succeed")
			},
		},
		{
			name: "unreachable valkey falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend:    "valkey",
					TTLSeconds: 1,
					Valkey: config.ValkeyCacheConfig{
						Address: "127.0.0.1:1",
					},
				}
			},
			verify: func(t *testing.T, cache querycache.QueryCache) {
				ctx := context.Background()
				require.NoError(t, cache.Store(ctx, "degraded:test", cacheEntry()))
				_, ok, err := cache.Lookup(ctx, "degraded:test")
				require.NoError(t, err)
				require.True(t, ok, "expected lookup to succeed")
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			cache := buildQueryCache(newTestLogger(), cfg)
			t.Cleanup(func() {
				require.NoError(t, cache.Close(context.Background()))
			})

			tc.verify(t, cache)
		})
	}
}

func cacheEntry() querycache.Entry {
	now := time.Now().UTC()
	return querycache.Entry{
		Data:      json.RawMessage(`[{"status":"Queued"}]`),
		RowCount:  1,
		FetchedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func TestScopeForTable(t *testing.T) {
	tests := []struct {
		table string
		want  invalidation.Scope
	}{
		{table: "generations", want: invalidation.ScopeImages},
		{table: "variants", want: invalidation.ScopeImages},
		{table: "tasks", want: invalidation.ScopeUnified},
		{table: "shots", want: invalidation.ScopeMetadata},
		{table: "projects", want: invalidation.ScopeMetadata},
		{table: "comments", want: invalidation.ScopeAll},
		{table: "", want: invalidation.ScopeAll},
	}

	for _, tc := range tests {
		t.Run("table "+tc.table, func(t *testing.T) {
			require.Equal(t, tc.want, scopeForTable(tc.table))
		})
	}
}

func TestRouteEventInvalidatesShotFamilies(t *testing.T) {
	cache := querycache.NewMemory(time.Minute)
	keys := querycache.NewKeyBuilder(1, "salt")
	router := invalidation.NewRouter(cache, keys, newTestLogger(), nil)
	defer router.Close()

	ctx := context.Background()
	unifiedKey := keys.Key(querycache.KindShot, "s1", querycache.FamilyUnified)
	imagesKey := keys.Key(querycache.KindShot, "s1", querycache.FamilyImages)
	require.NoError(t, cache.Store(ctx, unifiedKey, cacheEntry()))
	require.NoError(t, cache.Store(ctx, imagesKey, cacheEntry()))

	routeEvent(router, realtime.Event{
		Table:  "tasks",
		Type:   "UPDATE",
		Record: map[string]any{"shot_id": "s1"},
	})

	require.Eventually(t, func() bool {
		entry, ok, err := cache.Lookup(ctx, unifiedKey)
		return err == nil && ok && entry.Stale
	}, 2*time.Second, 10*time.Millisecond, "expected unified family to go stale")

	entry, ok, err := cache.Lookup(ctx, imagesKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, entry.Stale, "images family is outside the tasks scope")
}

func TestRouteEventTouchesProjectRollups(t *testing.T) {
	cache := querycache.NewMemory(time.Minute)
	keys := querycache.NewKeyBuilder(1, "salt")
	router := invalidation.NewRouter(cache, keys, newTestLogger(), nil)
	defer router.Close()

	ctx := context.Background()
	metadataKey := keys.Key(querycache.KindShot, "s2", querycache.FamilyMetadata)
	shotsKey := keys.Key(querycache.KindProject, "p1", querycache.FamilyShots)
	rollupKey := keys.Key(querycache.KindProject, "p1", querycache.FamilyProjectUnified)
	require.NoError(t, cache.Store(ctx, metadataKey, cacheEntry()))
	require.NoError(t, cache.Store(ctx, shotsKey, cacheEntry()))
	require.NoError(t, cache.Store(ctx, rollupKey, cacheEntry()))

	routeEvent(router, realtime.Event{
		Table:  "shots",
		Type:   "UPDATE",
		Record: map[string]any{"id": "s2", "project_id": "p1"},
	})

	for _, key := range []string{metadataKey, shotsKey, rollupKey} {
		key := key
		require.Eventually(t, func() bool {
			entry, ok, err := cache.Lookup(ctx, key)
			return err == nil && ok && entry.Stale
		}, 2*time.Second, 10*time.Millisecond, "expected %s to go stale", key)
	}
}

func TestRouteEventProjectOnly(t *testing.T) {
	cache := querycache.NewMemory(time.Minute)
	keys := querycache.NewKeyBuilder(1, "salt")
	router := invalidation.NewRouter(cache, keys, newTestLogger(), nil)
	defer router.Close()

	ctx := context.Background()
	rollupKey := keys.Key(querycache.KindProject, "p9", querycache.FamilyProjectUnified)
	require.NoError(t, cache.Store(ctx, rollupKey, cacheEntry()))

	routeEvent(router, realtime.Event{
		Table:  "projects",
		Type:   "UPDATE",
		Record: map[string]any{"id": "p9"},
	})

	require.Eventually(t, func() bool {
		entry, ok, err := cache.Lookup(ctx, rollupKey)
		return err == nil && ok && entry.Stale
	}, 2*time.Second, 10*time.Millisecond, "expected project rollup to go stale")
}

func TestRouteEventIgnoresAnonymousChanges(t *testing.T) {
	cache := querycache.NewMemory(time.Minute)
	keys := querycache.NewKeyBuilder(1, "salt")
	router := invalidation.NewRouter(cache, keys, newTestLogger(), nil)
	defer router.Close()

	routeEvent(router, realtime.Event{
		Table:  "tasks",
		Type:   "INSERT",
		Record: map[string]any{"status": "Queued"},
	})

	require.Zero(t, router.PendingCount(), "expected no pending invalidation for an event naming no scope")
}
