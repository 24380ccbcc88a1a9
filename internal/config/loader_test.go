package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8090, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Server.Cache.Backend)
				require.Equal(t, 7000, cfg.Server.Polling.FastMs)
				require.Equal(t, 60, cfg.Server.Polling.WatchWindowSeconds)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n  polling:\n    fastMs: 5000\n"), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 5000, cfg.Server.Polling.FastMs)
				require.Equal(t, 45000, cfg.Server.Polling.ResurrectionMs, "untouched defaults survive the merge")
			},
		},
		{
			name: "env overrides file",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("QUERYSYNC_SERVER__LISTEN__PORT", "9999")
				t.Setenv("QUERYSYNC_SERVER__POLLING__FASTMS", "6000")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9999, cfg.Server.Listen.Port)
				require.Equal(t, 6000, cfg.Server.Polling.FastMs)
			},
		},
		{
			name: "missing file fails",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent.yaml")}
			},
			wantErr: true,
		},
		{
			name: "unordered polling ladder fails validation",
			setup: func(t *testing.T) []string {
				t.Setenv("QUERYSYNC_SERVER__POLLING__FASTMS", "90000")
				return nil
			},
			wantErr: true,
		},
		{
			name: "unsupported cache backend fails",
			setup: func(t *testing.T) []string {
				t.Setenv("QUERYSYNC_SERVER__CACHE__BACKEND", "memcached")
				return nil
			},
			wantErr: true,
		},
		{
			name: "inline queries are loaded and sourced",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				content := `queries:
  shot-images:
    kind: shot
    family: images
    urlTemplate: "{{ .BaseURL }}/shots/{{ .ScopeID }}/images"
`
				require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Queries, "shot-images")
				require.Equal(t, KindShot, cfg.Queries["shot-images"].Kind)
				require.Contains(t, cfg.QuerySources, "inline-config")
				require.Empty(t, cfg.SkippedDefinitions)
			},
		},
		{
			name: "invalid inline query fails load",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				content := `queries:
  broken:
    kind: shot
    family: images
`
				require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			loader := NewLoader("QUERYSYNC", files...)
			cfg, err := loader.Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestLoaderCatalogTTLEnv(t *testing.T) {
	t.Setenv("QUERYSYNC_SERVER__CACHE__TTLSECONDS", "120")
	t.Setenv("QUERYSYNC_SERVER__CACHE__KEYSALT", "blue")
	loader := NewLoader("QUERYSYNC")
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 120, cfg.Server.Cache.TTLSeconds)
	require.Equal(t, "blue", cfg.Server.Cache.KeySalt)
}
