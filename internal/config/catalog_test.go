package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const shotImagesYAML = `queries:
  shot-images:
    kind: shot
    family: images
    urlTemplate: "{{ .BaseURL }}/shots/{{ .ScopeID }}/images"
`

func TestBuildQueryBundleFromFolder(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "images.yaml", shotImagesYAML)
	writeCatalog(t, dir, "counts.json", `{"queries":{"shot-counts":{"kind":"shot","family":"counts","urlTemplate":"{{ .BaseURL }}/shots/{{ .ScopeID }}/counts"}}}`)
	writeCatalog(t, dir, "shots.toml", "[queries.project-shots]\nkind = \"project\"\nfamily = \"shots\"\nurlTemplate = \"{{ .BaseURL }}/projects/{{ .ProjectID }}/shots\"\n")
	writeCatalog(t, dir, "notes.txt", "not a catalog")

	bundle, err := buildQueryBundle(context.Background(), nil, CatalogConfig{CatalogFolder: dir})
	require.NoError(t, err)

	require.Len(t, bundle.Queries, 3)
	require.Contains(t, bundle.Queries, "shot-images")
	require.Contains(t, bundle.Queries, "shot-counts")
	require.Contains(t, bundle.Queries, "project-shots")
	require.Len(t, bundle.Sources, 3, "the txt file is not a source")
	require.Empty(t, bundle.Skipped)
}

func TestBuildQueryBundleQuarantinesDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "a.yaml", shotImagesYAML)
	writeCatalog(t, dir, "b.yaml", shotImagesYAML)

	bundle, err := buildQueryBundle(context.Background(), nil, CatalogConfig{CatalogFolder: dir})
	require.NoError(t, err)

	require.NotContains(t, bundle.Queries, "shot-images", "both duplicates are dropped")
	require.Len(t, bundle.Skipped, 1)
	skip := bundle.Skipped[0]
	require.Equal(t, "shot-images", skip.Name)
	require.Contains(t, skip.Reason, "duplicate")
	require.Len(t, skip.Sources, 2)
}

func TestBuildQueryBundleQuarantinesInvalid(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "bad.yaml", `queries:
  no-url:
    kind: shot
    family: images
  bad-kind:
    kind: asset
    family: images
    urlTemplate: "{{ .BaseURL }}/x"
`)
	writeCatalog(t, dir, "good.yaml", shotImagesYAML)

	bundle, err := buildQueryBundle(context.Background(), nil, CatalogConfig{CatalogFolder: dir})
	require.NoError(t, err)

	require.Contains(t, bundle.Queries, "shot-images")
	require.Len(t, bundle.Skipped, 2)
	names := []string{bundle.Skipped[0].Name, bundle.Skipped[1].Name}
	require.ElementsMatch(t, []string{"no-url", "bad-kind"}, names)
}

func TestBuildQueryBundleQuarantinesBrokenActivity(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "activity.yaml", `queries:
  shot-unified:
    kind: shot
    family: unified
    urlTemplate: "{{ .BaseURL }}/shots/{{ .ScopeID }}/unified"
    activity: "rows.exists("
`)

	bundle, err := buildQueryBundle(context.Background(), nil, CatalogConfig{CatalogFolder: dir})
	require.NoError(t, err)

	require.Empty(t, bundle.Queries)
	require.Len(t, bundle.Skipped, 1)
	require.Contains(t, bundle.Skipped[0].Reason, "activity")
}

func TestBuildQueryBundleInlineBeatsNothing(t *testing.T) {
	inline := map[string]QueryConfig{
		"shot-metadata": {
			Kind:        KindShot,
			Family:      "metadata",
			URLTemplate: "{{ .BaseURL }}/shots/{{ .ScopeID }}",
		},
	}
	bundle, err := buildQueryBundle(context.Background(), inline, CatalogConfig{})
	require.NoError(t, err)
	require.Contains(t, bundle.Queries, "shot-metadata")
	require.Equal(t, []string{inlineSourceName}, bundle.Sources)
}

func TestBuildQueryBundleInlineConflictsWithCatalog(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "images.yaml", shotImagesYAML)
	inline := map[string]QueryConfig{
		"shot-images": {
			Kind:        KindShot,
			Family:      "images",
			URLTemplate: "{{ .BaseURL }}/other",
		},
	}

	bundle, err := buildQueryBundle(context.Background(), inline, CatalogConfig{CatalogFolder: dir})
	require.NoError(t, err)
	require.NotContains(t, bundle.Queries, "shot-images", "conflicting names are quarantined, not silently merged")
	require.Len(t, bundle.Skipped, 1)
}

func TestBuildQueryBundleSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "catalog.yaml", shotImagesYAML)

	bundle, err := buildQueryBundle(context.Background(), nil, CatalogConfig{CatalogFile: path})
	require.NoError(t, err)
	require.Contains(t, bundle.Queries, "shot-images")

	_, err = buildQueryBundle(context.Background(), nil, CatalogConfig{CatalogFile: filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)
}

func TestQueryConfigEntryTTL(t *testing.T) {
	require.Equal(t, 5*time.Minute, QueryConfig{}.EntryTTL(5*time.Minute))
	require.Equal(t, 30*time.Second, QueryConfig{TTL: "30s"}.EntryTTL(5*time.Minute))
	require.Equal(t, 5*time.Minute, QueryConfig{TTL: "-10s"}.EntryTTL(5*time.Minute))
}
