package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/heliolab/querysync/internal/expr"
)

const inlineSourceName = "inline-config"

// QueryBundle captures the merged query definitions after loading every
// configured catalog source. The metadata lets the health endpoint explain
// what was loaded and why certain definitions were skipped.
type QueryBundle struct {
	Queries map[string]QueryConfig
	Sources []string
	Skipped []DefinitionSkip
}

type catalogDocument struct {
	Queries map[string]QueryConfig `koanf:"queries"`
}

type queryAggregator struct {
	queries map[string]QueryConfig
	sources map[string]string
	skips   map[string]*DefinitionSkip

	seen map[string]struct{}
}

func newQueryAggregator() *queryAggregator {
	return &queryAggregator{
		queries: make(map[string]QueryConfig),
		sources: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		seen:    make(map[string]struct{}),
	}
}

func (a *queryAggregator) addDocument(doc catalogDocument, source string) {
	if source != "" {
		a.seen[source] = struct{}{}
	}
	for name, cfg := range doc.Queries {
		a.addQuery(name, cfg, source)
	}
}

func (a *queryAggregator) addQuery(name string, cfg QueryConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.sources[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.sources, name)
		delete(a.queries, name)
		return
	}
	if err := cfg.Validate(); err != nil {
		a.recordSkip(name, fmt.Sprintf("invalid definition: %v", err), source)
		return
	}
	a.sources[name] = source
	a.queries[name] = cfg
}

// validateActivityExpressions quarantines definitions whose CEL predicate does
// not compile. A broken predicate loaded at runtime would silently disable
// fast polling for that family, so the loader surfaces it instead.
func (a *queryAggregator) validateActivityExpressions(env *expr.Environment) {
	for name, cfg := range a.queries {
		if cfg.Activity == "" {
			continue
		}
		if _, err := env.Compile(cfg.Activity); err != nil {
			source := a.sources[name]
			a.recordSkip(name, fmt.Sprintf("invalid activity expression: %v", err), source)
			delete(a.sources, name)
			delete(a.queries, name)
		}
	}
}

func (a *queryAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "query",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

func (a *queryAggregator) bundle() QueryBundle {
	queries := make(map[string]QueryConfig, len(a.queries))
	for name, cfg := range a.queries {
		queries[name] = cfg
	}
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Name < skipped[j].Name
	})
	sources := make([]string, 0, len(a.seen))
	for src := range a.seen {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return QueryBundle{Queries: queries, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildQueryBundle(ctx context.Context, inline map[string]QueryConfig, catalogCfg CatalogConfig) (QueryBundle, error) {
	agg := newQueryAggregator()
	if len(inline) > 0 {
		agg.addDocument(catalogDocument{Queries: inline}, inlineSourceName)
	}

	files, err := collectCatalogSources(ctx, catalogCfg)
	if err != nil {
		return QueryBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return QueryBundle{}, ctx.Err()
		default:
		}
		doc, err := loadCatalogDocument(path)
		if err != nil {
			return QueryBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return QueryBundle{}, err
	}
	agg.validateActivityExpressions(env)
	return agg.bundle(), nil
}

func collectCatalogSources(ctx context.Context, cfg CatalogConfig) ([]string, error) {
	var files []string
	if cfg.CatalogFile != "" {
		path, err := filepath.Abs(cfg.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("config: resolve catalog file: %w", err)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: catalog file %s: %w", cfg.CatalogFile, err)
		}
		files = append(files, path)
	}
	if cfg.CatalogFolder != "" {
		root, err := filepath.Abs(cfg.CatalogFolder)
		if err != nil {
			return nil, fmt.Errorf("config: resolve catalog folder: %w", err)
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if d.IsDir() {
				return nil
			}
			if isSupportedCatalogFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("config: walk catalog folder %s: %w", cfg.CatalogFolder, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func isSupportedCatalogFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	}
	return false
}

func loadCatalogDocument(path string) (catalogDocument, error) {
	k := koanf.New(".")
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = kjson.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return catalogDocument{}, fmt.Errorf("config: unsupported catalog file %s", path)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return catalogDocument{}, fmt.Errorf("config: load catalog %s: %w", path, err)
	}
	var doc catalogDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return catalogDocument{}, fmt.Errorf("config: unmarshal catalog %s: %w", path, err)
	}
	return doc, nil
}
