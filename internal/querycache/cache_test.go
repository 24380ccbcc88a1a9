package querycache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func sampleEntry(ttl time.Duration) Entry {
	now := time.Now().UTC()
	return Entry{
		Data:      json.RawMessage(`[{"id":"t1","status":"Queued"}]`),
		RowCount:  1,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestMemoryStoreLookup(t *testing.T) {
	cache := NewMemory(time.Minute)
	ctx := context.Background()

	entry := sampleEntry(time.Minute)
	if err := cache.Store(ctx, "qs:1:a:shot:s1:images", entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := cache.Lookup(ctx, "qs:1:a:shot:s1:images")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.RowCount != 1 || got.Stale {
		t.Fatalf("unexpected entry: %#v", got)
	}

	// The returned entry is a copy; mutating it cannot poison the cache.
	got.Data[0] = 'X'
	again, _, err := cache.Lookup(ctx, "qs:1:a:shot:s1:images")
	if err != nil {
		t.Fatalf("lookup again: %v", err)
	}
	if again.Data[0] != '[' {
		t.Fatalf("cached payload was mutated through the returned copy")
	}

	size, err := cache.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}
	if err := cache.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	cache := NewMemory(time.Minute)
	ctx := context.Background()

	if err := cache.Store(ctx, "key", sampleEntry(10*time.Millisecond)); err != nil {
		t.Fatalf("store: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err := cache.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryMarkStaleKeepsRows(t *testing.T) {
	cache := NewMemory(time.Minute)
	ctx := context.Background()

	if err := cache.Store(ctx, "key", sampleEntry(time.Minute)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := cache.MarkStale(ctx, "key"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	got, ok, err := cache.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("stale entries must stay readable")
	}
	if !got.Stale {
		t.Fatalf("expected stale flag")
	}
	if len(got.Rows()) != 1 {
		t.Fatalf("stale entry lost its rows: %#v", got)
	}

	// Missing keys are a no-op, not an error.
	if err := cache.MarkStale(ctx, "never-stored"); err != nil {
		t.Fatalf("mark stale on missing key: %v", err)
	}
}

func TestMemoryDeletePrefix(t *testing.T) {
	cache := NewMemory(time.Minute)
	ctx := context.Background()

	for _, key := range []string{"qs:1:a:shot:s1:images", "qs:1:a:shot:s1:counts", "qs:1:a:shot:s2:images"} {
		if err := cache.Store(ctx, key, sampleEntry(time.Minute)); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}
	if err := cache.DeletePrefix(ctx, "qs:1:a:shot:s1:"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if _, ok, _ := cache.Lookup(ctx, "qs:1:a:shot:s1:images"); ok {
		t.Fatalf("expected s1 images to be gone")
	}
	if _, ok, _ := cache.Lookup(ctx, "qs:1:a:shot:s2:images"); !ok {
		t.Fatalf("expected s2 images to survive")
	}

	// An empty prefix must never wipe the cache.
	if err := cache.DeletePrefix(ctx, ""); err != nil {
		t.Fatalf("delete empty prefix: %v", err)
	}
	if size, _ := cache.Size(ctx); size != 1 {
		t.Fatalf("empty prefix deleted entries, size %d", size)
	}
}

func TestEntryRows(t *testing.T) {
	entry := Entry{Data: json.RawMessage(`[{"status":"Queued"},{"status":"Complete"}]`)}
	if got := len(entry.Rows()); got != 2 {
		t.Fatalf("expected 2 rows, got %d", got)
	}
	if rows := (Entry{}).Rows(); rows != nil {
		t.Fatalf("empty payload should yield nil rows")
	}
	malformed := Entry{Data: json.RawMessage(`{"not":"an array"}`)}
	if rows := malformed.Rows(); rows != nil {
		t.Fatalf("malformed payload should yield nil rows, got %#v", rows)
	}
}

func TestValkeyStoreLookup(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	cache, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	ctx := context.Background()
	defer cache.Close(ctx)

	entry := sampleEntry(500 * time.Millisecond)
	if err := cache.Store(ctx, "qs:1:a:shot:s1:images", entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := cache.Lookup(ctx, "qs:1:a:shot:s1:images")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.RowCount != 1 || len(got.Rows()) != 1 {
		t.Fatalf("unexpected entry: %#v", got)
	}

	server.FastForward(time.Second)
	_, ok, err = cache.Lookup(ctx, "qs:1:a:shot:s1:images")
	if err != nil {
		t.Fatalf("lookup after ttl: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestValkeyMarkStalePreservesTTL(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	cache, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	ctx := context.Background()
	defer cache.Close(ctx)

	if err := cache.Store(ctx, "key", sampleEntry(time.Minute)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := cache.MarkStale(ctx, "key"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	got, ok, err := cache.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok || !got.Stale {
		t.Fatalf("expected stale entry, got ok=%v entry=%#v", ok, got)
	}
	if ttl := server.TTL("key"); ttl <= 0 {
		t.Fatalf("mark stale dropped the ttl")
	}

	if err := cache.MarkStale(ctx, "missing"); err != nil {
		t.Fatalf("mark stale on missing key: %v", err)
	}
}

func TestValkeyDeletePrefixAndSize(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	cache, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	ctx := context.Background()
	defer cache.Close(ctx)

	for _, key := range []string{"qs:1:a:shot:s1:images", "qs:1:a:shot:s1:counts", "qs:2:a:shot:s1:images"} {
		if err := cache.Store(ctx, key, sampleEntry(time.Minute)); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}
	size, err := cache.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 3 {
		t.Fatalf("expected 3 entries, got %d", size)
	}

	if err := cache.DeletePrefix(ctx, "qs:1:"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if _, ok, _ := cache.Lookup(ctx, "qs:1:a:shot:s1:images"); ok {
		t.Fatalf("expected epoch 1 entries to be gone")
	}
	if _, ok, _ := cache.Lookup(ctx, "qs:2:a:shot:s1:images"); !ok {
		t.Fatalf("expected epoch 2 entry to survive")
	}
}

func TestValkeyRequiresAddress(t *testing.T) {
	if _, err := NewValkey(ValkeyConfig{}); err == nil {
		t.Fatalf("expected error for missing address")
	}
}
