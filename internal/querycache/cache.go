// Package querycache stores the JSON result sets the scheduler keeps warm for
// downstream clients. Entries are marked stale rather than dropped wherever
// the backend allows it, so readers keep serving the previous rows while a
// refetch is in flight.
package querycache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one cached query result.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	RowCount  int             `json:"rowCount"`
	FetchedAt time.Time       `json:"fetchedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Stale     bool            `json:"stale"`
}

// Rows decodes the cached payload into the loosely-typed row list the
// activity predicates evaluate. Decode failures yield an empty list; a
// malformed payload must never escalate polling or crash a predicate.
func (e Entry) Rows() []any {
	if len(e.Data) == 0 {
		return nil
	}
	var rows []any
	if err := json.Unmarshal(e.Data, &rows); err != nil {
		return nil
	}
	return rows
}

// QueryCache is the storage contract shared by the memory and valkey backends.
type QueryCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	// MarkStale flags an existing entry as invalidated without discarding its
	// rows. Missing keys are a no-op: invalidating an entry that was never
	// fetched is not an error.
	MarkStale(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
