// Package store provides the tiered memory storage interface and SQLite implementation.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

// ListOptions filters and orders index listings.
type ListOptions struct {
	Category  string    // restrict through the category side-index
	Recent    bool      // newest first; default is insertion order
	Pending   bool      // only records no higher-tier record references
	OlderThan time.Time // zero means unbounded
	Limit     int       // 0 means no limit
}

// Store defines durable persistence for the three record kinds and their index.
type Store interface {
	// Save writes a record and its index entry atomically. Overwriting a
	// BaseMemory fails with a validation error; snapshots may be amended.
	// Refs of snapshots and meta-snapshots must exist.
	Save(ctx context.Context, rec model.Record) error

	// Load returns the record, or found=false when the id is absent.
	Load(ctx context.Context, kind model.Kind, id string) (rec model.Record, found bool, err error)

	// ListIDs lists ids of a kind.
	ListIDs(ctx context.Context, kind model.Kind, opts ListOptions) ([]string, error)

	// Entries lists index entries of a kind.
	Entries(ctx context.Context, kind model.Kind, opts ListOptions) ([]model.IndexEntry, error)

	// LoadAll loads every record of a kind matching opts.
	LoadAll(ctx context.Context, kind model.Kind, opts ListOptions) ([]model.Record, error)

	// Latest returns the newest entry of kind, restricted to category when non-empty.
	Latest(ctx context.Context, kind model.Kind, category string) (model.IndexEntry, bool, error)

	// Missing returns the ids in ids that are not indexed under kind.
	Missing(ctx context.Context, kind model.Kind, ids []string) ([]string, error)

	// Delete removes records and their index entries. Returns how many existed.
	Delete(ctx context.Context, kind model.Kind, ids ...string) (int, error)

	// ClearAll removes every record of every kind and the whole index.
	ClearAll(ctx context.Context) error

	// Close closes the store.
	Close() error
}

// Get loads a record and asserts its concrete type.
func Get[T model.Record](ctx context.Context, s Store, kind model.Kind, id string) (T, bool, error) {
	var zero T
	rec, found, err := s.Load(ctx, kind, id)
	if err != nil || !found {
		return zero, found, err
	}
	t, ok := rec.(T)
	if !ok {
		return zero, false, &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("record %s has type %T", id, rec)}
	}
	return t, true, nil
}

// All loads every record of a kind as its concrete type.
func All[T model.Record](ctx context.Context, s Store, kind model.Kind, opts ListOptions) ([]T, error) {
	recs, err := s.LoadAll(ctx, kind, opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out, nil
}
