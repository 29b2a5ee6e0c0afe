package store

import (
	"context"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Ref is a reference from a higher-tier record to a lower-tier one.
type Ref struct {
	FromID   string `json:"from_id"`
	ToID     string `json:"to_id"`
	Rel      string `json:"rel"` // summarizes | clusters
	Dangling bool   `json:"dangling,omitempty"`
}

// Refs returns the references held by fromID, flagging those whose target no longer exists.
func (s *SQLiteStore) Refs(ctx context.Context, fromID string) ([]Ref, error) {
	return s.queryRefs(ctx, `WHERE r.from_id = ?`, fromID)
}

// Referrers returns the records that reference id.
func (s *SQLiteStore) Referrers(ctx context.Context, id string) ([]Ref, error) {
	return s.queryRefs(ctx, `WHERE r.to_id = ?`, id)
}

func (s *SQLiteStore) queryRefs(ctx context.Context, where string, arg string) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.from_id, r.to_id, r.rel, i.id IS NULL
		 FROM record_refs r
		 LEFT JOIN record_index i ON i.id = r.to_id
		 `+where+` ORDER BY r.from_id, r.to_id`, arg)
	if err != nil {
		return nil, &model.StorageError{Op: "refs", Err: err}
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.FromID, &r.ToID, &r.Rel, &r.Dangling); err != nil {
			return nil, &model.StorageError{Op: "scan refs", Err: err}
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// PendingCounts returns, per category, how many records of kind no
// higher-tier record references yet.
func (s *SQLiteStore) PendingCounts(ctx context.Context, kind model.Kind) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.category, COUNT(*) FROM record_index i
		 WHERE i.kind = ? AND NOT EXISTS (SELECT 1 FROM record_refs rr WHERE rr.to_id = i.id)
		 GROUP BY i.category`, string(kind))
	if err != nil {
		return nil, &model.StorageError{Op: "pending counts", Err: err}
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, &model.StorageError{Op: "scan pending", Err: err}
		}
		counts[cat] = n
	}
	return counts, rows.Err()
}
