package store

import (
	"context"
	"os"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Stats holds database statistics.
type Stats struct {
	DBPath        string          `json:"db_path"`
	DBSizeBytes   int64           `json:"db_size_bytes"`
	Memories      int             `json:"memories"`
	Snapshots     int             `json:"snapshots"`
	MetaSnapshots int             `json:"meta_snapshots"`
	Pending       int             `json:"pending_memories"`
	Unclustered   int             `json:"unclustered_snapshots"`
	DanglingRefs  int             `json:"dangling_refs"`
	Passages      int             `json:"passages"`
	Categories    []CategoryStats `json:"categories"`
}

// CategoryStats holds per-category counts for one kind.
type CategoryStats struct {
	Category string     `json:"category"`
	Kind     model.Kind `json:"kind"`
	Count    int        `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	counts := []struct {
		dest  *int
		query string
	}{
		{&st.Memories, `SELECT COUNT(*) FROM record_index WHERE kind = 'memory'`},
		{&st.Snapshots, `SELECT COUNT(*) FROM record_index WHERE kind = 'snapshot'`},
		{&st.MetaSnapshots, `SELECT COUNT(*) FROM record_index WHERE kind = 'meta'`},
		{&st.Pending, `SELECT COUNT(*) FROM record_index i WHERE i.kind = 'memory'
			AND NOT EXISTS (SELECT 1 FROM record_refs rr WHERE rr.to_id = i.id)`},
		{&st.Unclustered, `SELECT COUNT(*) FROM record_index i WHERE i.kind = 'snapshot'
			AND NOT EXISTS (SELECT 1 FROM record_refs rr WHERE rr.to_id = i.id)`},
		{&st.DanglingRefs, `SELECT COUNT(*) FROM record_refs r
			WHERE NOT EXISTS (SELECT 1 FROM record_index i WHERE i.id = r.to_id)`},
		{&st.Passages, `SELECT COUNT(*) FROM chunks`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return st, &model.StorageError{Op: "stats", Err: err}
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, kind, COUNT(*) AS cnt
		FROM categories GROUP BY category, kind ORDER BY kind, cnt DESC, category`)
	if err != nil {
		return st, &model.StorageError{Op: "stats", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var c CategoryStats
		var kind string
		if err := rows.Scan(&c.Category, &kind, &c.Count); err != nil {
			return st, &model.StorageError{Op: "stats", Err: err}
		}
		c.Kind = model.Kind(kind)
		st.Categories = append(st.Categories, c)
	}

	return st, rows.Err()
}
