package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/rcliao/tiered-memory/internal/chunker"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
)

// SQLiteStore implements Store using SQLite.
//
// All index mutations go through writeMu. Readers use their own connections
// and, with WAL, see the last committed state without blocking writers.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &model.StorageError{Op: "create db dir", Err: err}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, &model.StorageError{Op: "open db", Err: err}
	}

	s := &SQLiteStore{
		db:     db,
		path:   dbPath,
		logger: slog.Default().With("component", "store"),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, &model.StorageError{Op: "migrate", Err: err}
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		kind    TEXT NOT NULL,
		id      TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE TABLE IF NOT EXISTS record_index (
		id        TEXT PRIMARY KEY,
		kind      TEXT NOT NULL,
		path      TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		category  TEXT NOT NULL DEFAULT '',
		seq       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_index_kind_seq ON record_index(kind, seq);
	CREATE INDEX IF NOT EXISTS idx_index_kind_ts ON record_index(kind, timestamp DESC);

	CREATE TABLE IF NOT EXISTS categories (
		category TEXT NOT NULL,
		kind     TEXT NOT NULL,
		id       TEXT NOT NULL,
		PRIMARY KEY (category, kind, id)
	);
	CREATE INDEX IF NOT EXISTS idx_categories_id ON categories(id);

	CREATE TABLE IF NOT EXISTS record_refs (
		from_id TEXT NOT NULL,
		to_id   TEXT NOT NULL,
		rel     TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id)
	);
	CREATE INDEX IF NOT EXISTS idx_refs_to ON record_refs(to_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id         TEXT PRIMARY KEY,
		memory_id  TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		text       TEXT NOT NULL,
		speaker    TEXT NOT NULL DEFAULT '',
		start_line INTEGER,
		end_line   INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_memory ON chunks(memory_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		text,
		content=chunks,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers keep chunks_fts in sync with chunks
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.rowid, old.text);
		END`,
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec model.Record) error {
	return s.save(ctx, rec, true)
}

// save writes rec inside one transaction. checkRefs=false is used by Import,
// where dumped snapshots may legitimately carry dangling refs.
func (s *SQLiteStore) save(ctx context.Context, rec model.Record, checkRefs bool) (err error) {
	kind := rec.RecordKind()
	defer func() { metrics.ObserveStoreOp("save", string(kind), err) }()

	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return &model.ValidationError{Field: "payload", Reason: err.Error()}
	}
	id := rec.RecordID()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.StorageError{Op: "begin save", Err: err}
	}
	defer tx.Rollback()

	var existingKind string
	err = tx.QueryRowContext(ctx, `SELECT kind FROM record_index WHERE id = ?`, id).Scan(&existingKind)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &model.StorageError{Op: "lookup " + id, Err: err}
	}
	if exists {
		if kind == model.KindMemory {
			return &model.ValidationError{Field: "id", Reason: fmt.Sprintf("memory %s already exists and is immutable", id)}
		}
		if model.Kind(existingKind) != kind {
			return &model.ValidationError{Field: "id", Reason: fmt.Sprintf("%s is indexed as %s", id, existingKind)}
		}
	}

	refs := dedupe(rec.References())
	if checkRefs && len(refs) > 0 {
		missing, err := missingRefs(ctx, tx, id, kind.RefKind(), refs)
		if err != nil {
			return &model.StorageError{Op: "check refs", Err: err}
		}
		if len(missing) > 0 {
			return &model.ReferentialIntegrityError{Kind: kind.RefKind(), Missing: missing}
		}
	}

	ts := rec.RecordTime().String()
	category := rec.RecordCategory()

	if exists {
		stmts := []struct {
			q    string
			args []any
		}{
			{`UPDATE records SET payload = ? WHERE kind = ? AND id = ?`, []any{string(payload), string(kind), id}},
			{`UPDATE record_index SET timestamp = ?, category = ? WHERE id = ?`, []any{ts, category, id}},
			{`DELETE FROM categories WHERE id = ?`, []any{id}},
			{`DELETE FROM record_refs WHERE from_id = ?`, []any{id}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
				return &model.StorageError{Op: "update " + id, Err: err}
			}
		}
	} else {
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM record_index`).Scan(&seq); err != nil {
			return &model.StorageError{Op: "next seq", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (kind, id, payload) VALUES (?, ?, ?)`,
			string(kind), id, string(payload)); err != nil {
			return &model.StorageError{Op: "insert record " + id, Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_index (id, kind, path, timestamp, category, seq) VALUES (?, ?, ?, ?, ?, ?)`,
			id, string(kind), locationOf(kind, id), ts, category, seq); err != nil {
			return &model.StorageError{Op: "insert index " + id, Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO categories (category, kind, id) VALUES (?, ?, ?)`,
		category, string(kind), id); err != nil {
		return &model.StorageError{Op: "index category", Err: err}
	}

	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_refs (from_id, to_id, rel) VALUES (?, ?, ?)`,
			id, ref, kind.RefRel()); err != nil {
			return &model.StorageError{Op: "insert ref", Err: err}
		}
	}

	if mem, ok := rec.(*model.BaseMemory); ok {
		for i, p := range chunker.Split(mem.Content, chunker.DefaultOptions()) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunks (id, memory_id, seq, text, speaker, start_line, end_line)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				fmt.Sprintf("%s#%d", id, i), id, i, p.Text, p.Speaker, p.StartLine, p.EndLine); err != nil {
				return &model.StorageError{Op: "insert chunk", Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &model.StorageError{Op: "commit save", Err: err}
	}
	s.logger.Debug("saved record", "kind", kind, "id", id, "category", category, "amended", exists)
	return nil
}

// missingRefs returns refs not indexed under refKind. When amending, refs the
// record already held are not re-checked, so dangling refs may be carried forward.
func missingRefs(ctx context.Context, tx *sql.Tx, fromID string, refKind model.Kind, refs []string) ([]string, error) {
	var missing []string
	for _, ref := range refs {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT (SELECT COUNT(*) FROM record_index WHERE id = ? AND kind = ?)
			      + (SELECT COUNT(*) FROM record_refs WHERE from_id = ? AND to_id = ?)`,
			ref, string(refKind), fromID, ref).Scan(&n)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

func (s *SQLiteStore) Load(ctx context.Context, kind model.Kind, id string) (model.Record, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT r.payload FROM records r
		 INNER JOIN record_index i ON i.id = r.id AND i.kind = r.kind
		 WHERE r.kind = ? AND r.id = ?`, string(kind), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &model.StorageError{Op: "load " + id, Err: err}
	}
	rec, err := decodeRecord(kind, payload)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// GetMemory loads a BaseMemory by id.
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*model.BaseMemory, bool, error) {
	return Get[*model.BaseMemory](ctx, s, model.KindMemory, id)
}

// GetSnapshot loads a MemorySnapshot by id.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.MemorySnapshot, bool, error) {
	return Get[*model.MemorySnapshot](ctx, s, model.KindSnapshot, id)
}

// GetMetaSnapshot loads a MetaSnapshot by id.
func (s *SQLiteStore) GetMetaSnapshot(ctx context.Context, id string) (*model.MetaSnapshot, bool, error) {
	return Get[*model.MetaSnapshot](ctx, s, model.KindMeta, id)
}

func decodeRecord(kind model.Kind, payload string) (model.Record, error) {
	rec, err := model.NewRecord(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), rec); err != nil {
		return nil, &model.ValidationError{Field: "payload", Reason: fmt.Sprintf("malformed %s record: %v", kind, err)}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// listQuery builds the SELECT over record_index for kind and opts.
func listQuery(cols string, kind model.Kind, opts ListOptions) (string, []any) {
	where := []string{"i.kind = ?"}
	args := []any{string(kind)}

	if opts.Category != "" {
		where = append(where, "i.id IN (SELECT id FROM categories WHERE category = ? AND kind = ?)")
		args = append(args, opts.Category, string(kind))
	}
	if opts.Pending {
		where = append(where, "NOT EXISTS (SELECT 1 FROM record_refs rr WHERE rr.to_id = i.id)")
	}
	if !opts.OlderThan.IsZero() {
		where = append(where, "i.timestamp < ?")
		args = append(args, model.NewTimestamp(opts.OlderThan).String())
	}

	order := "i.seq ASC"
	if opts.Recent {
		order = "i.timestamp DESC, i.seq DESC"
	}

	q := fmt.Sprintf(`SELECT %s FROM record_index i
		INNER JOIN records r ON r.id = i.id AND r.kind = i.kind
		WHERE %s ORDER BY %s`, cols, strings.Join(where, " AND "), order)
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return q, args
}

func (s *SQLiteStore) Entries(ctx context.Context, kind model.Kind, opts ListOptions) ([]model.IndexEntry, error) {
	q, args := listQuery("i.id, i.kind, i.path, i.timestamp, i.category", kind, opts)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &model.StorageError{Op: "list " + string(kind), Err: err}
	}
	defer rows.Close()

	var entries []model.IndexEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageError{Op: "list " + string(kind), Err: err}
	}
	return entries, nil
}

func (s *SQLiteStore) ListIDs(ctx context.Context, kind model.Kind, opts ListOptions) ([]string, error) {
	entries, err := s.Entries(ctx, kind, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context, kind model.Kind, opts ListOptions) ([]model.Record, error) {
	q, args := listQuery("r.payload", kind, opts)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &model.StorageError{Op: "load all " + string(kind), Err: err}
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &model.StorageError{Op: "scan " + string(kind), Err: err}
		}
		rec, err := decodeRecord(kind, payload)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageError{Op: "load all " + string(kind), Err: err}
	}
	return recs, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, kind model.Kind, category string) (model.IndexEntry, bool, error) {
	entries, err := s.Entries(ctx, kind, ListOptions{Category: category, Recent: true, Limit: 1})
	if err != nil || len(entries) == 0 {
		return model.IndexEntry{}, false, err
	}
	return entries[0], true, nil
}

func (s *SQLiteStore) Missing(ctx context.Context, kind model.Kind, ids []string) ([]string, error) {
	var missing []string
	for _, id := range dedupe(ids) {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM record_index WHERE id = ? AND kind = ?`, id, string(kind)).Scan(&n)
		if err != nil {
			return nil, &model.StorageError{Op: "exists " + id, Err: err}
		}
		if n == 0 {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Delete removes records, their index and category entries, their outgoing refs
// and passages. Refs pointing at deleted records are left in place.
func (s *SQLiteStore) Delete(ctx context.Context, kind model.Kind, ids ...string) (n int, err error) {
	defer func() { metrics.ObserveStoreOp("delete", string(kind), err) }()
	if len(ids) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &model.StorageError{Op: "begin delete", Err: err}
	}
	defer tx.Rollback()

	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM record_index WHERE id = ? AND kind = ?`, id, string(kind))
		if err != nil {
			return 0, &model.StorageError{Op: "delete index " + id, Err: err}
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			continue
		}
		n++
		for _, q := range []string{
			`DELETE FROM records WHERE id = ?`,
			`DELETE FROM categories WHERE id = ?`,
			`DELETE FROM record_refs WHERE from_id = ?`,
			`DELETE FROM chunks WHERE memory_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return 0, &model.StorageError{Op: "delete " + id, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &model.StorageError{Op: "commit delete", Err: err}
	}
	return n, nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context) (err error) {
	defer func() { metrics.ObserveStoreOp("clear", "", err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.StorageError{Op: "begin clear", Err: err}
	}
	defer tx.Rollback()

	for _, table := range []string{"chunks", "record_refs", "categories", "record_index", "records"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return &model.StorageError{Op: "clear " + table, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &model.StorageError{Op: "commit clear", Err: err}
	}
	s.logger.Info("cleared all records")
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (model.IndexEntry, error) {
	var e model.IndexEntry
	var kind, ts string
	if err := row.Scan(&e.ID, &kind, &e.Path, &ts, &e.Category); err != nil {
		return e, &model.StorageError{Op: "scan index", Err: err}
	}
	e.Kind = model.Kind(kind)
	parsed, err := model.ParseTimestamp(ts)
	if err != nil {
		return e, err
	}
	e.Timestamp = parsed
	return e, nil
}

func locationOf(kind model.Kind, id string) string {
	return kind.Namespace() + "/" + id + ".json"
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
