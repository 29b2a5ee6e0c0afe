package store

import (
	"context"
	"sort"
	"strings"

	"github.com/rcliao/tiered-memory/internal/chunker"
	"github.com/rcliao/tiered-memory/internal/model"
)

// SearchParams holds parameters for full-text search over memory passages.
type SearchParams struct {
	Query    string
	Category string
	Limit    int
}

// SearchResult is a memory id with its best matching passage.
type SearchResult struct {
	MemoryID  string  `json:"memory_id"`
	Passage   string  `json:"passage"`
	Speaker   string  `json:"speaker,omitempty"`
	StartLine int     `json:"start_line"`
	Rank      float64 `json:"rank"`
}

// Search finds memories whose passages contain any query term, best match first.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	var words, cjk []string
	for _, t := range chunker.UniqueTerms(p.Query) {
		if chunker.HasCJK(t) {
			cjk = append(cjk, t)
		} else {
			words = append(words, t)
		}
	}
	if len(words) == 0 && len(cjk) == 0 {
		return nil, nil
	}

	var results []SearchResult
	seen := map[string]bool{}
	collect := func(found []SearchResult) {
		for _, r := range found {
			if len(results) >= limit || seen[r.MemoryID] {
				continue
			}
			seen[r.MemoryID] = true
			results = append(results, r)
		}
	}

	if len(words) > 0 {
		found, err := s.searchFTS(ctx, words, p.Category)
		if err != nil {
			return nil, err
		}
		collect(found)
	}
	if len(cjk) > 0 && len(results) < limit {
		found, err := s.searchSubstring(ctx, cjk, p.Category)
		if err != nil {
			return nil, err
		}
		collect(found)
	}
	return results, nil
}

func (s *SQLiteStore) searchFTS(ctx context.Context, terms []string, category string) ([]SearchResult, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	match := strings.Join(quoted, " OR ")

	query := `
		SELECT c.memory_id, c.text, c.speaker, COALESCE(c.start_line, 0), bm25(chunks_fts) AS rank
		FROM chunks_fts
		INNER JOIN chunks c ON c.rowid = chunks_fts.rowid
		INNER JOIN record_index i ON i.id = c.memory_id AND i.kind = ?
		WHERE chunks_fts MATCH ?`
	args := []any{string(model.KindMemory), match}
	if category != "" {
		query += ` AND i.category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY rank, i.timestamp DESC`

	return s.scanSearch(ctx, query, args)
}

// searchSubstring matches CJK bigrams against chunk text directly; the FTS
// tokenizer indexes a whole CJK run as a single token.
func (s *SQLiteStore) searchSubstring(ctx context.Context, terms []string, category string) ([]SearchResult, error) {
	likes := make([]string, len(terms))
	args := []any{string(model.KindMemory)}
	for i, t := range terms {
		likes[i] = `c.text LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(t)+"%")
	}
	query := `
		SELECT c.memory_id, c.text, c.speaker, COALESCE(c.start_line, 0), 0 AS rank
		FROM chunks c
		INNER JOIN record_index i ON i.id = c.memory_id AND i.kind = ?
		WHERE (` + strings.Join(likes, " OR ") + `)`
	if category != "" {
		query += ` AND i.category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY i.timestamp DESC`

	found, err := s.scanSearch(ctx, query, args)
	if err != nil {
		return nil, err
	}
	// more shared bigrams ranks first, mirroring bm25's lower-is-better
	for i := range found {
		_, matched := chunker.Coverage(terms, found[i].Passage)
		found[i].Rank = -float64(len(matched))
	}
	sort.SliceStable(found, func(a, b int) bool { return found[a].Rank < found[b].Rank })
	return found, nil
}

func (s *SQLiteStore) scanSearch(ctx context.Context, query string, args []any) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.StorageError{Op: "search", Err: err}
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MemoryID, &r.Passage, &r.Speaker, &r.StartLine, &r.Rank); err != nil {
			return nil, &model.StorageError{Op: "scan search", Err: err}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageError{Op: "search", Err: err}
	}
	return results, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
