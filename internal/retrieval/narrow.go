package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

type snapDoc struct {
	id       string
	kind     model.Kind
	category string
	text     string
	refs     []string
}

func snapshotDocs(snaps []*model.MemorySnapshot, metas []*model.MetaSnapshot) []snapDoc {
	docs := make([]snapDoc, 0, len(snaps)+len(metas))
	for _, s := range snaps {
		docs = append(docs, snapDoc{
			id:       s.ID,
			kind:     model.KindSnapshot,
			category: s.Category,
			text:     s.Category + "\n" + strings.Join(s.KeyPoints, "\n"),
			refs:     s.MemoryRefs,
		})
	}
	for _, m := range metas {
		docs = append(docs, snapDoc{
			id:       m.ID,
			kind:     model.KindMeta,
			category: m.Category,
			text:     m.Category + "\n" + strings.Join(m.Keywords, ", ") + "\n" + m.Description,
			refs:     m.SnapshotRefs,
		})
	}
	return docs
}

// matchSnapshots scores snapshots and meta-snapshots against q. The returned
// candidate set holds every pending memory plus the memories reachable from a
// match; it is nil when nothing has been summarized yet.
func (e *Engine) matchSnapshots(ctx context.Context, q query) ([]SnapshotMatch, map[string]bool, error) {
	snaps, err := store.All[*model.MemorySnapshot](ctx, e.store, model.KindSnapshot, store.ListOptions{})
	if err != nil {
		return nil, nil, err
	}
	metas, err := store.All[*model.MetaSnapshot](ctx, e.store, model.KindMeta, store.ListOptions{})
	if err != nil {
		return nil, nil, err
	}
	if len(snaps) == 0 && len(metas) == 0 {
		return nil, nil, nil
	}
	docs := snapshotDocs(snaps, metas)

	var sims map[string]float64
	if e.index != nil && q.vec != nil {
		sims, err = e.index.similarities(ctx, docs, q.vec)
		if err != nil {
			e.logger.Warn("snapshot vector match failed, using lexical match only", "error", err)
			sims = nil
		}
	}

	var matches []SnapshotMatch
	for _, d := range docs {
		lex, matched := lexicalRelevance(q, d.text)
		sim := clamp01(sims[d.id])
		score := round4(math.Max(lex, sim))
		if score < e.cfg.SnapshotThreshold || score == 0 {
			continue
		}
		var why string
		if len(matched) > 0 {
			why = "matched terms: " + strings.Join(matched, ", ")
		}
		if sim > lex {
			why = fmt.Sprintf("semantic similarity %.2f", sim)
		}
		matches = append(matches, SnapshotMatch{ID: d.id, Kind: d.kind, Category: d.category, Score: score, Reason: why})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})

	candidates := map[string]bool{}
	pending, err := e.store.ListIDs(ctx, model.KindMemory, store.ListOptions{Pending: true})
	if err != nil {
		return nil, nil, err
	}
	for _, id := range pending {
		candidates[id] = true
	}

	byID := make(map[string]*model.MemorySnapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}
	dangling := 0
	for _, m := range matches {
		switch m.Kind {
		case model.KindSnapshot:
			for _, id := range byID[m.ID].MemoryRefs {
				candidates[id] = true
			}
		case model.KindMeta:
			for _, d := range docs {
				if d.id != m.ID {
					continue
				}
				for _, sid := range d.refs {
					s, ok := byID[sid]
					if !ok {
						dangling++
						continue
					}
					for _, id := range s.MemoryRefs {
						candidates[id] = true
					}
				}
			}
		}
	}
	if dangling > 0 {
		e.logger.Debug("skipped dangling snapshot refs", "count", dangling)
	}
	return matches, candidates, nil
}

// snapshotIndex is an in-process chromem-go collection of snapshot texts,
// rebuilt whenever the set of snapshots changes.
type snapshotIndex struct {
	embedder embedding.Embedder

	mu          sync.Mutex
	fingerprint string
	col         *chromem.Collection
}

func newSnapshotIndex(e embedding.Embedder) *snapshotIndex {
	return &snapshotIndex{embedder: e}
}

func (x *snapshotIndex) similarities(ctx context.Context, docs []snapDoc, vec embedding.Vector) (map[string]float64, error) {
	if isZero(vec) {
		return nil, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if fp := fingerprint(docs); fp != x.fingerprint || x.col == nil {
		if err := x.rebuild(ctx, docs); err != nil {
			return nil, err
		}
		x.fingerprint = fp
	}

	n := x.col.Count()
	if n == 0 {
		return nil, nil
	}
	results, err := x.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make(map[string]float64, len(results))
	for _, r := range results {
		out[r.ID] = float64(r.Similarity)
	}
	return out, nil
}

func (x *snapshotIndex) rebuild(ctx context.Context, docs []snapDoc) error {
	col, err := chromem.NewDB().CreateCollection("snapshots", nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	for _, d := range docs {
		vec, err := x.embedder.Embed(ctx, d.text)
		if err != nil {
			return fmt.Errorf("embed %s: %w", d.id, err)
		}
		if isZero(vec) {
			continue
		}
		err = col.AddDocument(ctx, chromem.Document{
			ID:        d.id,
			Content:   d.text,
			Embedding: vec,
			Metadata:  map[string]string{"kind": string(d.kind), "category": d.category},
		})
		if err != nil {
			return fmt.Errorf("add document: %w", err)
		}
	}
	x.col = col
	return nil
}

func fingerprint(docs []snapDoc) string {
	h := sha256.New()
	for _, d := range docs {
		h.Write([]byte(d.id))
		h.Write([]byte{0})
		h.Write([]byte(d.text))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func isZero(v embedding.Vector) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

