// Package retrieval scores stored memories against a live query and returns
// a ranked, thresholded list.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/tiered-memory/internal/chunker"
	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
	"github.com/rcliao/tiered-memory/internal/telemetry"
)

// HistoryEntry is one prior conversational turn.
type HistoryEntry struct {
	IsUser    bool            `json:"is_user"`
	Content   string          `json:"content"`
	Timestamp model.Timestamp `json:"timestamp"`
}

// Request asks for memories relevant to CurrentQuery.
type Request struct {
	CurrentQuery     string          `json:"current_query"`
	History          []HistoryEntry  `json:"history,omitempty"`
	Timestamp        model.Timestamp `json:"timestamp"`
	UserID           string          `json:"user_id,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	TopK             int             `json:"top_k,omitempty"`
	IncludeSnapshots bool            `json:"include_snapshots,omitempty"`
}

// Result is one relevant memory.
type Result struct {
	MemoryID       string  `json:"memory_id"`
	RelevanceScore float64 `json:"relevance_score"`
	Reason         string  `json:"reason"`

	timestamp model.Timestamp
}

// SnapshotMatch is a snapshot or meta-snapshot matching the query.
type SnapshotMatch struct {
	ID       string     `json:"id"`
	Kind     model.Kind `json:"type"`
	Category string     `json:"category"`
	Score    float64    `json:"score"`
	Reason   string     `json:"reason"`
}

// Response lists relevant memories, best first.
type Response struct {
	RelevantMemories  []Result        `json:"relevant_memories"`
	RelevantSnapshots []SnapshotMatch `json:"relevant_snapshots,omitempty"`
}

// Signals are the per-memory inputs to a Scorer, each in [0,1].
type Signals struct {
	Semantic float64
	Recency  float64
	Context  float64
}

// Scorer combines signals into a relevance score. Implementations must be
// deterministic and non-decreasing in each signal.
type Scorer interface {
	Score(mem *model.BaseMemory, s Signals) float64
}

// Weights is the default linear Scorer.
type Weights struct {
	Semantic float64 `mapstructure:"semantic"`
	Recency  float64 `mapstructure:"recency"`
	Context  float64 `mapstructure:"context"`
}

func (w Weights) Score(_ *model.BaseMemory, s Signals) float64 {
	return w.Semantic*s.Semantic + w.Recency*s.Recency + w.Context*s.Context
}

// Config tunes retrieval.
type Config struct {
	Weights           Weights
	MinScore          float64 // results must score strictly above this
	TopK              int     // default when a request sets none; 0 is unbounded
	HistoryWindow     int     // most recent history entries considered
	RecencyDecay      float64 // per day
	Narrow            bool    // use snapshots to narrow the candidate set
	SnapshotThreshold float64 // minimum snapshot match score
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Weights:           Weights{Semantic: 0.6, Recency: 0.25, Context: 0.15},
		MinScore:          0.5,
		TopK:              5,
		HistoryWindow:     10,
		RecencyDecay:      0.1,
		SnapshotThreshold: 0.3,
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	store    store.Store
	embedder embedding.Embedder
	cfg      Config
	scorer   Scorer
	index    *snapshotIndex
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmbedder enables embedding similarity and vector snapshot matching.
func WithEmbedder(e embedding.Embedder) Option {
	return func(en *Engine) { en.embedder = e }
}

// WithScorer replaces the weighted scorer.
func WithScorer(s Scorer) Option {
	return func(en *Engine) { en.scorer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) {
		if l != nil {
			en.logger = l
		}
	}
}

// New creates an Engine.
func New(s store.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		cfg:    cfg,
		scorer: cfg.Weights,
		logger: slog.Default().With("component", "retrieval"),
		tracer: telemetry.Tracer(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.embedder != nil {
		e.index = newSnapshotIndex(e.embedder)
	}
	return e
}

// query is the prepared form of a Request.
type query struct {
	terms   []string
	history []string // user-turn terms not already in terms
	text    string   // for embedding
	vec     embedding.Vector
	now     time.Time
}

func (e *Engine) prepare(ctx context.Context, req Request) query {
	q := query{
		terms: chunker.UniqueTerms(req.CurrentQuery),
		text:  req.CurrentQuery,
		now:   req.Timestamp.Time,
	}
	if q.now.IsZero() {
		q.now = time.Now()
	}

	history := req.History
	if w := e.cfg.HistoryWindow; w > 0 && len(history) > w {
		history = history[len(history)-w:]
	}
	seen := map[string]bool{}
	for _, t := range q.terms {
		seen[t] = true
	}
	var userTurns []string
	for _, h := range history {
		if !h.IsUser {
			continue
		}
		userTurns = append(userTurns, h.Content)
		for _, t := range chunker.UniqueTerms(h.Content) {
			if !seen[t] {
				seen[t] = true
				q.history = append(q.history, t)
			}
		}
	}

	if e.embedder != nil && (len(q.terms) > 0 || len(q.history) > 0) {
		text := strings.TrimSpace(strings.Join(append([]string{req.CurrentQuery}, userTurns...), "\n"))
		vec, err := e.embedder.Embed(ctx, text)
		if err != nil {
			e.logger.Warn("query embedding failed, using lexical relevance only", "error", err)
		} else {
			q.vec = vec
		}
	}
	return q
}

// Retrieve returns memories scoring strictly above MinScore, sorted by score
// descending, then newer first, then id. TopK truncates after filtering.
func (e *Engine) Retrieve(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "retrieval.retrieve", trace.WithAttributes(
		attribute.Int("top_k", req.TopK),
		attribute.Int("history", len(req.History)),
	))
	defer func() {
		n := 0
		if resp != nil {
			n = len(resp.RelevantMemories)
		}
		span.SetAttributes(attribute.Int("results", n))
		telemetry.RecordError(span, err)
		span.End()
		metrics.ObserveRetrieval(start, n)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := e.prepare(ctx, req)
	resp = &Response{RelevantMemories: []Result{}}

	var matches []SnapshotMatch
	var candidates map[string]bool
	if e.cfg.Narrow || req.IncludeSnapshots {
		matches, candidates, err = e.matchSnapshots(ctx, q)
		if err != nil {
			return nil, err
		}
	}
	if !e.cfg.Narrow {
		candidates = nil
	}

	memories, err := store.All[*model.BaseMemory](ctx, e.store, model.KindMemory, store.ListOptions{})
	if err != nil {
		return nil, err
	}

	for _, mem := range memories {
		if candidates != nil && !candidates[mem.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := e.score(ctx, q, req, mem)
		if r.RelevanceScore > e.cfg.MinScore {
			resp.RelevantMemories = append(resp.RelevantMemories, r)
		}
	}

	sortResults(resp.RelevantMemories)
	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	if topK > 0 && len(resp.RelevantMemories) > topK {
		resp.RelevantMemories = resp.RelevantMemories[:topK]
	}

	if req.IncludeSnapshots {
		if topK > 0 && len(matches) > topK {
			matches = matches[:topK]
		}
		resp.RelevantSnapshots = matches
	}
	return resp, nil
}

func (e *Engine) score(ctx context.Context, q query, req Request, mem *model.BaseMemory) Result {
	lexical, matched := lexicalRelevance(q, mem.Content)
	semantic := lexical

	var similarity float64
	if q.vec != nil {
		vec, err := e.embedder.Embed(ctx, mem.Content)
		if err != nil {
			e.logger.Debug("memory embedding failed", "id", mem.ID, "error", err)
		} else {
			similarity = clamp01(embedding.CosineSimilarity(q.vec, vec))
			semantic = math.Max(semantic, similarity)
		}
	}

	ageDays := q.now.Sub(mem.Timestamp.Time).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-e.cfg.RecencyDecay * ageDays)

	sameUser := req.UserID != "" && req.UserID == mem.Context.UserID
	sameSession := req.SessionID != "" && req.SessionID == mem.Context.SessionID
	var match float64
	if sameUser {
		match += 0.5
	}
	if sameSession {
		match += 0.5
	}

	s := Signals{Semantic: semantic, Recency: recency, Context: match}
	score := round4(clamp01(e.scorer.Score(mem, s)))

	return Result{
		MemoryID:       mem.ID,
		RelevanceScore: score,
		Reason:         reason(matched, similarity, lexical, sameSession, sameUser, ageDays),
		timestamp:      mem.Timestamp,
	}
}

// lexicalRelevance is the best passage's weighted term coverage. History
// terms count half as much as query terms.
func lexicalRelevance(q query, content string) (float64, []string) {
	total := float64(len(q.terms)) + 0.5*float64(len(q.history))
	if total == 0 {
		return 0, nil
	}
	var best float64
	var bestMatched []string
	for _, p := range chunker.Split(content, chunker.DefaultOptions()) {
		_, mq := chunker.Coverage(q.terms, p.Text)
		_, mh := chunker.Coverage(q.history, p.Text)
		v := (float64(len(mq)) + 0.5*float64(len(mh))) / total
		if v > best {
			best = v
			bestMatched = append(mq, mh...)
		}
	}
	return best, bestMatched
}

func reason(matched []string, similarity, lexical float64, sameSession, sameUser bool, ageDays float64) string {
	var parts []string
	if len(matched) > 0 {
		parts = append(parts, "matched terms: "+strings.Join(matched, ", "))
	}
	if similarity > lexical {
		parts = append(parts, fmt.Sprintf("semantic similarity %.2f", similarity))
	}
	switch {
	case sameSession && sameUser:
		parts = append(parts, "same session and user")
	case sameSession:
		parts = append(parts, "same session")
	case sameUser:
		parts = append(parts, "same user")
	}
	switch days := int(ageDays); {
	case ageDays < 1:
		parts = append(parts, "from today")
	case days == 1:
		parts = append(parts, "1 day old")
	default:
		parts = append(parts, fmt.Sprintf("%d days old", days))
	}
	return strings.Join(parts, "; ")
}

func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].RelevanceScore != rs[j].RelevanceScore {
			return rs[i].RelevanceScore > rs[j].RelevanceScore
		}
		if !rs[i].timestamp.Equal(rs[j].timestamp.Time) {
			return rs[i].timestamp.After(rs[j].timestamp.Time)
		}
		return rs[i].MemoryID < rs[j].MemoryID
	})
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
