package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/rcliao/tiered-memory/internal/llm"
	"github.com/rcliao/tiered-memory/internal/model"
)

// LLMGenerator asks a language model for structured summaries and coerces
// whatever comes back into valid payloads.
type LLMGenerator struct {
	client       llm.Client
	maxKeyPoints int
	logger       *slog.Logger
}

// Option configures an LLMGenerator.
type Option func(*LLMGenerator)

// WithMaxKeyPoints caps key points per snapshot.
func WithMaxKeyPoints(n int) Option {
	return func(g *LLMGenerator) {
		if n > 0 {
			g.maxKeyPoints = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *LLMGenerator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewLLM creates a generator over client.
func NewLLM(client llm.Client, opts ...Option) *LLMGenerator {
	g := &LLMGenerator{
		client:       client,
		maxKeyPoints: DefaultMaxKeyPoints,
		logger:       slog.Default().With("component", "generator"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

const memoryPrompt = `Summarize the following conversation memories into a snapshot.

Memories (JSON):
%s

Return a JSON object of this shape:
{
  "key_points": ["at most %d short key points"],
  "category": "a short topic label, e.g. travel",
  "importance": 0.8
}
importance is a number between 0 and 1.`

const snapshotPrompt = `Summarize the following memory snapshots into one higher-level summary.

Snapshots (JSON):
%s

Return a JSON object of this shape:
{
  "category": "the shared topic label",
  "keywords": ["keyword1", "keyword2"],
  "description": "one or two sentences describing the topic"
}`

func (g *LLMGenerator) SummarizeMemories(ctx context.Context, memories []*model.BaseMemory) (MemorySummary, error) {
	if len(memories) == 0 {
		return MemorySummary{}, &model.ValidationError{Field: "memories", Reason: "must not be empty"}
	}
	data, err := json.MarshalIndent(memories, "", "  ")
	if err != nil {
		return MemorySummary{}, &model.GenerationError{Op: "summarize memories", Err: err}
	}

	obj, err := g.client.GenerateStructured(ctx, fmt.Sprintf(memoryPrompt, data, g.maxKeyPoints))
	if err != nil {
		return MemorySummary{}, &model.GenerationError{Op: "summarize memories", Err: err}
	}

	sum := MemorySummary{
		KeyPoints:  coerceStrings(obj["key_points"], g.maxKeyPoints, "\n"),
		Category:   coerceText(obj["category"]),
		Importance: coerceImportance(obj["importance"]),
	}
	if len(sum.KeyPoints) == 0 {
		return MemorySummary{}, &model.GenerationError{Op: "summarize memories", Err: errors.New("response has no key_points")}
	}
	if sum.Category == "" {
		sum.Category = model.DefaultCategory
	}
	if _, ok := obj["importance"]; !ok {
		g.logger.Debug("importance missing, using default", "default", DefaultImportance)
	}
	return sum, nil
}

func (g *LLMGenerator) SummarizeSnapshots(ctx context.Context, snapshots []*model.MemorySnapshot) (SnapshotSummary, error) {
	if len(snapshots) == 0 {
		return SnapshotSummary{}, &model.ValidationError{Field: "snapshots", Reason: "must not be empty"}
	}
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return SnapshotSummary{}, &model.GenerationError{Op: "summarize snapshots", Err: err}
	}

	obj, err := g.client.GenerateStructured(ctx, fmt.Sprintf(snapshotPrompt, data))
	if err != nil {
		return SnapshotSummary{}, &model.GenerationError{Op: "summarize snapshots", Err: err}
	}

	sum := SnapshotSummary{
		Category:    coerceText(obj["category"]),
		Keywords:    dedupeFold(coerceStrings(obj["keywords"], 0, ",")),
		Description: coerceText(obj["description"]),
	}
	if sum.Category == "" {
		sum.Category = mostCommon(snapshotCategories(snapshots))
	}
	if sum.Category == "" {
		sum.Category = model.DefaultCategory
	}
	return sum, nil
}
