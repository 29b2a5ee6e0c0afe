// Package snapshot orchestrates the memory hierarchy: it stores new memories,
// decides when to summarize them into snapshots and folds same-category
// snapshots into meta-snapshots.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/tiered-memory/internal/generator"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
	"github.com/rcliao/tiered-memory/internal/telemetry"
)

// Store is the persistence the manager needs.
type Store interface {
	store.Store
	PendingCounts(ctx context.Context, kind model.Kind) (map[string]int, error)
}

// Config holds the trigger and clustering policy.
type Config struct {
	TriggerCount      int           // pending memories in a group that force a snapshot
	TriggerInterval   time.Duration // 0 disables the time trigger
	MetaClusterSize   int           // unclustered snapshots in a category that form a meta-snapshot
	GenerationTimeout time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		TriggerCount:      5,
		TriggerInterval:   time.Hour,
		MetaClusterSize:   3,
		GenerationTimeout: 30 * time.Second,
	}
}

// Manager is safe for concurrent use. Trigger evaluation and snapshot creation
// are serialized so a pending memory is never summarized twice.
type Manager struct {
	store  Store
	gen    generator.Generator
	cfg    Config
	clock  *model.Clock
	logger *slog.Logger
	tracer trace.Tracer

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = model.NewClock(now) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager. Zero config fields take DefaultConfig values.
func NewManager(s Store, gen generator.Generator, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.TriggerCount <= 0 {
		cfg.TriggerCount = def.TriggerCount
	}
	if cfg.MetaClusterSize <= 0 {
		cfg.MetaClusterSize = def.MetaClusterSize
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	m := &Manager{
		store:  s,
		gen:    gen,
		cfg:    cfg,
		clock:  model.NewClock(nil),
		logger: slog.Default().With("component", "snapshot"),
		tracer: telemetry.Tracer(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the effective policy.
func (m *Manager) Config() Config { return m.cfg }

// Now returns the manager's current timestamp.
func (m *Manager) Now() model.Timestamp { return m.clock.Now() }

// AddResult reports what AddMemory did.
type AddResult struct {
	Memory   *model.BaseMemory     `json:"memory"`
	Group    string                `json:"group"`
	Trigger  string                `json:"trigger,omitempty"` // count | interval
	Snapshot *model.MemorySnapshot `json:"snapshot,omitempty"`
	Skipped  string                `json:"skipped,omitempty"` // why a triggered snapshot was not created
}

// AddMemory stores a new BaseMemory and applies the snapshot trigger policy to
// its group. A failed save is returned as an error. A failed generation is
// reported through Skipped; the memories stay pending.
func (m *Manager) AddMemory(ctx context.Context, content string, mctx model.MemoryContext) (*AddResult, error) {
	now := m.clock.Now()
	mem := &model.BaseMemory{
		ID:        model.NewID(model.KindMemory, now.Time),
		Content:   content,
		Timestamp: now,
		Context:   mctx,
	}
	if err := m.store.Save(ctx, mem); err != nil {
		return nil, fmt.Errorf("failed to save memory: %w", err)
	}

	res := &AddResult{Memory: mem, Group: mem.RecordCategory()}

	m.mu.Lock()
	defer m.mu.Unlock()

	trigger, ids, err := m.evaluate(ctx, res.Group)
	if err != nil {
		return res, err
	}
	if trigger == "" {
		return res, nil
	}
	res.Trigger = trigger

	// The uncategorized group lets the generator pick a category.
	category := res.Group
	if category == model.DefaultCategory {
		category = ""
	}
	snap, err := m.createSnapshot(ctx, ids, category, nil)
	if errors.Is(err, model.ErrGeneration) {
		res.Skipped = err.Error()
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Snapshot = snap
	return res, nil
}

// evaluate returns the trigger that fired for group and its pending memory ids.
func (m *Manager) evaluate(ctx context.Context, group string) (string, []string, error) {
	pending, err := m.store.Entries(ctx, model.KindMemory, store.ListOptions{Category: group, Pending: true})
	if err != nil {
		return "", nil, err
	}
	if len(pending) == 0 {
		return "", nil, nil
	}
	ids := make([]string, len(pending))
	oldest := pending[0].Timestamp
	for i, e := range pending {
		ids[i] = e.ID
		if e.Timestamp.Before(oldest.Time) {
			oldest = e.Timestamp
		}
	}

	if len(pending) >= m.cfg.TriggerCount {
		return "count", ids, nil
	}
	if m.cfg.TriggerInterval <= 0 {
		return "", nil, nil
	}

	since := oldest
	last, ok, err := m.store.Latest(ctx, model.KindSnapshot, group)
	if err != nil {
		return "", nil, err
	}
	if ok {
		since = last.Timestamp
	}
	if m.clock.Now().Sub(since.Time) >= m.cfg.TriggerInterval {
		return "interval", ids, nil
	}
	return "", nil, nil
}

// CreateSnapshot summarizes memoryIDs into a new MemorySnapshot. A non-empty
// category and a non-nil importance override the generator's values.
func (m *Manager) CreateSnapshot(ctx context.Context, memoryIDs []string, category string, importance *float64) (*model.MemorySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSnapshot(ctx, memoryIDs, category, importance)
}

func (m *Manager) createSnapshot(ctx context.Context, memoryIDs []string, category string, importance *float64) (snap *model.MemorySnapshot, err error) {
	ctx, span := m.tracer.Start(ctx, "snapshot.create", trace.WithAttributes(
		attribute.Int("memories", len(memoryIDs)),
		attribute.String("category", category),
	))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	ids := dedupe(memoryIDs)
	if len(ids) == 0 {
		return nil, &model.ValidationError{Field: "memory_ids", Reason: "must not be empty"}
	}
	if importance != nil && (*importance < 0 || *importance > 1) {
		return nil, &model.ValidationError{Field: "importance", Reason: fmt.Sprintf("%v outside [0,1]", *importance)}
	}

	memories, err := m.loadMemories(ctx, ids)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, m.cfg.GenerationTimeout)
	sum, err := m.gen.SummarizeMemories(genCtx, memories)
	cancel()
	if err != nil {
		err = asGenerationError("summarize memories", err)
		metrics.SnapshotsSkipped.WithLabelValues(string(model.KindSnapshot)).Inc()
		m.logger.Warn("snapshot generation skipped", "memories", len(ids), "error", err)
		return nil, err
	}

	now := m.clock.Now()
	snap = &model.MemorySnapshot{
		ID:         model.NewID(model.KindSnapshot, now.Time),
		KeyPoints:  sum.KeyPoints,
		MemoryRefs: ids,
		Category:   sum.Category,
		Timestamp:  now,
		Importance: model.ClampImportance(sum.Importance),
	}
	if category != "" {
		snap.Category = category
	}
	if snap.Category == "" {
		snap.Category = model.DefaultCategory
	}
	if importance != nil {
		snap.Importance = *importance
	}

	if err := m.store.Save(ctx, snap); err != nil {
		return nil, err
	}

	metrics.SnapshotsCreated.WithLabelValues(string(model.KindSnapshot)).Inc()
	m.logger.Info("snapshot created", "id", snap.ID, "category", snap.Category, "memories", len(ids), "importance", snap.Importance)
	return snap, nil
}

func (m *Manager) loadMemories(ctx context.Context, ids []string) ([]*model.BaseMemory, error) {
	missing, err := m.store.Missing(ctx, model.KindMemory, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &model.ReferentialIntegrityError{Kind: model.KindMemory, Missing: missing}
	}

	memories := make([]*model.BaseMemory, 0, len(ids))
	for _, id := range ids {
		mem, ok, err := store.Get[*model.BaseMemory](ctx, m.store, model.KindMemory, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &model.ReferentialIntegrityError{Kind: model.KindMemory, Missing: []string{id}}
		}
		memories = append(memories, mem)
	}
	return memories, nil
}

// MetaResult is a created meta-snapshot plus the referenced snapshots whose
// category differs from it.
type MetaResult struct {
	Meta       *model.MetaSnapshot `json:"meta_snapshot"`
	Mismatched []string            `json:"mismatched,omitempty"`
}

// CreateMetaSnapshot summarizes snapshotIDs into a new MetaSnapshot. A
// non-empty category or description overrides the generator's.
func (m *Manager) CreateMetaSnapshot(ctx context.Context, snapshotIDs []string, category, description string) (*MetaResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createMeta(ctx, snapshotIDs, category, description)
}

func (m *Manager) createMeta(ctx context.Context, snapshotIDs []string, category, description string) (res *MetaResult, err error) {
	ctx, span := m.tracer.Start(ctx, "snapshot.create_meta", trace.WithAttributes(
		attribute.Int("snapshots", len(snapshotIDs)),
		attribute.String("category", category),
	))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	ids := dedupe(snapshotIDs)
	if len(ids) == 0 {
		return nil, &model.ValidationError{Field: "snapshot_ids", Reason: "must not be empty"}
	}
	missing, err := m.store.Missing(ctx, model.KindSnapshot, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &model.ReferentialIntegrityError{Kind: model.KindSnapshot, Missing: missing}
	}

	snapshots := make([]*model.MemorySnapshot, 0, len(ids))
	for _, id := range ids {
		s, ok, err := store.Get[*model.MemorySnapshot](ctx, m.store, model.KindSnapshot, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &model.ReferentialIntegrityError{Kind: model.KindSnapshot, Missing: []string{id}}
		}
		snapshots = append(snapshots, s)
	}

	genCtx, cancel := context.WithTimeout(ctx, m.cfg.GenerationTimeout)
	sum, err := m.gen.SummarizeSnapshots(genCtx, snapshots)
	cancel()
	if err != nil {
		err = asGenerationError("summarize snapshots", err)
		metrics.SnapshotsSkipped.WithLabelValues(string(model.KindMeta)).Inc()
		m.logger.Warn("meta-snapshot generation skipped", "snapshots", len(ids), "error", err)
		return nil, err
	}

	now := m.clock.Now()
	meta := &model.MetaSnapshot{
		ID:           model.NewID(model.KindMeta, now.Time),
		Category:     sum.Category,
		Keywords:     sum.Keywords,
		SnapshotRefs: ids,
		Description:  sum.Description,
		Timestamp:    now,
	}
	if category != "" {
		meta.Category = category
	}
	if meta.Category == "" {
		meta.Category = model.DefaultCategory
	}
	if description != "" {
		meta.Description = description
	}
	if meta.Keywords == nil {
		meta.Keywords = []string{}
	}

	if err := m.store.Save(ctx, meta); err != nil {
		return nil, err
	}

	res = &MetaResult{Meta: meta}
	for _, s := range snapshots {
		if s.Category != meta.Category {
			res.Mismatched = append(res.Mismatched, s.ID)
		}
	}
	if len(res.Mismatched) > 0 {
		metrics.CategoryMismatches.Inc()
		m.logger.Warn("meta-snapshot covers snapshots of another category",
			"id", meta.ID, "category", meta.Category, "mismatched", res.Mismatched)
	}

	metrics.SnapshotsCreated.WithLabelValues(string(model.KindMeta)).Inc()
	m.logger.Info("meta-snapshot created", "id", meta.ID, "category", meta.Category, "snapshots", len(ids))
	return res, nil
}

// ClusterSnapshots creates one meta-snapshot per category holding at least
// MetaClusterSize unclustered snapshots, or at least one when force is set.
// Clustered snapshots are no longer unclustered, so a second call with no new
// snapshots creates nothing. Categories whose generation fails are skipped.
func (m *Manager) ClusterSnapshots(ctx context.Context, force bool) (results []*MetaResult, err error) {
	ctx, span := m.tracer.Start(ctx, "snapshot.cluster", trace.WithAttributes(attribute.Bool("force", force)))
	defer func() {
		span.SetAttributes(attribute.Int("created", len(results)))
		telemetry.RecordError(span, err)
		span.End()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	counts, err := m.store.PendingCounts(ctx, model.KindSnapshot)
	if err != nil {
		return nil, err
	}
	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	threshold := m.cfg.MetaClusterSize
	if force {
		threshold = 1
	}
	for _, cat := range categories {
		if counts[cat] < threshold {
			continue
		}
		ids, err := m.store.ListIDs(ctx, model.KindSnapshot, store.ListOptions{Category: cat, Pending: true})
		if err != nil {
			return results, err
		}
		if len(ids) < threshold {
			continue
		}
		res, err := m.createMeta(ctx, ids, cat, "")
		if errors.Is(err, model.ErrGeneration) {
			continue
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// FindByCategory returns every record of kind in category, oldest first.
func (m *Manager) FindByCategory(ctx context.Context, kind model.Kind, category string) ([]model.Record, error) {
	if category == "" {
		return nil, &model.ValidationError{Field: "category", Reason: "must not be empty"}
	}
	return m.store.LoadAll(ctx, kind, store.ListOptions{Category: category})
}

// Pending returns, per group, how many memories are not yet summarized.
func (m *Manager) Pending(ctx context.Context) (map[string]int, error) {
	return m.store.PendingCounts(ctx, model.KindMemory)
}

func asGenerationError(op string, err error) error {
	if errors.Is(err, model.ErrGeneration) {
		return err
	}
	return &model.GenerationError{Op: op, Err: err}
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
