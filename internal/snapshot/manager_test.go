package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/generator"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

type stubGenerator struct {
	mu       sync.Mutex
	fail     error
	block    bool
	category string
	calls    int
}

func (g *stubGenerator) SummarizeMemories(ctx context.Context, memories []*model.BaseMemory) (generator.MemorySummary, error) {
	g.mu.Lock()
	g.calls++
	fail, block, category := g.fail, g.block, g.category
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return generator.MemorySummary{}, ctx.Err()
	}
	if fail != nil {
		return generator.MemorySummary{}, &model.GenerationError{Op: "stub", Err: fail}
	}
	if category == "" {
		category = "generated"
	}
	return generator.MemorySummary{
		KeyPoints:  []string{memories[0].Content},
		Category:   category,
		Importance: 0.7,
	}, nil
}

func (g *stubGenerator) SummarizeSnapshots(ctx context.Context, snapshots []*model.MemorySnapshot) (generator.SnapshotSummary, error) {
	g.mu.Lock()
	g.calls++
	fail := g.fail
	g.mu.Unlock()

	if fail != nil {
		return generator.SnapshotSummary{}, &model.GenerationError{Op: "stub", Err: fail}
	}
	return generator.SnapshotSummary{
		Category:    snapshots[0].Category,
		Keywords:    []string{"k1", "k2"},
		Description: "stub description",
	}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, gen generator.Generator, cfg Config, opts ...Option) (*Manager, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(s, gen, cfg, opts...), s
}

func travel() model.MemoryContext {
	return model.MemoryContext{UserID: "u1", SessionID: "s1", OtherContext: map[string]any{"category": "travel"}}
}

func TestAddMemory_CountTrigger(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{}
	m, s := newTestManager(t, gen, Config{TriggerCount: 5, TriggerInterval: time.Hour})

	var ids []string
	for i := 0; i < 4; i++ {
		res, err := m.AddMemory(ctx, "planning the Lisbon trip", travel())
		require.NoError(t, err)
		assert.Nil(t, res.Snapshot)
		assert.Empty(t, res.Trigger)
		assert.Equal(t, "travel", res.Group)
		ids = append(ids, res.Memory.ID)
	}

	res, err := m.AddMemory(ctx, "booked the flight", travel())
	require.NoError(t, err)
	ids = append(ids, res.Memory.ID)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, "count", res.Trigger)
	assert.Equal(t, ids, res.Snapshot.MemoryRefs)
	assert.Equal(t, "travel", res.Snapshot.Category, "group category wins over the generator's")
	assert.GreaterOrEqual(t, res.Snapshot.Importance, 0.0)
	assert.LessOrEqual(t, res.Snapshot.Importance, 1.0)

	snaps, err := s.ListIDs(ctx, model.KindSnapshot, store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending["travel"])

	res, err = m.AddMemory(ctx, "one more", travel())
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	pending, _ = m.Pending(ctx)
	assert.Equal(t, 1, pending["travel"])
}

func TestAddMemory_IntervalTrigger(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, &stubGenerator{}, Config{TriggerCount: 10, TriggerInterval: time.Hour}, WithClock(clock.Now))

	first, err := m.AddMemory(ctx, "first note", travel())
	require.NoError(t, err)
	assert.Nil(t, first.Snapshot)

	clock.Advance(2 * time.Hour)
	second, err := m.AddMemory(ctx, "second note", travel())
	require.NoError(t, err)
	require.NotNil(t, second.Snapshot)
	assert.Equal(t, "interval", second.Trigger)
	assert.Equal(t, []string{first.Memory.ID, second.Memory.ID}, second.Snapshot.MemoryRefs)

	// The interval now runs from the last snapshot in the category.
	clock.Advance(30 * time.Minute)
	third, err := m.AddMemory(ctx, "third note", travel())
	require.NoError(t, err)
	assert.Nil(t, third.Snapshot)
}

func TestAddMemory_UncategorizedGroup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubGenerator{category: "chitchat"}, Config{TriggerCount: 2})

	_, err := m.AddMemory(ctx, "hello", model.MemoryContext{UserID: "u1"})
	require.NoError(t, err)
	res, err := m.AddMemory(ctx, "hi again", model.MemoryContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultCategory, res.Group)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, "chitchat", res.Snapshot.Category)
}

func TestAddMemory_GenerationFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{fail: errors.New("model unavailable")}
	m, s := newTestManager(t, gen, Config{TriggerCount: 2})

	before := testutil.ToFloat64(metrics.SnapshotsSkipped.WithLabelValues("snapshot"))
	_, err := m.AddMemory(ctx, "a", travel())
	require.NoError(t, err)
	res, err := m.AddMemory(ctx, "b", travel())
	require.NoError(t, err, "generation failures are not fatal")
	assert.Nil(t, res.Snapshot)
	assert.Equal(t, "count", res.Trigger)
	assert.Contains(t, res.Skipped, "model unavailable")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SnapshotsSkipped.WithLabelValues("snapshot")))

	snaps, _ := s.ListIDs(ctx, model.KindSnapshot, store.ListOptions{})
	assert.Empty(t, snaps)
	pending, _ := m.Pending(ctx)
	assert.Equal(t, 2, pending["travel"])

	gen.mu.Lock()
	gen.fail = nil
	gen.mu.Unlock()
	res, err = m.AddMemory(ctx, "c", travel())
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)
	assert.Len(t, res.Snapshot.MemoryRefs, 3)
}

func TestCreateSnapshot_GenerationTimeout(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t, &stubGenerator{block: true}, Config{TriggerCount: 100, GenerationTimeout: 20 * time.Millisecond})

	res, err := m.AddMemory(ctx, "slow", travel())
	require.NoError(t, err)

	_, err = m.CreateSnapshot(ctx, []string{res.Memory.ID}, "", nil)
	require.ErrorIs(t, err, model.ErrGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snaps, _ := s.ListIDs(ctx, model.KindSnapshot, store.ListOptions{})
	assert.Empty(t, snaps)
}

func TestCreateSnapshot_UnknownMemories(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{}
	m, s := newTestManager(t, gen, Config{})

	_, err := m.CreateSnapshot(ctx, []string{"memory_unknown"}, "travel", nil)
	var ri *model.ReferentialIntegrityError
	require.ErrorAs(t, err, &ri)
	assert.Equal(t, []string{"memory_unknown"}, ri.Missing)
	assert.Zero(t, gen.calls, "generator is not consulted")

	for _, k := range model.Kinds {
		ids, err := s.ListIDs(ctx, k, store.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, ids)
	}
}

func TestCreateSnapshot_Overrides(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubGenerator{}, Config{TriggerCount: 100})

	res, err := m.AddMemory(ctx, "note", travel())
	require.NoError(t, err)

	bad := 1.5
	_, err = m.CreateSnapshot(ctx, []string{res.Memory.ID}, "", &bad)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = m.CreateSnapshot(ctx, nil, "", nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	snap, err := m.CreateSnapshot(ctx, []string{res.Memory.ID}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "generated", snap.Category)
	assert.Equal(t, 0.7, snap.Importance)

	imp := 0.2
	snap, err = m.CreateSnapshot(ctx, []string{res.Memory.ID, res.Memory.ID}, "trips", &imp)
	require.NoError(t, err)
	assert.Equal(t, "trips", snap.Category)
	assert.Equal(t, 0.2, snap.Importance)
	assert.Equal(t, []string{res.Memory.ID}, snap.MemoryRefs)
}

func seedSnapshots(t *testing.T, m *Manager, categories ...string) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for _, c := range categories {
		res, err := m.AddMemory(ctx, "memory for "+c, model.MemoryContext{OtherContext: map[string]any{"category": c}})
		require.NoError(t, err)
		snap, err := m.CreateSnapshot(ctx, []string{res.Memory.ID}, c, nil)
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}
	return ids
}

func TestCreateMetaSnapshot_Mismatch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubGenerator{}, Config{TriggerCount: 100})
	ids := seedSnapshots(t, m, "travel", "travel", "food")

	before := testutil.ToFloat64(metrics.CategoryMismatches)
	res, err := m.CreateMetaSnapshot(ctx, ids, "travel", "")
	require.NoError(t, err)
	assert.Equal(t, "travel", res.Meta.Category)
	assert.Equal(t, "stub description", res.Meta.Description)
	assert.Equal(t, ids, res.Meta.SnapshotRefs)
	assert.Equal(t, []string{ids[2]}, res.Mismatched)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CategoryMismatches))

	res, err = m.CreateMetaSnapshot(ctx, ids[:2], "", "custom")
	require.NoError(t, err)
	assert.Empty(t, res.Mismatched)
	assert.Equal(t, "custom", res.Meta.Description)

	_, err = m.CreateMetaSnapshot(ctx, []string{"snapshot_missing"}, "travel", "")
	assert.ErrorIs(t, err, model.ErrReferentialIntegrity)
}

func TestClusterSnapshots_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t, &stubGenerator{}, Config{TriggerCount: 100, MetaClusterSize: 3})
	travelIDs := seedSnapshots(t, m, "travel", "travel", "travel")
	seedSnapshots(t, m, "food")

	results, err := m.ClusterSnapshots(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "travel", results[0].Meta.Category)
	assert.ElementsMatch(t, travelIDs, results[0].Meta.SnapshotRefs)

	results, err = m.ClusterSnapshots(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, results)

	metas, _ := s.ListIDs(ctx, model.KindMeta, store.ListOptions{})
	assert.Len(t, metas, 1)

	results, err = m.ClusterSnapshots(ctx, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "food", results[0].Meta.Category)

	results, err = m.ClusterSnapshots(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClusterSnapshots_SkipsFailedGeneration(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{}
	m, s := newTestManager(t, gen, Config{TriggerCount: 100, MetaClusterSize: 1})
	seedSnapshots(t, m, "travel")

	gen.mu.Lock()
	gen.fail = errors.New("down")
	gen.mu.Unlock()

	results, err := m.ClusterSnapshots(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, results)
	metas, _ := s.ListIDs(ctx, model.KindMeta, store.ListOptions{})
	assert.Empty(t, metas)
}

func TestFindByCategory(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubGenerator{}, Config{TriggerCount: 100})
	seedSnapshots(t, m, "travel", "food", "travel")

	recs, err := m.FindByCategory(ctx, model.KindSnapshot, "travel")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "travel", r.RecordCategory())
	}

	mems, err := m.FindByCategory(ctx, model.KindMemory, "food")
	require.NoError(t, err)
	assert.Len(t, mems, 1)

	_, err = m.FindByCategory(ctx, model.KindSnapshot, "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAddMemory_ConcurrentNeverDoubleCounts(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t, &stubGenerator{}, Config{TriggerCount: 3})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.AddMemory(ctx, "concurrent turn", travel())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snaps, err := store.All[*model.MemorySnapshot](ctx, s, model.KindSnapshot, store.ListOptions{})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, snap := range snaps {
		for _, id := range snap.MemoryRefs {
			assert.False(t, seen[id], "memory %s summarized twice", id)
			seen[id] = true
		}
	}
	pending, _ := m.Pending(ctx)
	assert.Equal(t, 12, len(seen)+pending["travel"])
}
