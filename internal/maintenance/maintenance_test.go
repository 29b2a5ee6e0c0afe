package maintenance

import (
	"context"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/snapshot"
	"github.com/rcliao/tiered-memory/internal/store"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveMemory(t *testing.T, s store.Store, content string, at time.Time) *model.BaseMemory {
	t.Helper()
	m := &model.BaseMemory{
		ID:        model.NewID(model.KindMemory, at),
		Content:   content,
		Timestamp: model.NewTimestamp(at),
		Context:   model.MemoryContext{UserID: "u1", SessionID: "s1"},
	}
	require.NoError(t, s.Save(context.Background(), m))
	return m
}

func TestCleanupOldMemories_Retention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	old := saveMemory(t, s, "forty days ago", now.AddDate(0, 0, -40))
	recent := saveMemory(t, s, "two days ago", now.AddDate(0, 0, -2))

	snap := &model.MemorySnapshot{
		ID:         model.NewID(model.KindSnapshot, now),
		KeyPoints:  []string{"both"},
		MemoryRefs: []string{old.ID, recent.ID},
		Category:   "misc",
		Timestamp:  model.NewTimestamp(now),
		Importance: 0.4,
	}
	require.NoError(t, s.Save(ctx, snap))

	svc := New(s, WithNow(func() time.Time { return now }))
	removed, err := svc.CleanupOldMemories(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, removed)

	ids, err := s.ListIDs(ctx, model.KindMemory, store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{recent.ID}, ids)

	kept, ok, err := s.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.True(t, ok, "snapshot survives cleanup")
	assert.Equal(t, []string{old.ID, recent.ID}, kept.MemoryRefs)

	refs, err := s.Refs(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, r := range refs {
		assert.Equal(t, r.ToID == old.ID, r.Dangling)
	}

	removed, err = svc.CleanupOldMemories(ctx, 30)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestCleanupOldMemories_HugeRetentionKeepsEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	recent := saveMemory(t, s, "two days ago", now.AddDate(0, 0, -2))
	ancient := saveMemory(t, s, "last century", now.AddDate(-100, 0, 0))

	svc := New(s, WithNow(func() time.Time { return now }))
	for _, days := range []int{200_000, 106_752, math.MaxInt32, math.MaxInt} {
		removed, err := svc.CleanupOldMemories(ctx, days)
		require.NoError(t, err)
		assert.Empty(t, removed, "days=%d", days)
	}

	ids, err := s.ListIDs(ctx, model.KindMemory, store.ListOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{recent.ID, ancient.ID}, ids)
}

func TestCleanupOldMemories_InvalidRetention(t *testing.T) {
	svc := New(newTestStore(t))
	_, err := svc.CleanupOldMemories(context.Background(), 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := saveMemory(t, s, "x", now)
	require.NoError(t, s.Save(ctx, &model.MemorySnapshot{
		ID: model.NewID(model.KindSnapshot, now), KeyPoints: []string{"x"}, MemoryRefs: []string{m.ID},
		Category: "misc", Timestamp: model.NewTimestamp(now), Importance: 0.5,
	}))

	require.NoError(t, New(s).ClearAll(ctx))
	for _, k := range model.Kinds {
		ids, err := s.ListIDs(ctx, k, store.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, ids, "kind %s", k)
	}
}

type stubClusterer struct {
	calls atomic.Int32
	hit   chan struct{}
}

func (c *stubClusterer) ClusterSnapshots(context.Context, bool) ([]*snapshot.MetaResult, error) {
	if c.calls.Add(1) == 1 && c.hit != nil {
		close(c.hit)
	}
	return []*snapshot.MetaResult{{}}, nil
}

func TestWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	old := saveMemory(t, s, "old", now.AddDate(0, 0, -40))
	saveMemory(t, s, "new", now)

	c := &stubClusterer{}
	w := NewWorker(New(s, WithNow(func() time.Time { return now })), c, WorkerConfig{RetentionDays: 30})
	r, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, r.Evicted)
	assert.Equal(t, 1, r.MetaSnapshots)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestWorker_StartStop(t *testing.T) {
	c := &stubClusterer{hit: make(chan struct{})}
	w := NewWorker(New(newTestStore(t)), c, WorkerConfig{Interval: 5 * time.Millisecond})
	w.Start()

	select {
	case <-c.hit:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never ran")
	}
	w.Stop()
	w.Stop()

	n := c.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, c.calls.Load(), "no passes after Stop")
}

func TestWorker_StopWithoutStart(t *testing.T) {
	w := NewWorker(New(newTestStore(t)), nil, WorkerConfig{})
	w.Stop()
}
