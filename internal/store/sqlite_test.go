package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newMemory(content, category string, at time.Time) *model.BaseMemory {
	m := &model.BaseMemory{
		ID:        model.NewID(model.KindMemory, at),
		Content:   content,
		Timestamp: model.NewTimestamp(at),
		Context:   model.MemoryContext{UserID: "u1", SessionID: "s1"},
	}
	if category != "" {
		m.Context.OtherContext = map[string]any{"category": category}
	}
	return m
}

func newSnapshot(category string, refs ...string) *model.MemorySnapshot {
	now := time.Now()
	return &model.MemorySnapshot{
		ID:         model.NewID(model.KindSnapshot, now),
		KeyPoints:  []string{"point"},
		MemoryRefs: refs,
		Category:   category,
		Timestamp:  model.NewTimestamp(now),
		Importance: 0.5,
	}
}

func mustSave(t *testing.T, s *SQLiteStore, rec model.Record) {
	t.Helper()
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("save %s: %v", rec.RecordID(), err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem := newMemory("User: book a flight\nAssistant: done", "travel", time.Now())
	mem.Context.APICall = &model.APICall{Name: "flights.search", Request: map[string]any{"to": "LIS"}}
	mustSave(t, s, mem)

	got, found, err := s.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatal("expected memory to be found")
	}
	if got.Content != mem.Content {
		t.Errorf("expected %q, got %q", mem.Content, got.Content)
	}
	if !got.Timestamp.Equal(mem.Timestamp.Time) {
		t.Errorf("expected timestamp %v, got %v", mem.Timestamp, got.Timestamp)
	}
	if !reflect.DeepEqual(got.Context, mem.Context) {
		t.Errorf("context mismatch: %+v vs %+v", got.Context, mem.Context)
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	rec, found, err := s.Load(context.Background(), model.KindMemory, "memory_nope")
	if err != nil {
		t.Fatalf("expected no error for absent id, got %v", err)
	}
	if found || rec != nil {
		t.Errorf("expected not found, got %v", rec)
	}
}

func TestMemoryImmutable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem := newMemory("original", "", time.Now())
	mustSave(t, s, mem)

	changed := *mem
	changed.Content = "rewritten"
	err := s.Save(ctx, &changed)
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	got, _, _ := s.GetMemory(ctx, mem.ID)
	if got.Content != "original" {
		t.Errorf("expected original content, got %q", got.Content)
	}
}

func TestSnapshotAmend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m1 := newMemory("one", "travel", time.Now())
	m2 := newMemory("two", "travel", time.Now())
	mustSave(t, s, m1)
	mustSave(t, s, m2)

	snap := newSnapshot("travel", m1.ID)
	mustSave(t, s, snap)

	snap.MemoryRefs = []string{m1.ID, m2.ID}
	snap.Category = "trips"
	mustSave(t, s, snap)

	ids, _ := s.ListIDs(ctx, model.KindSnapshot, ListOptions{})
	if len(ids) != 1 {
		t.Fatalf("expected 1 snapshot after amend, got %d", len(ids))
	}
	if ids, _ := s.ListIDs(ctx, model.KindSnapshot, ListOptions{Category: "travel"}); len(ids) != 0 {
		t.Errorf("expected old category to be unindexed, got %v", ids)
	}
	if ids, _ := s.ListIDs(ctx, model.KindSnapshot, ListOptions{Category: "trips"}); len(ids) != 1 {
		t.Errorf("expected new category to be indexed, got %v", ids)
	}
	if pending, _ := s.ListIDs(ctx, model.KindMemory, ListOptions{Pending: true}); len(pending) != 0 {
		t.Errorf("expected no pending memories, got %v", pending)
	}
}

func TestSaveSnapshotUnknownRefs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	before, _ := s.Stats(ctx)
	err := s.Save(ctx, newSnapshot("travel", "memory_unknown"))

	var rie *model.ReferentialIntegrityError
	if !errors.As(err, &rie) {
		t.Fatalf("expected referential integrity error, got %v", err)
	}
	if len(rie.Missing) != 1 || rie.Missing[0] != "memory_unknown" {
		t.Errorf("unexpected missing ids %v", rie.Missing)
	}

	after, _ := s.Stats(ctx)
	if after.Snapshots != before.Snapshots || len(after.Categories) != len(before.Categories) {
		t.Errorf("index changed after failed save: %+v -> %+v", before, after)
	}
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	older := newMemory("older", "", base)
	newer := newMemory("newer", "", base.Add(30*time.Minute))
	mustSave(t, s, older)
	mustSave(t, s, newer)

	ids, _ := s.ListIDs(ctx, model.KindMemory, ListOptions{})
	if !reflect.DeepEqual(ids, []string{older.ID, newer.ID}) {
		t.Errorf("expected insertion order, got %v", ids)
	}
	ids, _ = s.ListIDs(ctx, model.KindMemory, ListOptions{Recent: true})
	if !reflect.DeepEqual(ids, []string{newer.ID, older.ID}) {
		t.Errorf("expected recency order, got %v", ids)
	}
	ids, _ = s.ListIDs(ctx, model.KindMemory, ListOptions{OlderThan: base.Add(10 * time.Minute)})
	if !reflect.DeepEqual(ids, []string{older.ID}) {
		t.Errorf("expected only the older memory, got %v", ids)
	}
	ids, _ = s.ListIDs(ctx, model.KindMemory, ListOptions{Limit: 1})
	if len(ids) != 1 {
		t.Errorf("expected limit 1, got %d", len(ids))
	}

	latest, ok, err := s.Latest(ctx, model.KindMemory, "")
	if err != nil || !ok || latest.ID != newer.ID {
		t.Errorf("expected latest %s, got %+v (ok=%v, err=%v)", newer.ID, latest, ok, err)
	}
	if _, ok, _ := s.Latest(ctx, model.KindSnapshot, ""); ok {
		t.Error("expected no latest snapshot")
	}
}

func TestCategoryIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSave(t, s, newMemory("flight", "travel", time.Now()))
	mustSave(t, s, newMemory("recipe", "cooking", time.Now()))
	mustSave(t, s, newMemory("misc", "", time.Now()))

	recs, err := All[*model.BaseMemory](ctx, s, model.KindMemory, ListOptions{Category: "travel"})
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(recs) != 1 || recs[0].Content != "flight" {
		t.Errorf("expected the travel memory, got %+v", recs)
	}

	ids, _ := s.ListIDs(ctx, model.KindMemory, ListOptions{Category: model.DefaultCategory})
	if len(ids) != 1 {
		t.Errorf("expected 1 uncategorized memory, got %d", len(ids))
	}

	entries, _ := s.Entries(ctx, model.KindMemory, ListOptions{Category: "cooking"})
	if len(entries) != 1 || entries[0].Path != "memories/"+entries[0].ID+".json" || entries[0].Kind != model.KindMemory {
		t.Errorf("unexpected entry %+v", entries)
	}
}

func TestDeleteLeavesDanglingRefs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m1 := newMemory("one", "travel", time.Now())
	m2 := newMemory("two", "travel", time.Now())
	mustSave(t, s, m1)
	mustSave(t, s, m2)
	snap := newSnapshot("travel", m1.ID, m2.ID)
	mustSave(t, s, snap)

	n, err := s.Delete(ctx, model.KindMemory, m1.ID, "memory_absent")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}

	got, found, err := s.GetSnapshot(ctx, snap.ID)
	if err != nil || !found {
		t.Fatalf("expected snapshot to survive: %v", err)
	}
	if len(got.MemoryRefs) != 2 {
		t.Errorf("expected refs to be kept, got %v", got.MemoryRefs)
	}

	refs, _ := s.Refs(ctx, snap.ID)
	dangling := 0
	for _, r := range refs {
		if r.Dangling {
			dangling++
			if r.ToID != m1.ID {
				t.Errorf("unexpected dangling ref %s", r.ToID)
			}
		}
	}
	if dangling != 1 {
		t.Errorf("expected 1 dangling ref, got %d", dangling)
	}

	// amending a snapshot with a dangling ref keeps it valid
	snap.Importance = 0.9
	if err := s.Save(ctx, snap); err != nil {
		t.Errorf("amend with dangling ref: %v", err)
	}
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := newMemory("one", "travel", time.Now())
	mustSave(t, s, m)
	mustSave(t, s, newSnapshot("travel", m.ID))

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, k := range model.Kinds {
		ids, err := s.ListIDs(ctx, k, ListOptions{})
		if err != nil {
			t.Fatalf("list %s: %v", k, err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no %s ids, got %v", k, ids)
		}
	}
	if res, _ := s.Search(ctx, SearchParams{Query: "one"}); len(res) != 0 {
		t.Errorf("expected empty search after clear, got %v", res)
	}
}

func TestMalformedPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := newMemory("fine", "", time.Now())
	mustSave(t, s, m)
	if _, err := s.db.Exec(`UPDATE records SET payload = '{"id": 12' WHERE id = ?`, m.ID); err != nil {
		t.Fatal(err)
	}

	_, _, err := s.Load(ctx, model.KindMemory, m.ID)
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStorageErrorOnClosedDB(t *testing.T) {
	s := newTestStore(t)
	s.db.Close()

	err := s.Save(context.Background(), newMemory("x", "", time.Now()))
	if !errors.Is(err, model.ErrStorageIO) {
		t.Errorf("expected storage error, got %v", err)
	}
}

func TestCanceledSaveWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Save(ctx, newMemory("x", "", time.Now())); err == nil {
		t.Fatal("expected error for canceled context")
	}
	ids, _ := s.ListIDs(context.Background(), model.KindMemory, ListOptions{})
	if len(ids) != 0 {
		t.Errorf("expected nothing persisted, got %v", ids)
	}
}

func TestConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Save(ctx, newMemory(fmt.Sprintf("memory %d", i), "load", time.Now()))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	ids, _ := s.ListIDs(ctx, model.KindMemory, ListOptions{Category: "load"})
	if len(ids) != 20 {
		t.Errorf("expected 20 memories, got %d", len(ids))
	}
}
