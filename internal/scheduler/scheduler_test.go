// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/derive"
	"github.com/marikald/seltsisync/internal/manifest"
	"github.com/marikald/seltsisync/internal/models"
	"github.com/marikald/seltsisync/internal/source"
	"github.com/marikald/seltsisync/internal/state"

	"github.com/goccy/go-json"
)

// fakeSource serves canned collections and items.
type fakeSource struct {
	component   models.Component
	collections []models.Collection
	items       map[string][]models.Item
	raw         map[string][]byte

	listErr   error
	vanished  map[string]bool
	fetchErrs map[string]error

	mu         sync.Mutex
	rawFetches map[string]int
}

func (f *fakeSource) Component() models.Component { return f.component }

func (f *fakeSource) ListCollections(_ context.Context) ([]models.Collection, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.collections, nil
}

func (f *fakeSource) ListItems(_ context.Context, collectionID string) ([]models.Item, error) {
	return f.items[collectionID], nil
}

func (f *fakeSource) FetchRaw(_ context.Context, item models.Item) ([]byte, error) {
	f.mu.Lock()
	if f.rawFetches == nil {
		f.rawFetches = make(map[string]int)
	}
	f.rawFetches[item.ID]++
	f.mu.Unlock()

	if f.vanished[item.ID] {
		return nil, source.ErrNotFound
	}
	if err := f.fetchErrs[item.ID]; err != nil {
		return nil, err
	}
	if raw, ok := f.raw[item.ID]; ok {
		return raw, nil
	}
	return nil, source.ErrNoRawPayload
}

// memStore is an in-memory object store with per-key failure injection.
type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     map[string]int
	failKeys map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		objects:  make(map[string][]byte),
		puts:     make(map[string]int),
		failKeys: make(map[string]error),
	}
}

func (m *memStore) PutObject(_ context.Context, key string, data []byte, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failKeys[key]; err != nil {
		return err
	}
	m.objects[key] = append([]byte(nil), data...)
	m.puts[key]++
	return nil
}

func (m *memStore) GetJSON(_ context.Context, key string, out interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) ListObjects(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memStore) putCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

func testDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.NewInMemory()
	if err != nil {
		t.Fatalf("creating in-memory state: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func calendarItems(collectionID string, n int) []models.Item {
	items := make([]models.Item, n)
	for i := range items {
		items[i] = models.Item{
			ID:           fmt.Sprintf("%s-evt-%d", collectionID, i),
			CollectionID: collectionID,
			Name:         fmt.Sprintf("Event %d", i),
			Payload:      []byte(fmt.Sprintf(`{"title":"Event %d"}`, i)),
		}
	}
	return items
}

func syncCfg(batchSize int) config.SyncConfig {
	return config.SyncConfig{
		RunBudget:   time.Hour,
		BatchSize:   batchSize,
		Concurrency: 1,
	}
}

func makeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	return buf.Bytes()
}

// TestScheduler_CompletesAndPublishesManifest verifies a full run over
// all collections ends complete with a cleared cursor, a published
// manifest, and a bumped version stamp.
func TestScheduler_CompletesAndPublishesManifest(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	src := &fakeSource{
		component: models.ComponentCalendar,
		collections: []models.Collection{
			{ID: "cal-1", Name: "Main Calendar", ItemCount: 3},
			{ID: "cal-2", Name: "Board Calendar", ItemCount: 2},
		},
		items: map[string][]models.Item{
			"cal-1": calendarItems("cal-1", 3),
			"cal-2": calendarItems("cal-2", 2),
		},
	}

	s := New(src, store, nil, db, manifest.NewBuilder(db, store), syncCfg(100))

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Status != models.RunComplete {
		t.Errorf("Expected complete status, got %s", result.Status)
	}
	if result.Processed != 5 || result.Uploaded != 5 {
		t.Errorf("Expected processed=5 uploaded=5, got processed=%d uploaded=%d", result.Processed, result.Uploaded)
	}

	cp, err := db.GetCheckpoint(context.Background(), models.ComponentCalendar)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.Cursor != nil {
		t.Errorf("Expected cleared cursor after completion, got %+v", cp.Cursor)
	}
	if cp.LastSuccess.IsZero() {
		t.Error("Expected LastSuccess to be set after completion")
	}

	var m models.Manifest
	found, err := store.GetJSON(context.Background(), manifest.ManifestKey(models.ComponentCalendar), &m)
	if err != nil || !found {
		t.Fatalf("Expected published manifest, found=%v err=%v", found, err)
	}
	if len(m.Collections) != 2 {
		t.Errorf("Expected 2 manifest entries, got %d", len(m.Collections))
	}

	var stamp models.VersionStamp
	found, err = store.GetJSON(context.Background(), manifest.VersionKey, &stamp)
	if err != nil || !found {
		t.Fatalf("Expected version stamp, found=%v err=%v", found, err)
	}
	if stamp.Calendar == 0 {
		t.Error("Expected calendar version stamp to be bumped")
	}
	if stamp.Gallery != 0 {
		t.Errorf("Expected gallery stamp untouched, got %d", stamp.Gallery)
	}
}

// TestScheduler_BatchBudgetPausesAndResumes verifies the batch budget
// splits a 5-item collection into three runs with no item processed
// twice, and that only the final run publishes the manifest.
func TestScheduler_BatchBudgetPausesAndResumes(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	src := &fakeSource{
		component:   models.ComponentCalendar,
		collections: []models.Collection{{ID: "cal-1", Name: "Main", ItemCount: 5}},
		items:       map[string][]models.Item{"cal-1": calendarItems("cal-1", 5)},
	}

	s := New(src, store, nil, db, manifest.NewBuilder(db, store), syncCfg(2))

	ctx := context.Background()
	wantStatuses := []models.RunStatus{models.RunPartial, models.RunPartial, models.RunComplete}
	wantProcessed := []int{2, 2, 1}

	for i, want := range wantStatuses {
		result, err := s.Run(ctx)
		if err != nil {
			t.Fatalf("run %d returned error: %v", i+1, err)
		}
		if result.Status != want {
			t.Errorf("run %d: expected status %s, got %s", i+1, want, result.Status)
		}
		if result.Processed != wantProcessed[i] {
			t.Errorf("run %d: expected processed=%d, got %d", i+1, wantProcessed[i], result.Processed)
		}
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("calendar/items/cal-1-evt-%d.json", i)
		if n := store.putCount(key); n != 1 {
			t.Errorf("Expected exactly one upload of %s, got %d", key, n)
		}
	}

	cp, err := db.GetCheckpoint(ctx, models.ComponentCalendar)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.Cursor != nil {
		t.Errorf("Expected cleared cursor after final run, got %+v", cp.Cursor)
	}
	if n := store.putCount(manifest.ManifestKey(models.ComponentCalendar)); n != 1 {
		t.Errorf("Expected manifest published once, got %d", n)
	}
}

// TestScheduler_PauseLeavesCursorMidCollection verifies the persisted
// cursor points at the first unconsumed item.
func TestScheduler_PauseLeavesCursorMidCollection(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	src := &fakeSource{
		component:   models.ComponentCalendar,
		collections: []models.Collection{{ID: "cal-1", Name: "Main", ItemCount: 5}},
		items:       map[string][]models.Item{"cal-1": calendarItems("cal-1", 5)},
	}

	s := New(src, store, nil, db, manifest.NewBuilder(db, store), syncCfg(3))

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cp, err := db.GetCheckpoint(context.Background(), models.ComponentCalendar)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.Cursor == nil {
		t.Fatal("Expected persisted cursor after partial run")
	}
	if cp.Cursor.CollectionIndex != 0 || cp.Cursor.ItemIndex != 3 {
		t.Errorf("Expected cursor {0,3}, got {%d,%d}", cp.Cursor.CollectionIndex, cp.Cursor.ItemIndex)
	}
}

// TestScheduler_RerunSkipsProcessedItems verifies re-running a fully
// synced component skips everything via the ledger in a single run,
// regardless of the batch budget.
func TestScheduler_RerunSkipsProcessedItems(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	src := &fakeSource{
		component:   models.ComponentCalendar,
		collections: []models.Collection{{ID: "cal-1", Name: "Main", ItemCount: 5}},
		items:       map[string][]models.Item{"cal-1": calendarItems("cal-1", 5)},
	}

	s := New(src, store, nil, db, manifest.NewBuilder(db, store), syncCfg(2))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Run(ctx); err != nil {
			t.Fatalf("priming run %d: %v", i+1, err)
		}
	}

	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if result.Status != models.RunComplete {
		t.Errorf("Expected complete rerun despite batch size 2, got %s", result.Status)
	}
	if result.Skipped != 5 {
		t.Errorf("Expected skipped=5, got %d", result.Skipped)
	}
	if result.Processed != 0 || result.Uploaded != 0 {
		t.Errorf("Expected no uploads on rerun, got processed=%d uploaded=%d", result.Processed, result.Uploaded)
	}
}

// TestScheduler_ItemFailureDoesNotAbortRun verifies one failing item
// stays unrecorded while the rest of the run proceeds, and that only
// the failed item is retried on the next pass.
func TestScheduler_ItemFailureDoesNotAbortRun(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	src := &fakeSource{
		component:   models.ComponentCalendar,
		collections: []models.Collection{{ID: "cal-1", Name: "Main", ItemCount: 5}},
		items:       map[string][]models.Item{"cal-1": calendarItems("cal-1", 5)},
	}

	badKey := "calendar/items/cal-1-evt-2.json"
	store.failKeys[badKey] = errors.New("injected upload failure")

	s := New(src, store, nil, db, manifest.NewBuilder(db, store), syncCfg(100))

	ctx := context.Background()
	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunComplete {
		t.Errorf("Expected complete status despite item failure, got %s", result.Status)
	}
	if result.Processed != 4 || result.Failed != 1 {
		t.Errorf("Expected processed=4 failed=1, got processed=%d failed=%d", result.Processed, result.Failed)
	}

	rec, err := db.GetRecord(ctx, "cal-1-evt-2")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec != nil {
		t.Error("Expected no ledger record for the failed item")
	}

	// Heal the store; next run retries only the failed item.
	delete(store.failKeys, badKey)
	result, err = s.Run(ctx)
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if result.Processed != 1 || result.Skipped != 4 {
		t.Errorf("Expected processed=1 skipped=4 on retry, got processed=%d skipped=%d", result.Processed, result.Skipped)
	}
}

// TestScheduler_VanishedItemIsSkippedWithWarning verifies an item that
// disappears between listing and fetch counts as a skip, not a run
// failure.
func TestScheduler_VanishedItemIsSkippedWithWarning(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	photo := makeJPEG(t, 64, 48)
	src := &fakeSource{
		component:   models.ComponentGallery,
		collections: []models.Collection{{ID: "alb-1", Name: "Summer Camp", ItemCount: 2}},
		items: map[string][]models.Item{
			"alb-1": {
				{ID: "ph-1", CollectionID: "alb-1", Width: 64, Height: 48},
				{ID: "ph-2", CollectionID: "alb-1", Width: 64, Height: 48},
			},
		},
		raw:      map[string][]byte{"ph-1": photo, "ph-2": photo},
		vanished: map[string]bool{"ph-2": true},
	}

	pipeline := derive.NewPipeline(config.DeriveConfig{Widths: []int{32}, JPEGQuality: 80})
	s := New(src, store, pipeline, db, manifest.NewBuilder(db, store), syncCfg(100))

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunComplete {
		t.Errorf("Expected complete status, got %s", result.Status)
	}
	if result.Processed != 1 || result.Skipped != 1 || result.Failed != 0 {
		t.Errorf("Expected processed=1 skipped=1 failed=0, got %+v", result)
	}

	if ok, _ := store.Exists(context.Background(), "images/ph-1-32.jpg"); !ok {
		t.Error("Expected 32px variant of ph-1 in store")
	}
	if ok, _ := store.Exists(context.Background(), "images/ph-1-original.jpg"); !ok {
		t.Error("Expected original variant of ph-1 in store")
	}
}

// TestScheduler_ListingFailureIncrementsFailureCount verifies a source
// outage fails the run, bumps the failure counter, and preserves the
// resume cursor for the next attempt.
func TestScheduler_ListingFailureIncrementsFailureCount(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	src := &fakeSource{
		component:   models.ComponentCalendar,
		collections: []models.Collection{{ID: "cal-1", Name: "Main", ItemCount: 5}},
		items:       map[string][]models.Item{"cal-1": calendarItems("cal-1", 5)},
	}

	s := New(src, store, nil, db, manifest.NewBuilder(db, store), syncCfg(2))

	ctx := context.Background()
	if _, err := s.Run(ctx); err != nil {
		t.Fatalf("priming run: %v", err)
	}

	src.listErr = source.ErrUnreachable
	for i := 1; i <= 2; i++ {
		if _, err := s.Run(ctx); err == nil {
			t.Fatalf("attempt %d: expected error from unreachable source", i)
		}
		cp, err := db.GetCheckpoint(ctx, models.ComponentCalendar)
		if err != nil {
			t.Fatalf("GetCheckpoint: %v", err)
		}
		if cp.FailureCount != i {
			t.Errorf("attempt %d: expected failure_count=%d, got %d", i, i, cp.FailureCount)
		}
		if cp.Cursor == nil || cp.Cursor.ItemIndex != 2 {
			t.Errorf("attempt %d: expected preserved cursor at item 2, got %+v", i, cp.Cursor)
		}
	}

	// Recovery resumes from the preserved cursor and resets the counter.
	src.listErr = nil
	if _, err := s.Run(ctx); err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	cp, err := db.GetCheckpoint(ctx, models.ComponentCalendar)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.FailureCount != 0 {
		t.Errorf("Expected failure count reset after successful run, got %d", cp.FailureCount)
	}
}

// TestScheduler_ConcurrentWindowProcessesAllItems verifies bounded
// fan-out still yields exactly one upload per item.
func TestScheduler_ConcurrentWindowProcessesAllItems(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	src := &fakeSource{
		component:   models.ComponentCalendar,
		collections: []models.Collection{{ID: "cal-1", Name: "Main", ItemCount: 9}},
		items:       map[string][]models.Item{"cal-1": calendarItems("cal-1", 9)},
	}

	cfg := syncCfg(100)
	cfg.Concurrency = 3
	s := New(src, store, nil, db, manifest.NewBuilder(db, store), cfg)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunComplete || result.Processed != 9 {
		t.Errorf("Expected complete with processed=9, got %+v", result)
	}
	for i := 0; i < 9; i++ {
		key := fmt.Sprintf("calendar/items/cal-1-evt-%d.json", i)
		if n := store.putCount(key); n != 1 {
			t.Errorf("Expected one upload of %s, got %d", key, n)
		}
	}
}

// TestScheduler_TimeBudgetPausesBetweenItems verifies the wall-clock
// budget pauses the run without abandoning the in-flight item.
func TestScheduler_TimeBudgetPausesBetweenItems(t *testing.T) {
	db := testDB(t)
	store := newMemStore()
	src := &fakeSource{
		component:   models.ComponentCalendar,
		collections: []models.Collection{{ID: "cal-1", Name: "Main", ItemCount: 4}},
		items:       map[string][]models.Item{"cal-1": calendarItems("cal-1", 4)},
	}

	cfg := config.SyncConfig{RunBudget: 10 * time.Second, BatchSize: 100, Concurrency: 1}
	s := New(src, store, nil, db, manifest.NewBuilder(db, store), cfg)

	// Each clock read advances 6s: the budget expires after the first
	// item's window is collected.
	var fake int64
	s.now = func() time.Time {
		fake += 6
		return time.Unix(1700000000+fake, 0)
	}

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunPartial {
		t.Errorf("Expected partial status on expired time budget, got %s", result.Status)
	}
	if result.Processed == 0 || result.Processed == 4 {
		t.Errorf("Expected a strict subset of items processed, got %d", result.Processed)
	}

	cp, err := db.GetCheckpoint(context.Background(), models.ComponentCalendar)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.Cursor == nil || cp.Cursor.ItemIndex != result.Processed {
		t.Errorf("Expected cursor at item %d, got %+v", result.Processed, cp.Cursor)
	}
}
