// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package state

import (
	"context"
	"testing"
	"time"

	"github.com/marikald/seltsisync/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewInMemory()
	if err != nil {
		t.Fatalf("creating in-memory database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestCheckpoint_ZeroValueForUnknownComponent verifies a component
// never synced before yields a zero checkpoint, not an error.
func TestCheckpoint_ZeroValueForUnknownComponent(t *testing.T) {
	db := testDB(t)

	cp, err := db.GetCheckpoint(context.Background(), models.ComponentCalendar)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.Component != models.ComponentCalendar {
		t.Errorf("Expected component set on zero checkpoint, got %q", cp.Component)
	}
	if !cp.LastSync.IsZero() || cp.FailureCount != 0 || cp.Cursor != nil {
		t.Errorf("Expected zero checkpoint, got %+v", cp)
	}
}

// TestCheckpoint_RoundTripWithCursor verifies save and reload keep the
// cursor intact, and clearing the cursor persists as NULL.
func TestCheckpoint_RoundTripWithCursor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	saved := models.Checkpoint{
		Component:    models.ComponentGallery,
		LastSync:     time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		LastSuccess:  time.Date(2026, 8, 30, 9, 45, 0, 0, time.UTC),
		FailureCount: 2,
		Cursor:       &models.Cursor{CollectionIndex: 3, ItemIndex: 17},
	}
	if err := db.SaveCheckpoint(ctx, saved); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, err := db.GetCheckpoint(ctx, models.ComponentGallery)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.Cursor == nil || got.Cursor.CollectionIndex != 3 || got.Cursor.ItemIndex != 17 {
		t.Errorf("Expected cursor {3,17}, got %+v", got.Cursor)
	}
	if got.FailureCount != 2 {
		t.Errorf("Expected failure_count=2, got %d", got.FailureCount)
	}
	if !got.LastSync.Equal(saved.LastSync) {
		t.Errorf("Expected last_sync %v, got %v", saved.LastSync, got.LastSync)
	}

	// Completion clears the cursor.
	saved.Cursor = nil
	saved.FailureCount = 0
	if err := db.SaveCheckpoint(ctx, saved); err != nil {
		t.Fatalf("SaveCheckpoint (clear): %v", err)
	}
	got, err = db.GetCheckpoint(ctx, models.ComponentGallery)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.Cursor != nil {
		t.Errorf("Expected nil cursor after clear, got %+v", got.Cursor)
	}
}

// TestCheckpoint_AllCheckpoints verifies both components come back.
func TestCheckpoint_AllCheckpoints(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, c := range models.Components {
		cp := models.Checkpoint{Component: c, LastSync: time.Now().UTC()}
		if err := db.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint(%s): %v", c, err)
		}
	}

	all, err := db.AllCheckpoints(ctx)
	if err != nil {
		t.Fatalf("AllCheckpoints: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 checkpoints, got %d", len(all))
	}
}

// TestLedger_RecordRoundTrip verifies produced keys survive the JSON
// column and that a missing item yields nil without error.
func TestLedger_RecordRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	missing, err := db.GetRecord(ctx, "ph-404")
	if err != nil {
		t.Fatalf("GetRecord (missing): %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil record for unknown item, got %+v", missing)
	}

	rec := models.ProcessedItemRecord{
		ItemID:          "ph-1",
		CollectionID:    "alb-1",
		ProducedKeys:    []string{"images/ph-1-320.jpg", "images/ph-1-original.jpg"},
		ContentChecksum: "deadbeef",
		ProcessedAt:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	if err := db.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	got, err := db.GetRecord(ctx, "ph-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got == nil {
		t.Fatal("Expected record, got nil")
	}
	if len(got.ProducedKeys) != 2 || got.ProducedKeys[0] != "images/ph-1-320.jpg" {
		t.Errorf("Expected produced keys preserved, got %v", got.ProducedKeys)
	}
	if got.ContentChecksum != "deadbeef" {
		t.Errorf("Expected checksum preserved, got %q", got.ContentChecksum)
	}
}

// TestLedger_PutRecordIsIdempotent verifies re-recording an item
// overwrites instead of erroring.
func TestLedger_PutRecordIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec := models.ProcessedItemRecord{
		ItemID:       "ph-1",
		CollectionID: "alb-1",
		ProducedKeys: []string{"images/ph-1-original.jpg"},
		ProcessedAt:  time.Now().UTC(),
	}
	if err := db.PutRecord(ctx, rec); err != nil {
		t.Fatalf("first PutRecord: %v", err)
	}

	rec.ContentChecksum = "updated"
	if err := db.PutRecord(ctx, rec); err != nil {
		t.Fatalf("second PutRecord: %v", err)
	}

	got, err := db.GetRecord(ctx, "ph-1")
	if err != nil || got == nil {
		t.Fatalf("GetRecord: rec=%v err=%v", got, err)
	}
	if got.ContentChecksum != "updated" {
		t.Errorf("Expected overwritten checksum, got %q", got.ContentChecksum)
	}
}

// TestLedger_FirstProcessedAndCounts verifies cover selection order
// and per-collection counting.
func TestLedger_FirstProcessedAndCounts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	records := []models.ProcessedItemRecord{
		{ItemID: "ph-2", CollectionID: "alb-1", ProducedKeys: []string{"images/ph-2-320.jpg"}, ProcessedAt: base.Add(time.Minute)},
		{ItemID: "ph-1", CollectionID: "alb-1", ProducedKeys: []string{"images/ph-1-320.jpg"}, ProcessedAt: base},
		{ItemID: "ph-3", CollectionID: "alb-2", ProducedKeys: []string{"images/ph-3-320.jpg"}, ProcessedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		if err := db.PutRecord(ctx, r); err != nil {
			t.Fatalf("PutRecord(%s): %v", r.ItemID, err)
		}
	}

	first, err := db.FirstProcessed(ctx, "alb-1")
	if err != nil {
		t.Fatalf("FirstProcessed: %v", err)
	}
	if first == nil || first.ItemID != "ph-1" {
		t.Errorf("Expected earliest-processed ph-1 as cover source, got %+v", first)
	}

	none, err := db.FirstProcessed(ctx, "alb-404")
	if err != nil {
		t.Fatalf("FirstProcessed (empty): %v", err)
	}
	if none != nil {
		t.Errorf("Expected nil for empty collection, got %+v", none)
	}

	counts, err := db.CountByCollection(ctx, []string{"alb-1", "alb-2", "alb-404"})
	if err != nil {
		t.Fatalf("CountByCollection: %v", err)
	}
	if counts["alb-1"] != 2 || counts["alb-2"] != 1 || counts["alb-404"] != 0 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}
