// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package state owns the engine's only two durable tables:
//
//   - sync_state: one row per component (checkpoint cursor + run
//     health counters)
//   - processed_items: one row per fully-processed item (the
//     idempotency ledger)
//
// Both live in a single DuckDB file. The scheduler is the sole writer;
// the monitor and the status endpoint read.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/models"
)

// DB wraps the DuckDB connection holding the checkpoint and ledger
// tables.
type DB struct {
	conn *sql.DB
}

// New opens (creating if needed) the state database and initializes
// the schema.
func New(cfg config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Parent directory must exist before DuckDB can create the file.
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d", cfg.Path, numThreads)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// One scheduler instance per component writes here; a small pool
	// is plenty.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn}
	if err := db.createTables(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// NewInMemory opens an in-memory state database. Test helper.
func NewInMemory() (*DB, error) {
	conn, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.createTables(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// schemaContext bounds schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// createTables creates the two engine tables.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			component TEXT PRIMARY KEY,
			last_sync TIMESTAMP,
			last_success TIMESTAMP,
			failure_count INTEGER NOT NULL DEFAULT 0,
			cursor_collection INTEGER,
			cursor_item INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS processed_items (
			item_id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			produced_keys TEXT NOT NULL,
			content_checksum TEXT NOT NULL,
			processed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_items_collection
			ON processed_items (collection_id, processed_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// GetCheckpoint loads a component's checkpoint. A component that has
// never run gets a zero checkpoint (empty cursor, zero counters).
func (db *DB) GetCheckpoint(ctx context.Context, component models.Component) (models.Checkpoint, error) {
	cp := models.Checkpoint{Component: component}

	var (
		lastSync, lastSuccess       sql.NullTime
		cursorCollection, cursorItem sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_sync, last_success, failure_count, cursor_collection, cursor_item
		 FROM sync_state WHERE component = ?`, string(component)).
		Scan(&lastSync, &lastSuccess, &cp.FailureCount, &cursorCollection, &cursorItem)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint for %s: %w", component, err)
	}

	if lastSync.Valid {
		cp.LastSync = lastSync.Time.UTC()
	}
	if lastSuccess.Valid {
		cp.LastSuccess = lastSuccess.Time.UTC()
	}
	if cursorCollection.Valid && cursorItem.Valid {
		cp.Cursor = &models.Cursor{
			CollectionIndex: int(cursorCollection.Int64),
			ItemIndex:       int(cursorItem.Int64),
		}
	}
	return cp, nil
}

// SaveCheckpoint upserts a component's checkpoint row. A nil cursor is
// stored as NULL, marking the component idle or complete.
func (db *DB) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	var cursorCollection, cursorItem interface{}
	if cp.Cursor != nil {
		cursorCollection = cp.Cursor.CollectionIndex
		cursorItem = cp.Cursor.ItemIndex
	}

	var lastSync, lastSuccess interface{}
	if !cp.LastSync.IsZero() {
		lastSync = cp.LastSync.UTC()
	}
	if !cp.LastSuccess.IsZero() {
		lastSuccess = cp.LastSuccess.UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sync_state (component, last_sync, last_success, failure_count, cursor_collection, cursor_item)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (component) DO UPDATE SET
			last_sync = excluded.last_sync,
			last_success = excluded.last_success,
			failure_count = excluded.failure_count,
			cursor_collection = excluded.cursor_collection,
			cursor_item = excluded.cursor_item`,
		string(cp.Component), lastSync, lastSuccess, cp.FailureCount, cursorCollection, cursorItem)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.Component, err)
	}
	return nil
}

// AllCheckpoints loads every component's checkpoint, including zero
// checkpoints for components that have never run.
func (db *DB) AllCheckpoints(ctx context.Context) ([]models.Checkpoint, error) {
	checkpoints := make([]models.Checkpoint, 0, len(models.Components))
	for _, component := range models.Components {
		cp, err := db.GetCheckpoint(ctx, component)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// GetRecord loads one ledger record, or nil when the item has never
// been fully processed.
func (db *DB) GetRecord(ctx context.Context, itemID string) (*models.ProcessedItemRecord, error) {
	var (
		rec     models.ProcessedItemRecord
		rawKeys string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT item_id, collection_id, produced_keys, content_checksum, processed_at
		 FROM processed_items WHERE item_id = ?`, itemID).
		Scan(&rec.ItemID, &rec.CollectionID, &rawKeys, &rec.ContentChecksum, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger record for %s: %w", itemID, err)
	}

	if err := json.Unmarshal([]byte(rawKeys), &rec.ProducedKeys); err != nil {
		return nil, fmt.Errorf("corrupt produced_keys for %s: %w", itemID, err)
	}
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	return &rec, nil
}

// PutRecord writes a ledger record, overwriting in place on
// re-processing: object keys are deterministic functions of the item,
// so duplicates would only ever reference the same objects.
func (db *DB) PutRecord(ctx context.Context, rec models.ProcessedItemRecord) error {
	rawKeys, err := json.Marshal(rec.ProducedKeys)
	if err != nil {
		return fmt.Errorf("failed to encode produced keys for %s: %w", rec.ItemID, err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO processed_items (item_id, collection_id, produced_keys, content_checksum, processed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (item_id) DO UPDATE SET
			collection_id = excluded.collection_id,
			produced_keys = excluded.produced_keys,
			content_checksum = excluded.content_checksum,
			processed_at = excluded.processed_at`,
		rec.ItemID, rec.CollectionID, string(rawKeys), rec.ContentChecksum, rec.ProcessedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save ledger record for %s: %w", rec.ItemID, err)
	}
	return nil
}

// FirstProcessed returns the earliest-processed record of a collection,
// or nil when none of its items are recorded yet. Items are processed
// in listing order, so this is the collection's stable cover item.
func (db *DB) FirstProcessed(ctx context.Context, collectionID string) (*models.ProcessedItemRecord, error) {
	var itemID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT item_id FROM processed_items
		 WHERE collection_id = ?
		 ORDER BY processed_at ASC, item_id ASC
		 LIMIT 1`, collectionID).Scan(&itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cover item for collection %s: %w", collectionID, err)
	}
	return db.GetRecord(ctx, itemID)
}

// CountByCollection returns the number of recorded items per
// collection for one component's collections.
func (db *DB) CountByCollection(ctx context.Context, collectionIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(collectionIDs))
	for _, id := range collectionIDs {
		var n int
		if err := db.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM processed_items WHERE collection_id = ?`, id).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count records for collection %s: %w", id, err)
		}
		counts[id] = n
	}
	return counts, nil
}
