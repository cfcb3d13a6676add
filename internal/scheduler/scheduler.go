// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package scheduler drives one bounded, resumable sync run per
// component: the engine's core state machine.
//
// A run moves Idle -> Running -> {Completed, Paused, Failed}:
//
//   - Completed: every item of every collection consumed; cursor
//     cleared, manifest republished, version stamp bumped.
//   - Paused: the wall-clock or batch budget was reached between
//     items; the cursor is persisted and the next run resumes from
//     exactly that position.
//   - Failed: the source was unreachable while listing; the cursor is
//     left untouched and the failure counter increments.
//
// The defining resumability guarantee: no item's processing ever spans
// two runs. An item is either fully completed and recorded in the
// ledger, or entirely deferred.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/derive"
	"github.com/marikald/seltsisync/internal/logging"
	"github.com/marikald/seltsisync/internal/manifest"
	"github.com/marikald/seltsisync/internal/metrics"
	"github.com/marikald/seltsisync/internal/models"
	"github.com/marikald/seltsisync/internal/objectstore"
	"github.com/marikald/seltsisync/internal/source"
	"github.com/marikald/seltsisync/internal/state"
)

// Scheduler runs bounded sync batches for one component. Exactly one
// run per component may be in flight at a time; the trigger layer
// enforces this precondition.
type Scheduler struct {
	component models.Component
	src       source.Client
	store     objectstore.Store
	pipeline  *derive.Pipeline // nil for components without image items
	db        *state.DB
	builder   *manifest.Builder
	cfg       config.SyncConfig
	logger    zerolog.Logger

	// now is injectable for budget tests.
	now func() time.Time
}

// New creates a scheduler for one component. pipeline may be nil for
// the calendar, whose items carry inline payloads and need no image
// derivation.
func New(src source.Client, st objectstore.Store, pipeline *derive.Pipeline, db *state.DB, builder *manifest.Builder, cfg config.SyncConfig) *Scheduler {
	component := src.Component()
	return &Scheduler{
		component: component,
		src:       src,
		store:     st,
		pipeline:  pipeline,
		db:        db,
		builder:   builder,
		cfg:       cfg,
		logger:    logging.With().Str("component", string(component)).Logger(),
		now:       time.Now,
	}
}

// Component returns the component this scheduler serves.
func (s *Scheduler) Component() models.Component {
	return s.component
}

// itemOutcome is the known result of one item inside a fan-out window.
type itemOutcome struct {
	recorded bool // ledger record written
	uploaded bool // at least one artifact uploaded (equals recorded)
	vanished bool // item disappeared between listing and fetch
	err      error
}

// Run executes one bounded batch and returns its summary.
//
// Budgets are checked before starting each new item, never preempting
// an in-flight one, so partially-uploaded variants can never be
// mistaken for a completed item.
func (s *Scheduler) Run(ctx context.Context) (models.RunResult, error) {
	started := s.now()
	result := models.RunResult{
		RunID:     uuid.NewString(),
		Component: s.component,
	}
	runLog := s.logger.With().Str("run_id", result.RunID).Logger()

	cp, err := s.db.GetCheckpoint(ctx, s.component)
	if err != nil {
		return result, err
	}
	cp.LastSync = started

	cursor := models.Cursor{}
	if cp.Cursor != nil {
		cursor = *cp.Cursor
		runLog.Info().Int("collection_index", cursor.CollectionIndex).Int("item_index", cursor.ItemIndex).Msg("Resuming from checkpoint cursor")
	}

	collections, err := s.src.ListCollections(ctx)
	if err != nil {
		return result, s.failRun(ctx, cp, runLog, fmt.Errorf("listing collections: %w", err))
	}

	// A shrunken source can leave a stale cursor past the end; treat
	// the leftover positions as consumed rather than wedging.
	if cursor.CollectionIndex > len(collections) {
		cursor = models.Cursor{CollectionIndex: len(collections)}
	}

	for ci := cursor.CollectionIndex; ci < len(collections); ci++ {
		collection := collections[ci]

		items, err := s.src.ListItems(ctx, collection.ID)
		if err != nil {
			cp.Cursor = &models.Cursor{CollectionIndex: ci, ItemIndex: cursor.ItemIndex}
			if ci > cursor.CollectionIndex {
				cp.Cursor.ItemIndex = 0
			}
			return result, s.failRun(ctx, cp, runLog, fmt.Errorf("listing items of collection %s: %w", collection.ID, err))
		}

		itemIndex := 0
		if ci == cursor.CollectionIndex {
			itemIndex = cursor.ItemIndex
			if itemIndex > len(items) {
				itemIndex = len(items)
			}
		}

		for itemIndex < len(items) {
			// Budget gate: checked before each new item.
			if s.budgetExhausted(started, &result) {
				cp.Cursor = &models.Cursor{CollectionIndex: ci, ItemIndex: itemIndex}
				return s.pause(ctx, cp, started, result, runLog)
			}

			// Collect a bounded fan-out window of new items. Ledger
			// hits inside the window advance the cursor without
			// touching the network or spending batch budget. The
			// cursor only moves past the window once every member's
			// outcome is known.
			window, consumed := s.collectWindow(ctx, items, itemIndex, started, &result)
			if len(window) > 0 {
				outcomes := s.processWindow(ctx, window, runLog)
				for i, out := range outcomes {
					s.tally(window[i], out, &result, runLog)
				}
			}
			itemIndex += consumed
		}
	}

	return s.complete(ctx, cp, collections, started, result, runLog)
}

// budgetExhausted reports whether the run must pause before starting
// another item.
func (s *Scheduler) budgetExhausted(started time.Time, result *models.RunResult) bool {
	if s.now().Sub(started) >= s.cfg.RunBudget {
		return true
	}
	return result.Processed+result.Failed >= s.cfg.BatchSize
}

// collectWindow gathers up to Concurrency consecutive unprocessed
// items starting at index start. Ledger hits inside the window are
// tallied as skips immediately. Returns the new items plus the total
// number of positions consumed (hits included).
func (s *Scheduler) collectWindow(ctx context.Context, items []models.Item, start int, started time.Time, result *models.RunResult) ([]models.Item, int) {
	var window []models.Item
	consumed := 0

	for i := start; i < len(items) && len(window) < s.cfg.Concurrency; i++ {
		// The batch budget must hold for every member admitted.
		if result.Processed+result.Failed+len(window) >= s.cfg.BatchSize {
			break
		}
		if len(window) > 0 && s.now().Sub(started) >= s.cfg.RunBudget {
			break
		}

		record, err := s.db.GetRecord(ctx, items[i].ID)
		if err != nil || record == nil {
			// Lookup errors surface during processing; admit the item.
			window = append(window, items[i])
			consumed++
			continue
		}
		result.Skipped++
		metrics.ItemsSkipped.WithLabelValues(string(s.component)).Inc()
		consumed++
	}
	return window, consumed
}

// processWindow runs the window members concurrently and returns their
// outcomes in window order.
func (s *Scheduler) processWindow(ctx context.Context, window []models.Item, runLog zerolog.Logger) []itemOutcome {
	outcomes := make([]itemOutcome, len(window))

	var wg sync.WaitGroup
	for i := range window {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = s.processItem(ctx, window[i], runLog)
		}(i)
	}
	wg.Wait()
	return outcomes
}

// tally folds one known outcome into the run summary. The cursor
// advances past the item regardless of outcome: a single bad item must
// not wedge the batch, and "no ledger record" already means "needs
// processing" on the next full pass.
func (s *Scheduler) tally(item models.Item, out itemOutcome, result *models.RunResult, runLog zerolog.Logger) {
	switch {
	case out.vanished:
		runLog.Warn().Str("item_id", item.ID).Msg("Item vanished between listing and fetch, skipping")
		result.Skipped++
		metrics.ItemsFailed.WithLabelValues(string(s.component), "vanished").Inc()
	case out.err != nil:
		runLog.Error().Err(out.err).Str("item_id", item.ID).Msg("Item processing failed, deferring to a later pass")
		result.Failed++
		reason := "upload"
		if errors.Is(out.err, errDerive) {
			reason = "derive"
		}
		metrics.ItemsFailed.WithLabelValues(string(s.component), reason).Inc()
	default:
		result.Processed++
		if out.uploaded {
			result.Uploaded++
		}
		metrics.ItemsProcessed.WithLabelValues(string(s.component)).Inc()
	}
}

// errDerive tags derivation failures for metrics.
var errDerive = errors.New("derivation failed")

// processItem fully processes one item: fetch raw bytes if needed,
// derive variants, upload every artifact, then record the item in the
// ledger. The ledger write happens strictly after the last successful
// upload; any earlier failure leaves the item unrecorded.
func (s *Scheduler) processItem(ctx context.Context, item models.Item, runLog zerolog.Logger) itemOutcome {
	if len(item.Payload) > 0 {
		return s.processInline(ctx, item)
	}
	return s.processPhoto(ctx, item, runLog)
}

// processInline handles items carrying their payload inline (calendar
// events): one JSON artifact per item under a deterministic key.
func (s *Scheduler) processInline(ctx context.Context, item models.Item) itemOutcome {
	key := fmt.Sprintf("%s/items/%s.json", s.component, item.ID)

	if err := s.store.PutObject(ctx, key, item.Payload, "application/json", manifest.CacheControlJSON); err != nil {
		return itemOutcome{err: fmt.Errorf("uploading %s: %w", key, err)}
	}

	rec := models.ProcessedItemRecord{
		ItemID:          item.ID,
		CollectionID:    item.CollectionID,
		ProducedKeys:    []string{key},
		ContentChecksum: checksum(item.Payload),
		ProcessedAt:     s.now().UTC(),
	}
	if err := s.db.PutRecord(ctx, rec); err != nil {
		return itemOutcome{err: err}
	}
	return itemOutcome{recorded: true, uploaded: true}
}

// processPhoto handles photo items: fetch, derive, upload variants.
func (s *Scheduler) processPhoto(ctx context.Context, item models.Item, runLog zerolog.Logger) itemOutcome {
	raw, err := s.src.FetchRaw(ctx, item)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return itemOutcome{vanished: true}
		}
		return itemOutcome{err: fmt.Errorf("fetching raw bytes: %w", err)}
	}

	variants, err := s.pipeline.Derive(item.ID, raw)
	if err != nil {
		return itemOutcome{err: fmt.Errorf("%w: %v", errDerive, err)}
	}

	// Each variant uploads independently; the first failure aborts the
	// item so it is never reported as success with missing artifacts.
	keys := make([]string, 0, len(variants))
	for _, v := range variants {
		if err := s.store.PutObject(ctx, v.Key, v.Bytes, derive.ContentTypeJPEG, manifest.CacheControlImmutable); err != nil {
			return itemOutcome{err: fmt.Errorf("uploading variant %s: %w", v.Key, err)}
		}
		keys = append(keys, v.Key)
	}

	rec := models.ProcessedItemRecord{
		ItemID:          item.ID,
		CollectionID:    item.CollectionID,
		ProducedKeys:    keys,
		ContentChecksum: checksum(raw),
		ProcessedAt:     s.now().UTC(),
	}
	if err := s.db.PutRecord(ctx, rec); err != nil {
		return itemOutcome{err: err}
	}

	runLog.Debug().Str("item_id", item.ID).Int("variants", len(keys)).Msg("Item processed")
	return itemOutcome{recorded: true, uploaded: true}
}

// pause persists the cursor and returns a partial summary.
func (s *Scheduler) pause(ctx context.Context, cp models.Checkpoint, started time.Time, result models.RunResult, runLog zerolog.Logger) (models.RunResult, error) {
	cp.FailureCount = 0
	if err := s.db.SaveCheckpoint(ctx, cp); err != nil {
		return result, fmt.Errorf("persisting pause checkpoint: %w", err)
	}

	result.Status = models.RunPartial
	result.Duration = s.now().Sub(started)
	s.observe(result, runLog)
	return result, nil
}

// complete clears the cursor, republishes the manifest, and returns a
// complete summary.
func (s *Scheduler) complete(ctx context.Context, cp models.Checkpoint, collections []models.Collection, started time.Time, result models.RunResult, runLog zerolog.Logger) (models.RunResult, error) {
	cp.Cursor = nil
	cp.FailureCount = 0
	cp.LastSuccess = s.now()
	if err := s.db.SaveCheckpoint(ctx, cp); err != nil {
		return result, fmt.Errorf("persisting completion checkpoint: %w", err)
	}

	if err := s.builder.Publish(ctx, s.component, collections); err != nil {
		// The manifest is a rebuildable projection; the next completed
		// run republishes it. The run itself still succeeded.
		runLog.Error().Err(err).Msg("Manifest publish failed, will rebuild on next completion")
	}

	result.Status = models.RunComplete
	result.Duration = s.now().Sub(started)
	s.observe(result, runLog)
	return result, nil
}

// failRun records a run-level failure: failure counter up, cursor left
// as passed in (untouched unless the caller preserved a position), and
// the error re-raised for the trigger to log.
func (s *Scheduler) failRun(ctx context.Context, cp models.Checkpoint, runLog zerolog.Logger, cause error) error {
	cp.FailureCount++
	if err := s.db.SaveCheckpoint(ctx, cp); err != nil {
		runLog.Error().Err(err).Msg("Failed to persist failure checkpoint")
	}

	metrics.RunsTotal.WithLabelValues(string(s.component), "failed").Inc()
	runLog.Error().Err(cause).Int("failure_count", cp.FailureCount).Msg("Run failed")
	return cause
}

// observe emits metrics and the run summary log line.
func (s *Scheduler) observe(result models.RunResult, runLog zerolog.Logger) {
	metrics.RunsTotal.WithLabelValues(string(s.component), string(result.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(s.component)).Observe(result.Duration.Seconds())

	runLog.Info().
		Str("status", string(result.Status)).
		Int("processed", result.Processed).
		Int("uploaded", result.Uploaded).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("Run finished")
}

// checksum returns the hex SHA-256 of a payload.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
