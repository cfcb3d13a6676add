// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package manifest publishes the frontend-facing aggregate listings:
// one manifest per component plus a shared version stamp.
//
// Manifests are rebuildable projections of ledger state. They only
// ever reference items the idempotency ledger has recorded, so a
// frontend reader can never hit a half-uploaded artifact.
package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/marikald/seltsisync/internal/models"
	"github.com/marikald/seltsisync/internal/objectstore"
	"github.com/marikald/seltsisync/internal/state"
)

// Cache-control values for published artifacts. Manifests and event
// payloads are re-fetched within minutes of a change; image variants
// live under content-stable keys and never need revalidation.
const (
	CacheControlJSON      = "public, max-age=300"
	CacheControlImmutable = "public, max-age=31536000, immutable"
)

// VersionKey is the shared version stamp object.
const VersionKey = "metadata/version.json"

// ManifestKey returns the manifest object key for a component.
func ManifestKey(c models.Component) string {
	if c == models.ComponentCalendar {
		return "calendar/events.json"
	}
	return "gallery/albums.json"
}

// Builder assembles and uploads manifests from ledger state.
type Builder struct {
	db    *state.DB
	store objectstore.Store
	now   func() time.Time
}

// NewBuilder creates a manifest builder.
func NewBuilder(db *state.DB, store objectstore.Store) *Builder {
	return &Builder{db: db, store: store, now: time.Now}
}

// Publish rebuilds one component's manifest from the given collection
// listing plus ledger state, uploads it, then bumps the component's
// slot in the shared version stamp.
//
// Collections with no processed items yet are omitted: the frontend
// must never link an album whose cover does not exist in the store.
func (b *Builder) Publish(ctx context.Context, component models.Component, collections []models.Collection) error {
	ids := make([]string, len(collections))
	for i, c := range collections {
		ids[i] = c.ID
	}
	counts, err := b.db.CountByCollection(ctx, ids)
	if err != nil {
		return fmt.Errorf("counting processed items: %w", err)
	}

	entries := make([]models.ManifestEntry, 0, len(collections))
	for _, c := range collections {
		if counts[c.ID] == 0 {
			continue
		}
		entry := models.ManifestEntry{
			ID:        c.ID,
			Name:      c.Name,
			ItemCount: c.ItemCount,
			UpdatedAt: c.ModifiedAt,
		}
		if component == models.ComponentGallery {
			cover, err := b.coverKey(ctx, c.ID)
			if err != nil {
				return err
			}
			entry.CoverKey = cover
		}
		entries = append(entries, entry)
	}

	m := models.Manifest{
		Component:   component,
		Collections: entries,
		LastUpdated: b.now().UTC(),
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	key := ManifestKey(component)
	if err := b.store.PutObject(ctx, key, payload, "application/json", CacheControlJSON); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	return b.bumpVersion(ctx, component)
}

// coverKey picks an album's cover: the smallest variant of its
// earliest-processed item. Items process in listing order, so this is
// the provider's first photo of the album.
func (b *Builder) coverKey(ctx context.Context, collectionID string) (string, error) {
	rec, err := b.db.FirstProcessed(ctx, collectionID)
	if err != nil {
		return "", fmt.Errorf("looking up cover for collection %s: %w", collectionID, err)
	}
	if rec == nil || len(rec.ProducedKeys) == 0 {
		return "", nil
	}
	// ProducedKeys are stored in ascending-width order.
	return rec.ProducedKeys[0], nil
}

// bumpVersion read-modify-writes the shared stamp, touching only this
// component's slot. Only one run per component can complete at a time,
// and the two components' triggers serialize through their schedules,
// so lost updates are not a practical concern; a missed bump is healed
// by the next completed run.
func (b *Builder) bumpVersion(ctx context.Context, component models.Component) error {
	var stamp models.VersionStamp
	if _, err := b.store.GetJSON(ctx, VersionKey, &stamp); err != nil {
		return fmt.Errorf("reading version stamp: %w", err)
	}

	stamp.Set(component, b.now().UnixMilli())

	payload, err := json.Marshal(&stamp)
	if err != nil {
		return fmt.Errorf("encoding version stamp: %w", err)
	}
	if err := b.store.PutObject(ctx, VersionKey, payload, "application/json", CacheControlJSON); err != nil {
		return fmt.Errorf("uploading version stamp: %w", err)
	}
	return nil
}
