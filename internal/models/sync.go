// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package models

import (
	"fmt"
	"time"
)

// Component identifies one of the two synced collections.
type Component string

const (
	ComponentCalendar Component = "calendar"
	ComponentGallery  Component = "gallery"
)

// Components lists all valid components in a stable order.
var Components = []Component{ComponentCalendar, ComponentGallery}

// ParseComponent validates and converts a string to a Component.
func ParseComponent(s string) (Component, error) {
	switch Component(s) {
	case ComponentCalendar:
		return ComponentCalendar, nil
	case ComponentGallery:
		return ComponentGallery, nil
	default:
		return "", fmt.Errorf("unknown component %q (want %q or %q)", s, ComponentCalendar, ComponentGallery)
	}
}

// Valid reports whether c is a known component.
func (c Component) Valid() bool {
	return c == ComponentCalendar || c == ComponentGallery
}

// Collection is a named group of items owned by the remote provider:
// a calendar, or a photo album folder. Read-only, refreshed every run.
type Collection struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	ItemCount  int       `json:"item_count"`
}

// Item is one syncable unit: a calendar event or a photo.
//
// Payload is populated for calendar events, which carry their full
// content inline; photos carry only metadata and their raw bytes are
// fetched separately via the source client.
type Item struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Name         string    `json:"name"`
	ModifiedAt   time.Time `json:"modified_at"`
	Size         int64     `json:"size,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
}

// ProcessedItemRecord is the idempotency ledger's unit of truth.
//
// Existence of a record for an item means every key in ProducedKeys
// exists in the object store and is safe to reference. The scheduler
// must not write a record until all derived artifacts are durably
// uploaded.
type ProcessedItemRecord struct {
	ItemID          string    `json:"item_id"`
	CollectionID    string    `json:"collection_id"`
	ProducedKeys    []string  `json:"produced_keys"`
	ContentChecksum string    `json:"content_checksum"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// Cursor is the opaque resume position inside a component's collection
// listing. The zero value means "start from the beginning".
type Cursor struct {
	CollectionIndex int `json:"collection_index"`
	ItemIndex       int `json:"item_index"`
}

// Checkpoint carries one component's resume cursor plus run health
// counters. Mutated only by the batch scheduler; read by the monitor.
//
// A non-nil Cursor means the previous run ended mid-collection and the
// next run must resume from exactly that position.
type Checkpoint struct {
	Component    Component  `json:"component"`
	LastSync     time.Time  `json:"last_sync"`
	LastSuccess  time.Time  `json:"last_success"`
	FailureCount int        `json:"failure_count"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
}

// RunStatus is the terminal outcome of one scheduler run.
type RunStatus string

const (
	// RunComplete means every item of every collection was consumed.
	RunComplete RunStatus = "complete"
	// RunPartial means the run paused on a time or batch budget with
	// a persisted cursor for the next invocation.
	RunPartial RunStatus = "partial"
)

// RunResult is the summary a scheduler run returns to its trigger.
type RunResult struct {
	RunID     string        `json:"run_id"`
	Component Component     `json:"component"`
	Status    RunStatus     `json:"status"`
	Processed int           `json:"processed"`
	Uploaded  int           `json:"uploaded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// ManifestEntry is one collection's row in the published manifest.
type ManifestEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ItemCount int       `json:"item_count"`
	CoverKey  string    `json:"cover_key,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manifest is the rebuildable aggregate listing published for one
// component. It only ever references fully-processed items.
type Manifest struct {
	Component   Component       `json:"component"`
	Collections []ManifestEntry `json:"collections"`
	LastUpdated time.Time       `json:"last_updated"`
}

// VersionStamp lets the frontend cheaply detect "has anything changed"
// without downloading the full manifests. Values are epoch millis.
type VersionStamp struct {
	Calendar int64 `json:"calendar"`
	Gallery  int64 `json:"gallery"`
}

// Set updates the stamp for one component.
func (v *VersionStamp) Set(c Component, epochMillis int64) {
	switch c {
	case ComponentCalendar:
		v.Calendar = epochMillis
	case ComponentGallery:
		v.Gallery = epochMillis
	}
}

// Get returns the stamp for one component.
func (v *VersionStamp) Get(c Component) int64 {
	switch c {
	case ComponentCalendar:
		return v.Calendar
	case ComponentGallery:
		return v.Gallery
	default:
		return 0
	}
}
