// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package models defines the shared domain types for the sync engine.
//
// The types split into three lifecycles:
//
//   - Collection and Item are ephemeral views of the remote provider's
//     state, fetched fresh on every run and never persisted.
//   - ProcessedItemRecord and Checkpoint are the only durable state the
//     engine owns (see internal/state).
//   - Manifest and VersionStamp are derived cache artifacts, rebuilt
//     whenever a run completes a component and safe to regenerate at
//     any time.
package models
