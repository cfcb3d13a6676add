// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package main is the entry point for the Seltsisync daemon.
//
// Seltsisync mirrors a community organization's shared calendar and
// photo gallery into an S3-compatible object store, publishing stable
// JSON manifests and multi-resolution images the public website reads
// directly. The site never talks to the providers; it only ever sees
// the object store.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: layered load via Koanf v2 (defaults, YAML, env)
//  2. Database: DuckDB-backed checkpoint store and idempotency ledger
//  3. Object store: SigV4 S3 client behind a circuit breaker
//  4. Schedulers: one resumable batch scheduler per component
//  5. Supervisor tree: cron trigger + health monitor + HTTP server
//
// # Configuration
//
// Configuration is loaded with layered sources (highest priority wins):
//   - Environment variables (CALENDAR_URL, STORAGE_BUCKET, ...)
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// # Signal Handling
//
// The daemon shuts down gracefully on SIGINT and SIGTERM. An in-flight
// sync run finishes its current items before the process exits; the
// persisted cursor lets the next start resume where it left off.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/marikald/seltsisync/internal/api"
	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/derive"
	"github.com/marikald/seltsisync/internal/logging"
	"github.com/marikald/seltsisync/internal/manifest"
	"github.com/marikald/seltsisync/internal/monitor"
	"github.com/marikald/seltsisync/internal/objectstore"
	"github.com/marikald/seltsisync/internal/scheduler"
	"github.com/marikald/seltsisync/internal/source"
	"github.com/marikald/seltsisync/internal/state"
	"github.com/marikald/seltsisync/internal/supervisor"
	"github.com/marikald/seltsisync/internal/trigger"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("calendar_url", cfg.Calendar.URL).
		Str("gallery_url", cfg.Gallery.URL).
		Str("bucket", cfg.Storage.Bucket).
		Str("db_path", cfg.Database.Path).
		Msg("Starting Seltsisync")

	db, err := state.New(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized successfully")

	// Object store client behind a circuit breaker so a provider-side
	// outage trips fast instead of burning every run's budget on
	// retries.
	store := objectstore.NewBreakerStore(objectstore.NewClient(cfg.Storage))

	builder := manifest.NewBuilder(db, store)
	pipeline := derive.NewPipeline(cfg.Derive)

	calendarScheduler := scheduler.New(
		source.NewCalendarClient(cfg.Calendar), store, nil, db, builder, cfg.Sync)
	galleryScheduler := scheduler.New(
		source.NewGalleryClient(cfg.Gallery), store, pipeline, db, builder, cfg.Sync)

	trig := trigger.New(cfg.Sync, calendarScheduler, galleryScheduler)
	mon := monitor.New(db, nil, cfg.Monitor)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Bridge zerolog to slog for sutureslog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddSyncService(trig)
	if cfg.Monitor.Enabled {
		tree.AddSyncService(mon)
	}

	router := api.NewRouter(db, trig, mon)
	tree.AddAPIService(supervisor.NewHTTPService(cfg.Server, router.Setup()))

	logging.Info().Msg("Supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
		os.Exit(1)
	}

	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Some services did not stop within the shutdown timeout")
	}

	logging.Info().Msg("Shutdown complete")
}
