// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package trigger fires scheduler runs on cron schedules and from the
// HTTP surface, guaranteeing at most one in-flight run per component.
package trigger

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/logging"
	"github.com/marikald/seltsisync/internal/models"
	"github.com/marikald/seltsisync/internal/scheduler"
)

// ErrRunInFlight is returned by TriggerNow when a run for the same
// component has not finished yet.
var ErrRunInFlight = errors.New("a run for this component is already in flight")

// ErrUnknownComponent is returned for components without a scheduler.
var ErrUnknownComponent = errors.New("no scheduler registered for component")

// componentSlot serializes runs of one component.
type componentSlot struct {
	sched *scheduler.Scheduler
	mu    sync.Mutex
}

// Trigger owns the cron entries and the per-component run locks. It
// implements suture.Service via Serve.
type Trigger struct {
	cfg    config.SyncConfig
	slots  map[models.Component]*componentSlot
	logger zerolog.Logger
}

// New creates a trigger over the given schedulers.
func New(cfg config.SyncConfig, schedulers ...*scheduler.Scheduler) *Trigger {
	slots := make(map[models.Component]*componentSlot, len(schedulers))
	for _, s := range schedulers {
		slots[s.Component()] = &componentSlot{sched: s}
	}
	return &Trigger{
		cfg:    cfg,
		slots:  slots,
		logger: logging.With().Str("service", "trigger").Logger(),
	}
}

// Serve registers the cron entries and blocks until the context ends.
func (t *Trigger) Serve(ctx context.Context) error {
	c := cron.New()

	schedules := map[models.Component]string{
		models.ComponentCalendar: t.cfg.CalendarSchedule,
		models.ComponentGallery:  t.cfg.GallerySchedule,
	}
	for component, spec := range schedules {
		if _, ok := t.slots[component]; !ok {
			continue
		}
		component := component
		if _, err := c.AddFunc(spec, func() { t.fire(ctx, component) }); err != nil {
			return err
		}
		t.logger.Info().Str("component", string(component)).Str("schedule", spec).Msg("Sync schedule registered")
	}

	c.Start()
	<-ctx.Done()

	// Let an in-flight cron callback finish before reporting stopped.
	<-c.Stop().Done()
	return ctx.Err()
}

// fire runs one scheduled sync, skipping silently when the previous
// run of the same component is still going.
func (t *Trigger) fire(ctx context.Context, component models.Component) {
	if _, err := t.run(ctx, component, false); err != nil && !errors.Is(err, ErrRunInFlight) {
		t.logger.Error().Err(err).Str("component", string(component)).Msg("Scheduled run failed")
	}
}

// TriggerNow starts a run outside the schedule, for the HTTP trigger
// endpoint. It blocks until the run finishes and returns its summary,
// or ErrRunInFlight without blocking when the component is busy.
func (t *Trigger) TriggerNow(ctx context.Context, component models.Component) (models.RunResult, error) {
	return t.run(ctx, component, true)
}

func (t *Trigger) run(ctx context.Context, component models.Component, manual bool) (models.RunResult, error) {
	slot, ok := t.slots[component]
	if !ok {
		return models.RunResult{}, ErrUnknownComponent
	}
	if !slot.mu.TryLock() {
		if !manual {
			t.logger.Warn().Str("component", string(component)).Msg("Previous run still in flight, skipping this tick")
		}
		return models.RunResult{}, ErrRunInFlight
	}
	defer slot.mu.Unlock()

	return slot.sched.Run(ctx)
}
