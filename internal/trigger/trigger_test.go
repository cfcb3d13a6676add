// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/models"
)

func TestTriggerNow_UnknownComponent(t *testing.T) {
	trig := New(config.SyncConfig{})

	_, err := trig.TriggerNow(context.Background(), models.ComponentCalendar)
	if !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("Expected ErrUnknownComponent, got %v", err)
	}
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	trig := New(config.SyncConfig{
		CalendarSchedule: "@hourly",
		GallerySchedule:  "@hourly",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- trig.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after context cancellation")
	}
}

func TestServe_RejectsBadSchedule(t *testing.T) {
	// A schedule entry is only registered for components that have a
	// scheduler, so an empty trigger ignores even an invalid spec.
	trig := New(config.SyncConfig{CalendarSchedule: "not a cron spec"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := trig.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled for empty trigger, got %v", err)
	}
}
