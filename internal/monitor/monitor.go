// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package monitor watches checkpoint health and raises alerts when a
// component goes stale or keeps failing.
//
// Alerts are latched: once an unhealthy condition is reported, the
// monitor stays silent on subsequent polls until the component
// recovers, so a weekend outage produces one notification instead of
// hundreds.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/logging"
	"github.com/marikald/seltsisync/internal/metrics"
	"github.com/marikald/seltsisync/internal/models"
	"github.com/marikald/seltsisync/internal/state"
)

// Health is a component's assessed condition.
type Health string

const (
	Healthy Health = "healthy"
	Failing Health = "failing"
	Stale   Health = "stale"
)

// ComponentHealth is one component's assessment at poll time.
type ComponentHealth struct {
	Component    models.Component `json:"component"`
	Health       Health           `json:"health"`
	LastSync     time.Time        `json:"last_sync"`
	LastSuccess  time.Time        `json:"last_success"`
	FailureCount int              `json:"failure_count"`
}

// Notifier delivers one alert. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, body string) error
}

// LogNotifier logs alerts instead of delivering them. The default when
// no delivery channel is configured.
type LogNotifier struct{}

// Notify logs the alert at warn level and drops it.
func (LogNotifier) Notify(_ context.Context, recipient, subject, body string) error {
	logger := logging.Logger()
	logger.Warn().
		Str("recipient", recipient).
		Str("subject", subject).
		Str("body", body).
		Msg("Alert (log-only notifier)")
	return nil
}

// Monitor periodically evaluates checkpoint health. It implements
// suture.Service via Serve.
type Monitor struct {
	db       *state.DB
	notifier Notifier
	cfg      config.MonitorConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	latched map[models.Component]Health
}

// New creates a monitor. A nil notifier falls back to LogNotifier.
func New(db *state.DB, notifier Notifier, cfg config.MonitorConfig) *Monitor {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Monitor{
		db:       db,
		notifier: notifier,
		cfg:      cfg,
		logger:   logging.With().Str("service", "monitor").Logger(),
		now:      time.Now,
		latched:  make(map[models.Component]Health),
	}
}

// Serve polls on the configured interval until the context ends.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Sync monitor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Evaluate(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Health evaluation failed")
			}
		}
	}
}

// Evaluate assesses every component once and fires latched alerts for
// fresh unhealthy transitions. A failure streak at or above the
// threshold wins over staleness when both hold.
func (m *Monitor) Evaluate(ctx context.Context) ([]ComponentHealth, error) {
	checkpoints, err := m.db.AllCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints: %w", err)
	}

	byComponent := make(map[models.Component]models.Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		byComponent[cp.Component] = cp
	}

	results := make([]ComponentHealth, 0, len(models.Components))
	for _, component := range models.Components {
		cp := byComponent[component]
		cp.Component = component
		assessment := m.assess(cp)
		results = append(results, assessment)
		m.report(ctx, assessment)
	}
	return results, nil
}

// assess classifies one checkpoint.
func (m *Monitor) assess(cp models.Checkpoint) ComponentHealth {
	h := ComponentHealth{
		Component:    cp.Component,
		Health:       Healthy,
		LastSync:     cp.LastSync,
		LastSuccess:  cp.LastSuccess,
		FailureCount: cp.FailureCount,
	}
	switch {
	case cp.FailureCount >= m.cfg.FailureThreshold:
		h.Health = Failing
	case m.now().Sub(cp.LastSync) > m.cfg.StalenessWindow:
		// A never-synced component (zero LastSync) is stale too.
		h.Health = Stale
	}
	return h
}

// report updates metrics and, on a fresh transition into an unhealthy
// condition, sends one alert. The latch resets when the component is
// healthy again, so a recovered-then-broken component alerts anew.
func (m *Monitor) report(ctx context.Context, h ComponentHealth) {
	healthy := 0.0
	if h.Health == Healthy {
		healthy = 1.0
	}
	metrics.ComponentHealth.WithLabelValues(string(h.Component)).Set(healthy)

	m.mu.Lock()
	previous := m.latched[h.Component]
	m.latched[h.Component] = h.Health
	m.mu.Unlock()

	if h.Health == Healthy || h.Health == previous {
		return
	}

	subject := fmt.Sprintf("Seltsisync alert: %s component is %s", h.Component, h.Health)
	body := m.alertBody(h)
	metrics.AlertsSent.WithLabelValues(string(h.Component), string(h.Health)).Inc()
	if err := m.notifier.Notify(ctx, m.cfg.AlertRecipient, subject, body); err != nil {
		m.logger.Error().Err(err).Str("component", string(h.Component)).Msg("Alert delivery failed")
	}
}

func (m *Monitor) alertBody(h ComponentHealth) string {
	switch h.Health {
	case Failing:
		return fmt.Sprintf("The %s sync has failed %d consecutive runs. Last successful sync: %s.",
			h.Component, h.FailureCount, formatTime(h.LastSuccess))
	case Stale:
		return fmt.Sprintf("The %s sync has not run since %s (staleness window %s).",
			h.Component, formatTime(h.LastSync), m.cfg.StalenessWindow)
	default:
		return ""
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
