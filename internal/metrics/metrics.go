// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package metrics provides Prometheus instrumentation for the engine:
// scheduler run outcomes, item throughput, object store operations,
// circuit breaker state, and monitor health evaluations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total scheduler runs by component and terminal status",
		},
		[]string{"component", "status"}, // status: complete, partial, failed
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Wall-clock duration of one scheduler run",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"component"},
	)

	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_processed_total",
			Help: "Items fully processed and recorded in the ledger",
		},
		[]string{"component"},
	)

	ItemsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_skipped_total",
			Help: "Items skipped on a ledger hit",
		},
		[]string{"component"},
	)

	ItemsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_failed_total",
			Help: "Items whose processing failed and was deferred to a later pass",
		},
		[]string{"component", "reason"}, // reason: vanished, derive, upload
	)

	// Object store metrics

	ObjectStoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_operations_total",
			Help: "Object store operations by type and outcome",
		},
		[]string{"operation", "outcome"}, // operation: put, get, head, list; outcome: success, error
	)

	ObjectStoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_retries_total",
			Help: "Retried object store operations after transient failures",
		},
		[]string{"operation"},
	)

	ObjectStoreBytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_bytes_uploaded_total",
			Help: "Bytes uploaded, split by simple and multipart path",
		},
		[]string{"path"}, // path: simple, multipart
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Monitor metrics

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_component_health",
			Help: "Component health as seen by the monitor (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_alerts_sent_total",
			Help: "Alerts emitted by the monitor",
		},
		[]string{"component", "reason"}, // reason: failing, stale
	)
)
