// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package api provides the operational HTTP surface: health, sync
// status, manual triggers, and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marikald/seltsisync/internal/monitor"
	"github.com/marikald/seltsisync/internal/state"
	"github.com/marikald/seltsisync/internal/trigger"
)

// Router wires the HTTP handlers to their collaborators.
type Router struct {
	handler *Handler
}

// NewRouter creates the operational router.
func NewRouter(db *state.DB, trig *trigger.Trigger, mon *monitor.Monitor) *Router {
	return &Router{handler: &Handler{db: db, trigger: trig, monitor: mon}}
}

// Setup configures all routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Permissive limit for health probes and status polling.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/healthz", router.handler.Healthz)
		r.Get("/api/v1/status", router.handler.Status)
	})

	// Manual triggers start real work; keep them rare.
	r.Route("/api/v1/sync", func(r chi.Router) {
		r.Use(httprate.LimitByIP(10, time.Minute))
		r.Post("/{component}", router.handler.TriggerSync)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
