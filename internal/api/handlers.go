// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/marikald/seltsisync/internal/logging"
	"github.com/marikald/seltsisync/internal/models"
	"github.com/marikald/seltsisync/internal/monitor"
	"github.com/marikald/seltsisync/internal/state"
	"github.com/marikald/seltsisync/internal/trigger"
)

// Handler implements the operational endpoints.
type Handler struct {
	db      *state.DB
	trigger *trigger.Trigger
	monitor *monitor.Monitor
}

// statusResponse is the GET /api/v1/status body.
type statusResponse struct {
	Components []monitor.ComponentHealth `json:"components"`
}

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error string `json:"error"`
}

// Healthz reports process liveness plus database reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns every component's sync health assessment.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	components, err := h.monitor.Evaluate(r.Context())
	if err != nil {
		logger := logging.Logger()
		logger.Error().Err(err).Msg("Status evaluation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "health evaluation failed"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Components: components})
}

// TriggerSync starts a sync run outside the schedule and blocks until
// it finishes, returning the run summary. A run already in flight for
// the component yields 409.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	component, err := models.ParseComponent(chi.URLParam(r, "component"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	result, err := h.trigger.TriggerNow(r.Context(), component)
	switch {
	case errors.Is(err, trigger.ErrRunInFlight):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, trigger.ErrUnknownComponent):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		logger := logging.Logger()
		logger.Error().Err(err).Str("component", string(component)).Msg("Manual sync run failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "sync run failed: " + err.Error()})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// writeJSON encodes a JSON reply. Encode errors at this point are not
// recoverable; the connection is already committed.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // response write errors are not recoverable
	_ = json.NewEncoder(w).Encode(body)
}
