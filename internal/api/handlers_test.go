// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/monitor"
	"github.com/marikald/seltsisync/internal/state"
	"github.com/marikald/seltsisync/internal/trigger"
)

func testHandler(t *testing.T) http.Handler {
	t.Helper()

	db, err := state.NewInMemory()
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	trig := trigger.New(config.SyncConfig{})
	mon := monitor.New(db, nil, config.MonitorConfig{
		FailureThreshold: 3,
		StalenessWindow:  time.Hour,
	})
	return NewRouter(db, trig, mon).Setup()
}

func TestHealthz(t *testing.T) {
	handler := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %q", body["status"])
	}
}

func TestStatus_ListsBothComponents(t *testing.T) {
	handler := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Components []monitor.ComponentHealth `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if len(body.Components) != 2 {
		t.Errorf("Expected 2 components, got %d", len(body.Components))
	}
}

func TestTriggerSync_RejectsBadComponent(t *testing.T) {
	handler := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sync/newsletter", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown component name, got %d", rec.Code)
	}
}

func TestTriggerSync_UnregisteredComponentIs404(t *testing.T) {
	// Valid component name, but the trigger has no scheduler for it.
	handler := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sync/calendar", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	handler := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", rec.Code)
	}
}
