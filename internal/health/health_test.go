// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChecker for aggregate tests
type mockChecker struct {
	name    string
	status  Status
	message string
	err     string
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{Status: m.status, Message: m.message, Error: m.err}
}

func TestManager_Health_NoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)
}

func TestManager_Health_AggregatesWorstStatus(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "ok", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "meh", status: StatusDegraded})

	// The aggregate is computed regardless of verbosity; verbose only
	// controls whether the breakdown is attached.
	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["ok"].Status)

	m.RegisterChecker(&mockChecker{name: "bad", status: StatusUnhealthy})
	resp = m.Health(context.Background(), false)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestManager_Ready_RequiresMarkReady(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "ok", status: StatusHealthy})

	resp := m.Ready(context.Background(), false)
	assert.False(t, resp.Ready, "not ready before startup completes")
	assert.Equal(t, StatusHealthy, resp.Status)

	m.MarkReady()
	resp = m.Ready(context.Background(), false)
	assert.True(t, resp.Ready)
}

func TestManager_Ready_DegradedStaysReady(t *testing.T) {
	m := NewManager("v1.0.0")
	m.MarkReady()
	m.RegisterChecker(&mockChecker{name: "meh", status: StatusDegraded})

	resp := m.Ready(context.Background(), false)
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestManager_Ready_UnhealthyNotReady(t *testing.T) {
	m := NewManager("v1.0.0")
	m.MarkReady()
	m.RegisterChecker(&mockChecker{name: "bad", status: StatusUnhealthy})

	resp := m.Ready(context.Background(), false)
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestManager_ServeHealth(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "bad", status: StatusUnhealthy})

	req := httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil)
	w := httptest.NewRecorder()
	m.ServeHealth(w, req)

	// Liveness always answers 200; the body carries the aggregate.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 1)
}

func TestManager_ServeReady(t *testing.T) {
	tests := []struct {
		name       string
		checker    Checker
		markReady  bool
		wantStatus int
		wantReady  bool
	}{
		{
			name:       "healthy and started",
			checker:    &mockChecker{name: "t", status: StatusHealthy},
			markReady:  true,
			wantStatus: http.StatusOK,
			wantReady:  true,
		},
		{
			name:       "degraded stays ready",
			checker:    &mockChecker{name: "t", status: StatusDegraded},
			markReady:  true,
			wantStatus: http.StatusOK,
			wantReady:  true,
		},
		{
			name:       "unhealthy rejects",
			checker:    &mockChecker{name: "t", status: StatusUnhealthy},
			markReady:  true,
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  false,
		},
		{
			name:       "healthy but startup incomplete",
			checker:    &mockChecker{name: "t", status: StatusHealthy},
			markReady:  false,
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v1.0.0")
			m.RegisterChecker(tt.checker)
			if tt.markReady {
				m.MarkReady()
			}

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()
			m.ServeReady(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp ReadinessResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantReady, resp.Ready)
		})
	}
}

func TestManager_ServeHealth_EncodingError(t *testing.T) {
	m := NewManager("v1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := &brokenWriter{header: make(http.Header)}

	// Must not panic when the client is gone mid-write.
	m.ServeHealth(w, req)
	m.ServeReady(w, req)
}

// brokenWriter always fails to write
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, assert.AnError }
func (w *brokenWriter) WriteHeader(int)           {}
