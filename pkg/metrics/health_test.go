package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func readyAll() {
	UpdateComponent(ComponentRegistry, true, "")
	UpdateComponent(ComponentFailover, true, "")
	UpdateComponent(ComponentAdmin, true, "")
}

func TestGetHealth(t *testing.T) {
	resetHealth(t)
	SetVersion("1.2.3")

	UpdateComponent(ComponentRegistry, true, "")
	UpdateComponent(ComponentStore, true, "")
	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.2.3", health.Version)

	UpdateComponent(ComponentStore, false, "database closed")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: database closed", health.Components[ComponentStore])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		setup      func()
		wantStatus string
		wantMsg    string
	}{
		{
			name:       "all critical components ready",
			setup:      readyAll,
			wantStatus: "ready",
		},
		{
			name: "missing component",
			setup: func() {
				UpdateComponent(ComponentRegistry, true, "")
				UpdateComponent(ComponentFailover, true, "")
			},
			wantStatus: "not_ready",
			wantMsg:    "waiting for admin initialization",
		},
		{
			name: "unhealthy component",
			setup: func() {
				readyAll()
				UpdateComponent(ComponentFailover, false, "workers stopped")
			},
			wantStatus: "not_ready",
			wantMsg:    "waiting for failover",
		},
		{
			name: "non-critical component does not gate readiness",
			setup: func() {
				readyAll()
				UpdateComponent(ComponentProber, false, "no hosts")
			},
			wantStatus: "ready",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			tt.setup()
			got := GetReadiness()
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantMsg, got.Message)
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		setup    func()
		wantCode int
	}{
		{"health ok", HealthHandler(), readyAll, http.StatusOK},
		{"health failing", HealthHandler(), func() { UpdateComponent(ComponentStore, false, "x") }, http.StatusServiceUnavailable},
		{"ready ok", ReadyHandler(), readyAll, http.StatusOK},
		{"ready missing", ReadyHandler(), func() {}, http.StatusServiceUnavailable},
		{"live", LivenessHandler(), func() {}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			tt.setup()

			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["status"])
		})
	}
}

func TestComponentsSorted(t *testing.T) {
	resetHealth(t)
	UpdateComponent(ComponentStore, true, "")
	UpdateComponent(ComponentAdmin, true, "")

	comps := Components()
	require.Len(t, comps, 2)
	assert.Equal(t, ComponentAdmin, comps[0].Name)
	assert.Equal(t, ComponentStore, comps[1].Name)
}
