package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	reg = &registry{startedAt: time.Now()}
}

func TestSetFabricHealthReflectsInGetHealth(t *testing.T) {
	resetHealth()
	SetFabricHealth(true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["fabric"])
}

func TestGetHealthUnhealthyWhenAnyComponentFails(t *testing.T) {
	resetHealth()
	SetFabricHealth(true, "")
	SetDataPlaneHealth(false, "child exited")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: child exited", health.Components["dataplane"])
}

func TestGetReadinessWaitsForFabric(t *testing.T) {
	resetHealth()
	SetDataPlaneHealth(true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message)
}

func TestGetReadinessReadyOnceFabricUp(t *testing.T) {
	resetHealth()
	SetFabricHealth(true, "")

	readiness := GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.Equal(t, "ready", readiness.Components["fabric"])
}

func TestGetReadinessNotReadyWhenFabricUnhealthy(t *testing.T) {
	resetHealth()
	SetFabricHealth(false, "namespace setup failed")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Contains(t, readiness.Message, "namespace setup failed")
}

func TestGetReadinessReportsControlAndDataPlaneWithoutGating(t *testing.T) {
	resetHealth()
	SetFabricHealth(true, "")
	SetControlHealth(false, "not bound")

	readiness := GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.Equal(t, "unhealthy: not bound", readiness.Components["control"])
}

func TestHealthHandlerServesJSON(t *testing.T) {
	resetHealth()
	SetVersion("test")
	SetFabricHealth(true, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthHandlerReturns503WhenUnhealthy(t *testing.T) {
	resetHealth()
	SetFabricHealth(false, "broken")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyHandlerReturns503BeforeFabricRegistered(t *testing.T) {
	resetHealth()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	ReadyHandler()(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetHealth()

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
