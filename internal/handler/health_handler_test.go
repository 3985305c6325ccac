// internal/handler/health_handler_test.go
package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"loadcell-service/internal/config"
)

func newHealthRouter(t *testing.T, sensor *fakeSensor) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{App: config.AppConfig{Name: "loadcell-service", Version: "test"}}
	router := gin.New()
	NewHealthHandler(sensor, cfg, zaptest.NewLogger(t)).RegisterRoutes(&router.RouterGroup)
	return router
}

func getHealth(t *testing.T, router http.Handler, path string) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthHandler_HealthCheck(t *testing.T) {
	sensor := newFakeSensor()
	router := newHealthRouter(t, sensor)

	code, body := getHealth(t, router, "/health")
	if code != http.StatusOK || body.Status != healthStatusHealthy {
		t.Fatalf("healthy: code=%d body=%+v", code, body)
	}
	if body.Service != "loadcell-service" || body.Checks["controller"].Status != healthStatusHealthy {
		t.Fatalf("body=%+v", body)
	}

	// Connected but below thresholds is degraded, still 200.
	sensor.health.IsHealthy = false
	sensor.health.LastErrorMessage = "sequence mismatch"
	code, body = getHealth(t, router, "/health")
	if code != http.StatusOK || body.Status != healthStatusDegraded {
		t.Fatalf("degraded: code=%d body=%+v", code, body)
	}

	sensor.health.IsConnected = false
	code, body = getHealth(t, router, "/health")
	if code != http.StatusServiceUnavailable || body.Status != healthStatusUnhealthy {
		t.Fatalf("disconnected: code=%d body=%+v", code, body)
	}

	sensor.health = newFakeSensor().health
	sensor.running = false
	code, body = getHealth(t, router, "/health")
	if code != http.StatusServiceUnavailable || body.Checks["polling"].Status != healthStatusUnhealthy {
		t.Fatalf("stopped: code=%d body=%+v", code, body)
	}
}

func TestHealthHandler_ReadyAndLive(t *testing.T) {
	sensor := newFakeSensor()
	router := newHealthRouter(t, sensor)

	for _, tc := range []struct {
		connected bool
		path      string
		want      int
	}{
		{true, "/ready", http.StatusOK},
		{false, "/ready", http.StatusServiceUnavailable},
		{false, "/live", http.StatusOK},
	} {
		sensor.health.IsConnected = tc.connected
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s connected=%v: code=%d want %d", tc.path, tc.connected, rec.Code, tc.want)
		}
	}
}
