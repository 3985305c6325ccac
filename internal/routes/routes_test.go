// internal/routes/routes_test.go
package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"loadcell-service/internal/client"
	"loadcell-service/internal/config"
	"loadcell-service/internal/connection"
	"loadcell-service/internal/discovery"
	"loadcell-service/internal/monitor"
	"loadcell-service/internal/simulator"
)

func testConfig() *config.Config {
	return &config.Config{
		App:     config.AppConfig{Name: "loadcell-service", Version: "test", Environment: "test"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Serial: config.SerialConfig{
			ReadTimeout:         500 * time.Millisecond,
			MaxExchangeAttempts: 3,
		},
		Client: config.ClientConfig{PollInterval: 50 * time.Millisecond},
	}
}

func newSimulatedRouter(t *testing.T) (*gin.Engine, *simulator.Device) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	device := simulator.NewDevice(logger)
	manager := connection.NewManager(device, connection.ManagerConfig{
		ReadTimeout:         20 * time.Millisecond,
		ReconnectDelay:      time.Millisecond,
		WarmupDelay:         time.Millisecond,
		MaxConnectAttempts:  5,
		MaxExchangeAttempts: 3,
	}, logger)
	sensor := client.New(manager, client.Config{
		PollInterval:     5 * time.Millisecond,
		IdlePollInterval: 5 * time.Millisecond,
	}, logger)

	metrics := monitor.NewMetrics(logger)
	manager.SetObserver(metrics)
	metrics.Attach(sensor)

	if err := sensor.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(sensor.Stop)

	router := NewRouter(testConfig(), logger, sensor, discovery.NewScannerManager(logger), "simulator", nil, metrics.Handler())
	return router.SetupRouter(), device
}

func serve(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_SimulatedCellWorkflow(t *testing.T) {
	router, device := newSimulatedRouter(t)
	device.SetLoad(1, 250)

	rec := serve(t, router, http.MethodPost, "/api/v1/cells/1/configure", `{"dout_pin":4,"sck_pin":5}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("configure code=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = serve(t, router, http.MethodGet, "/api/v1/cells/1", "")
		var body struct {
			Data client.CellStatus `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode cell: %v", err)
		}
		if body.Data.Configured && body.Data.Reading == 250 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cell 1 never reported configured with load: %+v", body.Data)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if rec := serve(t, router, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health code=%d body=%s", rec.Code, rec.Body.String())
	}

	metrics := serve(t, router, http.MethodGet, "/metrics", "").Body.String()
	for _, want := range []string{
		`loadcell_exchanges_total{outcome="success"}`,
		`loadcell_connected 1`,
		`loadcell_cell_reading_grams{cell="1"} 250`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRouter_Docs(t *testing.T) {
	router, _ := newSimulatedRouter(t)

	rec := serve(t, router, http.MethodGet, "/docs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("docs code=%d", rec.Code)
	}

	var body struct {
		Data struct {
			Routes []RouteInfo `json:"routes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	found := map[string]bool{}
	for _, r := range body.Data.Routes {
		found[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /api/v1/state",
		"POST /api/v1/cells/:cell_id/calibrate",
		"POST /api/v1/cells/zero",
		"GET /metrics",
		"GET /health",
	} {
		if !found[want] {
			t.Errorf("route %q not listed", want)
		}
	}
	if found["GET /ws/events"] {
		t.Errorf("websocket route registered without a handler")
	}
}

func TestRouter_StaleAfter(t *testing.T) {
	r := &Router{config: testConfig()}
	// 2 * 500ms * 3 attempts outweighs 10 poll intervals.
	if got := r.staleAfter(); got != 3*time.Second {
		t.Fatalf("staleAfter=%v", got)
	}

	r.config.Client.PollInterval = time.Second
	if got := r.staleAfter(); got != 10*time.Second {
		t.Fatalf("staleAfter=%v", got)
	}
}
