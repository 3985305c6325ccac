// internal/monitor/metrics_test.go
package monitor

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"loadcell-service/internal/connection"
	"loadcell-service/internal/protocol"
)

type fakeSource struct {
	health   connection.HealthSnapshot
	readings [protocol.MaxLoadCells]float32
	depth    int
	dropped  uint64
}

func (f *fakeSource) ConnectionHealth() connection.HealthSnapshot { return f.health }
func (f *fakeSource) Readings() [protocol.MaxLoadCells]float32   { return f.readings }
func (f *fakeSource) QueueDepth() int                            { return f.depth }
func (f *fakeSource) DroppedEvents() uint64                      { return f.dropped }

type fakePort struct {
	stats protocol.PortStats
}

func (f *fakePort) Stats() protocol.PortStats { return f.stats }

func TestMetrics_ObserveExchange(t *testing.T) {
	m := NewMetrics(zaptest.NewLogger(t))

	m.ObserveExchange(connection.OutcomeSuccess, 12*time.Millisecond)
	m.ObserveExchange(connection.OutcomeSuccess, 8*time.Millisecond)
	m.ObserveExchange(connection.OutcomeSeqMismatch, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.exchanges.WithLabelValues("success")); got != 2 {
		t.Fatalf("success=%v", got)
	}
	if got := testutil.ToFloat64(m.exchanges.WithLabelValues("seq_mismatch")); got != 1 {
		t.Fatalf("seq_mismatch=%v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	// Only successful exchanges feed the latency histogram.
	if !strings.Contains(rec.Body.String(), "loadcell_exchange_duration_seconds_count 2") {
		t.Fatalf("histogram count missing from exposition")
	}
}

func TestMetrics_Exposition(t *testing.T) {
	m := NewMetrics(zaptest.NewLogger(t))
	source := &fakeSource{
		health: connection.HealthSnapshot{IsConnected: true, IsHealthy: true, SuccessRate: 0.95},
		depth:  3,
	}
	source.readings[2] = 123.5
	m.Attach(source)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"loadcell_connected 1",
		"loadcell_healthy 1",
		"loadcell_success_rate 0.95",
		"loadcell_queue_depth 3",
		`loadcell_cell_reading_grams{cell="2"} 123.5`,
		"loadcell_dropped_events_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}

	// Gauges read the source at scrape time.
	source.health.IsConnected = false
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "loadcell_connected 0") {
		t.Fatalf("connected gauge not refreshed")
	}
}

func TestMetrics_AttachPort(t *testing.T) {
	m := NewMetrics(zaptest.NewLogger(t))
	port := &fakePort{stats: protocol.PortStats{BytesWritten: 26, BytesRead: 84, ErrorCount: 1, IsOpen: true}}
	m.AttachPort(port)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"loadcell_port_bytes_written_total 26",
		"loadcell_port_bytes_read_total 84",
		"loadcell_port_errors_total 1",
		"loadcell_port_open 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}
