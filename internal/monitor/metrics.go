// internal/monitor/metrics.go
package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"loadcell-service/internal/connection"
	"loadcell-service/internal/protocol"
)

const namespace = "loadcell"

// Source is the live view the gauges read at scrape time.
// *client.SensorClient satisfies it.
type Source interface {
	ConnectionHealth() connection.HealthSnapshot
	Readings() [protocol.MaxLoadCells]float32
	QueueDepth() int
	DroppedEvents() uint64
}

// PortStatsSource reports transport counters.
// *serial.Connection satisfies it.
type PortStatsSource interface {
	Stats() protocol.PortStats
}

// Metrics exposes exchange and controller metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	exchanges       *prometheus.CounterVec
	exchangeLatency prometheus.Histogram
}

// NewMetrics creates the exchange metrics. Call Attach once the client exists.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logger:   logger.With(zap.String("component", "metrics")),

		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Exchange attempts with the controller by outcome",
			},
			[]string{"outcome"},
		),

		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Round trip time of successful exchanges",
			Buckets:   []float64{.005, .01, .02, .05, .1, .2, .5, 1},
		}),
	}

	m.registry.MustRegister(
		m.exchanges,
		m.exchangeLatency,
		collectors.NewGoCollector(),
	)

	return m
}

// ObserveExchange implements connection.ExchangeObserver
func (m *Metrics) ObserveExchange(outcome connection.Outcome, latency time.Duration) {
	m.exchanges.WithLabelValues(string(outcome)).Inc()
	if outcome == connection.OutcomeSuccess {
		m.exchangeLatency.Observe(latency.Seconds())
	}
}

// Attach registers the gauges backed by source
func (m *Metrics) Attach(source Source) {
	boolGauge := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 when the serial link is open",
		}, func() float64 { return boolGauge(source.ConnectionHealth().IsConnected) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy",
			Help:      "1 when the link meets the health thresholds",
		}, func() float64 { return boolGauge(source.ConnectionHealth().IsHealthy) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "success_rate",
			Help:      "Success rate over the recent exchange window",
		}, func() float64 { return source.ConnectionHealth().SuccessRate }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Failed exchanges since the last success",
		}, func() float64 { return float64(source.ConnectionHealth().ConsecutiveFailures) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Commands waiting to be sent",
		}, func() float64 { return float64(source.QueueDepth()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Client events discarded because the consumer fell behind",
		}, func() float64 { return float64(source.DroppedEvents()) }),
	}

	for i := 0; i < protocol.MaxLoadCells; i++ {
		cell := i
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cell_reading_grams",
			Help:        "Last reading reported for each load cell",
			ConstLabels: prometheus.Labels{"cell": strconv.Itoa(cell)},
		}, func() float64 { return float64(source.Readings()[cell]) }))
	}

	m.registry.MustRegister(collectors...)
	m.logger.Info("Metrics attached", zap.Int("collectors", len(collectors)))
}

// AttachPort registers counters backed by the serial transport statistics
func (m *Metrics) AttachPort(port PortStatsSource) {
	counter := func(name, help string, value func(protocol.PortStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "port",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(port.Stats())) })
	}

	m.registry.MustRegister(
		counter("bytes_written_total", "Bytes written to the serial port",
			func(s protocol.PortStats) int64 { return s.BytesWritten }),
		counter("bytes_read_total", "Bytes read from the serial port",
			func(s protocol.PortStats) int64 { return s.BytesRead }),
		counter("errors_total", "Serial port I/O errors",
			func(s protocol.PortStats) int64 { return s.ErrorCount }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "port",
			Name:      "open",
			Help:      "1 while the serial port is open",
		}, func() float64 {
			if port.Stats().IsOpen {
				return 1
			}
			return 0
		}),
	)
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(m.logger),
	})
}
