// internal/connection/health.go
package connection

import (
	"encoding/json"
	"sync"
	"time"
)

// Health policy. These thresholds are the complete classification;
// there is no hysteresis between healthy and unhealthy.
const (
	HealthWindowSize          = 20
	MaxConsecutiveFailures    = 3
	MinHealthySuccessRate     = 0.7
	optimisticSuccessRate     = 1.0
	latencyMillisecondDivisor = float64(time.Millisecond)
)

// HealthSnapshot is the externally visible view of link quality
type HealthSnapshot struct {
	IsConnected         bool      `json:"is_connected"`
	IsHealthy           bool      `json:"is_healthy"`
	SuccessRate         float64   `json:"success_rate"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	OverallSuccessRate  float64   `json:"overall_success_rate"`
	LastErrorTime       time.Time `json:"last_error_time"`
	LastErrorMessage    string    `json:"last_error_message,omitempty"`
}

// MarshalJSON leaves out last_error_time until an error has been recorded
func (s HealthSnapshot) MarshalJSON() ([]byte, error) {
	type plain HealthSnapshot
	var lastError *time.Time
	if !s.LastErrorTime.IsZero() {
		lastError = &s.LastErrorTime
	}
	return json.Marshal(struct {
		plain
		LastErrorTime *time.Time `json:"last_error_time,omitempty"`
	}{plain(s), lastError})
}

// ConnectionHealth tracks exchange outcomes over a sliding window
type ConnectionHealth struct {
	mu sync.RWMutex

	outcomes  ring[bool]
	latencies ring[time.Duration]

	consecutiveFailures int
	totalRequests       int64
	successfulRequests  int64
	lastErrorTime       time.Time
	lastErrorMessage    string

	now func() time.Time
}

// NewConnectionHealth creates a tracker with the standard window
func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{
		outcomes:  newRing[bool](HealthWindowSize),
		latencies: newRing[time.Duration](HealthWindowSize),
		now:       time.Now,
	}
}

// RecordSuccess records a completed exchange and its round-trip latency
func (h *ConnectionHealth) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.outcomes.push(true)
	h.latencies.push(latency)
	h.consecutiveFailures = 0
	h.totalRequests++
	h.successfulRequests++
}

// RecordFailure records a failed exchange. Latency history is untouched.
func (h *ConnectionHealth) RecordFailure(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.outcomes.push(false)
	h.consecutiveFailures++
	h.totalRequests++
	h.lastErrorTime = h.now()
	h.lastErrorMessage = message
}

// SuccessRate returns the fraction of successes in the window, 1.0 if empty
func (h *ConnectionHealth) SuccessRate() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.successRate()
}

// AverageLatency returns the mean latency in the window, 0 if empty
func (h *ConnectionHealth) AverageLatency() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.averageLatency()
}

// OverallSuccessRate returns the lifetime success rate, 1.0 if no requests
func (h *ConnectionHealth) OverallSuccessRate() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.overallSuccessRate()
}

// ConsecutiveFailures returns the failures since the last success
func (h *ConnectionHealth) ConsecutiveFailures() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.consecutiveFailures
}

// IsHealthy classifies the link
func (h *ConnectionHealth) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isHealthy()
}

// Status returns every derived field. IsConnected is filled in by the
// manager, which owns that flag.
func (h *ConnectionHealth) Status() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return HealthSnapshot{
		IsHealthy:           h.isHealthy(),
		SuccessRate:         h.successRate(),
		AvgLatencyMs:        float64(h.averageLatency()) / latencyMillisecondDivisor,
		ConsecutiveFailures: h.consecutiveFailures,
		TotalRequests:       h.totalRequests,
		OverallSuccessRate:  h.overallSuccessRate(),
		LastErrorTime:       h.lastErrorTime,
		LastErrorMessage:    h.lastErrorMessage,
	}
}

func (h *ConnectionHealth) successRate() float64 {
	if h.outcomes.len() == 0 {
		return optimisticSuccessRate
	}

	successes := 0
	h.outcomes.each(func(ok bool) {
		if ok {
			successes++
		}
	})
	return float64(successes) / float64(h.outcomes.len())
}

func (h *ConnectionHealth) averageLatency() time.Duration {
	if h.latencies.len() == 0 {
		return 0
	}

	var total time.Duration
	h.latencies.each(func(d time.Duration) {
		total += d
	})
	return total / time.Duration(h.latencies.len())
}

func (h *ConnectionHealth) overallSuccessRate() float64 {
	if h.totalRequests == 0 {
		return optimisticSuccessRate
	}
	return float64(h.successfulRequests) / float64(h.totalRequests)
}

func (h *ConnectionHealth) isHealthy() bool {
	if h.consecutiveFailures >= MaxConsecutiveFailures {
		return false
	}
	if h.outcomes.len() > 0 && h.successRate() < MinHealthySuccessRate {
		return false
	}
	return true
}

// ring is a fixed-capacity buffer that evicts the oldest entry when full
type ring[T any] struct {
	items []T
	start int
	size  int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) each(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.items[(r.start+i)%len(r.items)])
	}
}
