// internal/client/events.go
package client

import (
	"time"

	"loadcell-service/internal/connection"
)

// EventType identifies a client notification
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventError         EventType = "error"
	EventHealthChanged EventType = "health_changed"
)

// Event is published on the client's event channel for every callback
// invocation. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType                  `json:"type"`
	Timestamp time.Time                  `json:"timestamp"`
	Old       *ClientState               `json:"old,omitempty"`
	New       *ClientState               `json:"new,omitempty"`
	Message   string                     `json:"message,omitempty"`
	Health    *connection.HealthSnapshot `json:"health,omitempty"`
}

// StateChangedFunc receives copies of the previous and current state
type StateChangedFunc func(prev, next ClientState)

// ErrorFunc receives a human readable error message
type ErrorFunc func(message string)

// HealthChangedFunc receives the new health snapshot
type HealthChangedFunc func(health connection.HealthSnapshot)

// Callbacks run on the polling goroutine and must not block.
type Callbacks struct {
	OnStateChanged  StateChangedFunc
	OnError         ErrorFunc
	OnHealthChanged HealthChangedFunc
}

// Material health change threshold for the windowed success rate.
const healthRateDelta = 0.05

func healthChanged(prev, next connection.HealthSnapshot) bool {
	if prev.IsConnected != next.IsConnected || prev.IsHealthy != next.IsHealthy {
		return true
	}
	if prev.ConsecutiveFailures != next.ConsecutiveFailures {
		return true
	}
	delta := prev.SuccessRate - next.SuccessRate
	if delta < 0 {
		delta = -delta
	}
	return delta > healthRateDelta
}
