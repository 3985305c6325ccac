// internal/handler/health_handler.go
package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"loadcell-service/internal/config"
	"loadcell-service/internal/connection"
	"loadcell-service/internal/utils"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthSource reports controller liveness.
// *client.SensorClient satisfies it.
type HealthSource interface {
	IsRunning() bool
	ConnectionHealth() connection.HealthSnapshot
}

// HealthHandler handles health check requests
type HealthHandler struct {
	source    HealthSource
	config    *config.Config
	logger    *utils.ServiceLogger
	startedAt time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(source HealthSource, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		source:    source,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports the polling loop and the serial link.
// A connected link below the health thresholds is degraded, not down.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	link := h.source.ConnectionHealth()
	running := h.source.IsRunning()

	health := &HealthResponse{
		Status:    healthStatusHealthy,
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	if running {
		health.Checks["polling"] = CheckResult{Status: healthStatusHealthy, Message: "Polling loop running"}
	} else {
		health.Status = healthStatusUnhealthy
		health.Checks["polling"] = CheckResult{Status: healthStatusUnhealthy, Message: "Polling loop stopped"}
	}

	controller := CheckResult{
		Status: healthStatusHealthy,
		Data: map[string]interface{}{
			"success_rate":         link.SuccessRate,
			"avg_latency_ms":       link.AvgLatencyMs,
			"consecutive_failures": link.ConsecutiveFailures,
			"total_requests":       link.TotalRequests,
		},
	}
	switch {
	case !link.IsConnected:
		controller.Status = healthStatusUnhealthy
		controller.Message = "Controller not connected"
		health.Status = healthStatusUnhealthy
	case !link.IsHealthy:
		controller.Status = healthStatusDegraded
		controller.Message = fmt.Sprintf("Link degraded: %s", link.LastErrorMessage)
		if health.Status == healthStatusHealthy {
			health.Status = healthStatusDegraded
		}
	default:
		controller.Message = "Controller link OK"
	}
	health.Checks["controller"] = controller

	statusCode := http.StatusOK
	if health.Status == healthStatusUnhealthy {
		h.logger.Warn("Health check failed", zap.Any("checks", health.Checks))
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// ReadinessCheck for Kubernetes readiness probe
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.source.ConnectionHealth().IsConnected {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "controller not connected",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
