// internal/handler/sensor_handler.go
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loadcell-service/internal/client"
	"loadcell-service/internal/connection"
	"loadcell-service/internal/discovery"
	"loadcell-service/internal/protocol"
	"loadcell-service/internal/utils"
)

const (
	defaultWaitIdleTimeout = 5 * time.Second
	maxWaitIdleTimeout     = 60 * time.Second
)

// SensorController is the client surface the HTTP API drives.
// *client.SensorClient satisfies it.
type SensorController interface {
	IsRunning() bool
	State() client.ClientState
	Readings() [protocol.MaxLoadCells]float32
	CellStatus(cellID uint8) (client.CellStatus, error)
	ConnectionHealth() connection.HealthSnapshot
	QueueDepth() int
	ConfigureCell(cellID, doutPin, sckPin uint8) error
	ZeroCell(cellID uint8) error
	ZeroAllCells() error
	CalibrateCell(cellID uint8, knownMass float32) error
	ResetSystem() error
	WaitForIdle(ctx context.Context, timeout time.Duration) bool
}

// PortLister lists candidate controller ports
type PortLister interface {
	ScanAll(ctx context.Context) ([]*discovery.DiscoveredPort, error)
}

// SensorHandler handles load cell HTTP requests
type SensorHandler struct {
	client     SensorController
	ports      PortLister
	staleAfter time.Duration
	logger     *utils.ServiceLogger
	device     *utils.DeviceLogger
}

// NewSensorHandler creates a new sensor handler. A state older than
// staleAfter is flagged as stale in responses.
func NewSensorHandler(sensor SensorController, ports PortLister, portName string, staleAfter time.Duration, logger *zap.Logger) *SensorHandler {
	return &SensorHandler{
		client:     sensor,
		ports:      ports,
		staleAfter: staleAfter,
		logger:     utils.NewServiceLogger(logger, "sensor-handler"),
		device:     utils.NewDeviceLogger(logger, portName),
	}
}

// RegisterRoutes registers load cell routes
func (h *SensorHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/state", h.GetState)
	router.GET("/readings", h.GetReadings)
	router.GET("/connection/health", h.GetConnectionHealth)
	router.GET("/ports", h.ListPorts)
	router.POST("/system/reset", h.ResetSystem)
	router.POST("/wait-idle", h.WaitForIdle)

	cells := router.Group("/cells")
	{
		cells.POST("/zero", h.ZeroAllCells)

		cellRoutes := cells.Group("/:cell_id")
		{
			cellRoutes.GET("", h.GetCell)
			cellRoutes.POST("/configure", h.ConfigureCell)
			cellRoutes.POST("/zero", h.ZeroCell)
			cellRoutes.POST("/calibrate", h.CalibrateCell)
		}
	}
}

// StateResponse is the cached controller state plus freshness
type StateResponse struct {
	State      client.ClientState `json:"state"`
	Stale      bool               `json:"stale"`
	QueueDepth int                `json:"queue_depth"`
	Running    bool               `json:"running"`
}

// ReadingsResponse carries the latest per-cell readings in grams
type ReadingsResponse struct {
	Readings  [protocol.MaxLoadCells]*float32 `json:"readings"`
	UpdatedAt time.Time                       `json:"updated_at"`
	Stale     bool                            `json:"stale"`
}

// ConfigureCellRequest carries the HX711 pin assignment for a cell
type ConfigureCellRequest struct {
	DoutPin *uint8 `json:"dout_pin"`
	SckPin  *uint8 `json:"sck_pin"`
}

// CalibrateCellRequest carries the known reference mass in grams.
// The mass may be sent as a JSON number or a decimal string.
type CalibrateCellRequest struct {
	Mass *decimal.Decimal `json:"mass"`
}

// GetState returns the cached controller state
func (h *SensorHandler) GetState(c *gin.Context) {
	state := h.client.State()
	utils.SuccessResponse(c, http.StatusOK, "State retrieved successfully", StateResponse{
		State:      state,
		Stale:      state.IsStale(h.staleAfter, time.Now()),
		QueueDepth: h.client.QueueDepth(),
		Running:    h.client.IsRunning(),
	})
}

// GetReadings returns the latest readings
func (h *SensorHandler) GetReadings(c *gin.Context) {
	state := h.client.State()
	utils.SuccessResponse(c, http.StatusOK, "Readings retrieved successfully", ReadingsResponse{
		Readings:  client.NullableValues(state.CellReadings),
		UpdatedAt: state.UpdatedAt,
		Stale:     state.IsStale(h.staleAfter, time.Now()),
	})
}

// GetCell returns the cached view of one cell
func (h *SensorHandler) GetCell(c *gin.Context) {
	cellID, ok := h.cellParam(c)
	if !ok {
		return
	}

	status, err := h.client.CellStatus(cellID)
	if err != nil {
		utils.CommandErrorResponse(c, "Invalid cell", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Cell retrieved successfully", status)
}

// GetConnectionHealth returns the serial link health
func (h *SensorHandler) GetConnectionHealth(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Connection health retrieved successfully", h.client.ConnectionHealth())
}

// ListPorts lists serial ports that may host the controller
func (h *SensorHandler) ListPorts(c *gin.Context) {
	if h.ports == nil {
		utils.SuccessResponse(c, http.StatusOK, "Ports retrieved successfully", gin.H{"ports": []*discovery.DiscoveredPort{}})
		return
	}

	ports, err := h.ports.ScanAll(c.Request.Context())
	if err != nil {
		utils.LogError(utils.LoggerWithRequestID(h.logger.Logger, c.GetString(utils.RequestIDKey)), "Failed to list ports", err)
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list ports", err)
		return
	}
	if ports == nil {
		ports = []*discovery.DiscoveredPort{}
	}

	utils.SuccessResponse(c, http.StatusOK, "Ports retrieved successfully", gin.H{"ports": ports})
}

// ConfigureCell queues a configure command
func (h *SensorHandler) ConfigureCell(c *gin.Context) {
	cellID, ok := h.cellParam(c)
	if !ok {
		return
	}

	var req ConfigureCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	problems := make(map[string]string)
	if req.DoutPin == nil {
		problems["dout_pin"] = "required"
	}
	if req.SckPin == nil {
		problems["sck_pin"] = "required"
	}
	if len(problems) > 0 {
		utils.ValidationErrorResponse(c, problems)
		return
	}

	h.command(c, protocol.FlagConfigure, cellID, func() error {
		return h.client.ConfigureCell(cellID, *req.DoutPin, *req.SckPin)
	})
}

// ZeroCell queues a zero command for one cell
func (h *SensorHandler) ZeroCell(c *gin.Context) {
	cellID, ok := h.cellParam(c)
	if !ok {
		return
	}

	h.command(c, protocol.FlagZero, cellID, func() error {
		return h.client.ZeroCell(cellID)
	})
}

// ZeroAllCells queues a zero command for every configured cell
func (h *SensorHandler) ZeroAllCells(c *gin.Context) {
	h.command(c, protocol.FlagZero, protocol.AllCells, h.client.ZeroAllCells)
}

// CalibrateCell queues a calibrate command
func (h *SensorHandler) CalibrateCell(c *gin.Context) {
	cellID, ok := h.cellParam(c)
	if !ok {
		return
	}

	var req CalibrateCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Mass == nil {
		utils.ValidationErrorResponse(c, map[string]string{"mass": "required"})
		return
	}
	if !req.Mass.IsPositive() {
		utils.ValidationErrorResponse(c, map[string]string{"mass": "must be greater than zero"})
		return
	}

	mass := float32(req.Mass.InexactFloat64())
	h.command(c, protocol.FlagCalibrate, cellID, func() error {
		return h.client.CalibrateCell(cellID, mass)
	})
}

// ResetSystem queues a reset command
func (h *SensorHandler) ResetSystem(c *gin.Context) {
	h.command(c, protocol.FlagReset, protocol.AllCells, h.client.ResetSystem)
}

// WaitForIdle blocks until the controller reports IDLE or the timeout passes
func (h *SensorHandler) WaitForIdle(c *gin.Context) {
	if !h.client.IsRunning() {
		utils.CommandErrorResponse(c, "Polling is not running", client.ErrNotRunning)
		return
	}

	timeout := defaultWaitIdleTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxWaitIdleTimeout {
			utils.ValidationErrorResponse(c, map[string]string{
				"timeout": fmt.Sprintf("must be a duration between 0 and %s", maxWaitIdleTimeout),
			})
			return
		}
		timeout = d
	}

	start := time.Now()
	idle := h.client.WaitForIdle(c.Request.Context(), timeout)

	utils.SuccessResponse(c, http.StatusOK, "Wait completed", gin.H{
		"idle":       idle,
		"waited_ms":  time.Since(start).Milliseconds(),
		"status":     h.client.State().Status,
		"timeout_ms": timeout.Milliseconds(),
	})
}

func (h *SensorHandler) command(c *gin.Context, flag protocol.CommandFlag, cellID uint8, enqueue func() error) {
	err := client.ErrNotRunning
	if h.client.IsRunning() {
		err = enqueue()
	}
	h.device.WithRequestID(c.GetString(utils.RequestIDKey)).LogCommand(flag, cellID, err)

	if err != nil {
		utils.CommandErrorResponse(c, "Command rejected", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Command queued", gin.H{
		"command":     flag.String(),
		"cell_id":     cellID,
		"queue_depth": h.client.QueueDepth(),
	})
}

func (h *SensorHandler) cellParam(c *gin.Context) (uint8, bool) {
	raw := c.Param("cell_id")
	id, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			err = numErr.Err
		}
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid cell id", fmt.Errorf("%w: %q: %v", client.ErrInvalidArgument, raw, err))
		return 0, false
	}
	return uint8(id), true
}
