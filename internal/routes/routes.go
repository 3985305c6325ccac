// internal/routes/routes.go
package routes

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"loadcell-service/internal/config"
	"loadcell-service/internal/handler"
	"loadcell-service/internal/middleware"
	"loadcell-service/internal/utils"
)

// Sensor is the controller surface shared by the HTTP handlers.
// *client.SensorClient satisfies it.
type Sensor interface {
	handler.SensorController
	handler.HealthSource
	handler.StateSource
}

// Router holds all dependencies for routing
type Router struct {
	config    *config.Config
	logger    *zap.Logger
	sensor    Sensor
	ports     handler.PortLister
	portName  string
	websocket *handler.WebSocketHandler
	metrics   http.Handler
}

// NewRouter creates a new router instance. metrics may be nil when
// metrics exposition is disabled.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	sensor Sensor,
	ports handler.PortLister,
	portName string,
	websocket *handler.WebSocketHandler,
	metrics http.Handler,
) *Router {
	return &Router{
		config:    config,
		logger:    logger,
		sensor:    sensor,
		ports:     ports,
		portName:  portName,
		websocket: websocket,
		metrics:   metrics,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	// Set Gin mode
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.App.Environment == "test" {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Create Gin engine
	router := gin.New()

	// Add middleware
	r.addMiddleware(router)

	// Add routes
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	// Recovery middleware
	router.Use(middleware.RecoveryMiddleware(r.logger))

	// Request ID middleware
	router.Use(middleware.RequestIDMiddleware())

	// Logging middleware
	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	// CORS middleware
	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	// Create handlers
	healthHandler := handler.NewHealthHandler(r.sensor, r.config, r.logger)
	sensorHandler := handler.NewSensorHandler(r.sensor, r.ports, r.portName, r.staleAfter(), r.logger)

	// Health check routes
	healthHandler.RegisterRoutes(&router.RouterGroup)

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	sensorHandler.RegisterRoutes(apiV1)

	// WebSocket routes
	if r.websocket != nil {
		r.websocket.RegisterRoutes(router.Group("/ws"))
	}

	// Metrics
	if r.metrics != nil && r.config.Metrics.Enabled {
		router.GET(r.config.Metrics.Path, gin.WrapH(r.metrics))
	}

	// Documentation routes
	r.addDocumentationRoutes(router)

	r.logger.Info("All routes configured successfully", zap.Int("routes", len(router.Routes())))
}

// staleAfter is how long a cached state may go without a response before
// it is reported as stale.
func (r *Router) staleAfter() time.Duration {
	stale := 10 * r.config.Client.PollInterval
	if floor := 2 * r.config.Serial.ReadTimeout * time.Duration(r.config.Serial.MaxExchangeAttempts); stale < floor {
		stale = floor
	}
	return stale
}

// RouteInfo describes one registered route
type RouteInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// addDocumentationRoutes serves the route table
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	router.GET("/docs", func(c *gin.Context) {
		routes := router.Routes()
		info := make([]RouteInfo, 0, len(routes))
		for _, route := range routes {
			info = append(info, RouteInfo{Method: route.Method, Path: route.Path})
		}
		sort.Slice(info, func(i, j int) bool {
			if info[i].Path != info[j].Path {
				return info[i].Path < info[j].Path
			}
			return info[i].Method < info[j].Method
		})

		utils.SuccessResponse(c, http.StatusOK, "Routes retrieved successfully", gin.H{
			"service": r.config.App.Name,
			"version": r.config.App.Version,
			"routes":  info,
		})
	})
}
