// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"loadcell-service/internal/client"
	"loadcell-service/internal/config"
	"loadcell-service/internal/connection"
	"loadcell-service/internal/discovery"
	discoveryserial "loadcell-service/internal/discovery/serial"
	"loadcell-service/internal/handler"
	"loadcell-service/internal/monitor"
	"loadcell-service/internal/protocol"
	"loadcell-service/internal/protocol/serial"
	"loadcell-service/internal/routes"
	"loadcell-service/internal/simulator"
	"loadcell-service/internal/utils"
)

const simulatorPortName = "simulator"

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	// Controller link
	portName string
	port     protocol.Port
	manager  *connection.Manager
	sensor   *client.SensorClient
	scanner  *discovery.ScannerManager
	metrics  *monitor.Metrics

	// Event distribution
	eventBus  *handler.EventBus
	websocket *handler.WebSocketHandler

	deviceLogger *utils.DeviceLogger
	background   sync.WaitGroup
}

func main() {
	// Initialize application
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Start the application
	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Create service logger
	serviceLogger := utils.NewServiceLogger(logger, "loadcell-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	// Initialize components
	app.initializeDiscovery()

	if err := app.initializePort(); err != nil {
		return nil, fmt.Errorf("failed to initialize port: %w", err)
	}

	app.initializeClient()
	app.initializeEvents()

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeDiscovery registers the port scanners
func (app *Application) initializeDiscovery() {
	app.scanner = discovery.NewScannerManager(app.logger)
	app.scanner.RegisterScanner(discoveryserial.NewScanner(app.logger))
}

// initializePort opens nothing yet; it selects and builds the transport
func (app *Application) initializePort() error {
	serialCfg := app.config.Serial

	if serialCfg.Simulate {
		app.portName = simulatorPortName
		app.port = simulator.NewDevice(app.logger)
		app.logger.Warn("Running against the in-process controller simulator")
		return nil
	}

	app.portName = serialCfg.Port
	if app.config.AutoDetectPort() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		selected, err := app.scanner.SelectController(ctx)
		if err != nil {
			return fmt.Errorf("serial port auto-detection failed: %w", err)
		}
		app.portName = selected.Name
	}

	conn, err := serial.NewConnection(&serial.Config{
		Port:     app.portName,
		BaudRate: serialCfg.BaudRate,
		DataBits: serialCfg.DataBits,
		StopBits: serialCfg.StopBits,
		Parity:   serialCfg.Parity,
		Timeout:  serialCfg.ReadTimeout,
	}, app.logger)
	if err != nil {
		return err
	}

	app.port = conn
	app.logger.Info("Serial port selected",
		zap.String("port", app.portName),
		zap.Int("baud_rate", serialCfg.BaudRate),
	)
	return nil
}

// initializeClient builds the exchange manager, metrics and polling client
func (app *Application) initializeClient() {
	serialCfg := app.config.Serial
	clientCfg := app.config.Client

	app.manager = connection.NewManager(app.port, connection.ManagerConfig{
		ReadTimeout:         serialCfg.ReadTimeout,
		ReconnectDelay:      serialCfg.ReconnectDelay,
		WarmupDelay:         serialCfg.WarmupDelay,
		MaxConnectAttempts:  serialCfg.MaxConnectAttempts,
		MaxExchangeAttempts: serialCfg.MaxExchangeAttempts,
	}, app.logger)

	app.sensor = client.New(app.manager, client.Config{
		PollInterval:     clientCfg.PollInterval,
		QueueCapacity:    clientCfg.QueueCapacity,
		StopTimeout:      clientCfg.StopTimeout,
		EventBuffer:      clientCfg.EventBuffer,
		IdlePollInterval: clientCfg.IdlePollInterval,
	}, app.logger)

	if app.config.Metrics.Enabled {
		app.metrics = monitor.NewMetrics(app.logger)
		app.manager.SetObserver(app.metrics)
		app.metrics.Attach(app.sensor)
		if stats, ok := app.port.(monitor.PortStatsSource); ok {
			app.metrics.AttachPort(stats)
		}
	}

	app.deviceLogger = utils.NewDeviceLogger(app.logger, app.portName)
	app.sensor.SetCallbacks(client.Callbacks{
		OnStateChanged:  app.deviceLogger.LogStateChange,
		OnHealthChanged: app.deviceLogger.LogHealth,
	})

	app.logger.Info("Client initialized successfully",
		zap.Duration("poll_interval", clientCfg.PollInterval),
		zap.Int("queue_capacity", clientCfg.QueueCapacity),
		zap.Bool("metrics_enabled", app.metrics != nil),
	)
}

// initializeEvents creates the event bus and its WebSocket consumer
func (app *Application) initializeEvents() {
	app.eventBus = handler.NewEventBus(app.logger)
	app.websocket = handler.NewWebSocketHandler(app.eventBus, app.sensor, app.config.Security.AllowedOrigins, app.logger)
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	var metricsHandler http.Handler
	if app.metrics != nil {
		metricsHandler = app.metrics.Handler()
	}

	// Create router
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.sensor,
		app.scanner,
		app.portName,
		app.websocket,
		metricsHandler,
	)

	// Setup router with all routes
	router := routerManager.SetupRouter()

	// Create HTTP server
	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)

	return nil
}

// startBackgroundServices starts event distribution and the polling client
func (app *Application) startBackgroundServices(ctx context.Context) {
	app.goBackground(func() { app.eventBus.Start(ctx) })
	app.goBackground(func() { app.eventBus.Forward(ctx, app.sensor.Events()) })
	app.goBackground(func() { app.websocket.Start(ctx) })
	app.goBackground(func() { app.runClient(ctx) })

	app.logger.Info("Background services started")
}

func (app *Application) goBackground(fn func()) {
	app.background.Add(1)
	go func() {
		defer app.background.Done()
		fn()
	}()
}

// runClient starts polling, retrying until the controller answers, then
// applies the configured cells.
func (app *Application) runClient(ctx context.Context) {
	for {
		err := app.sensor.Start(ctx)
		if err == nil {
			break
		}

		app.deviceLogger.LogConnection("start", false, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(app.config.Serial.ReconnectDelay):
		}
	}
	app.deviceLogger.LogConnection("start", true, nil)

	app.configureCells(ctx)
}

// configureCells queues a CONFIGURE for every cell in the config file and
// waits for the controller to settle.
func (app *Application) configureCells(ctx context.Context) {
	if len(app.config.Cells) == 0 {
		return
	}

	for _, cell := range app.config.Cells {
		err := app.sensor.ConfigureCell(cell.ID, cell.DoutPin, cell.SckPin)
		app.deviceLogger.LogCommand(protocol.FlagConfigure, cell.ID, err)
	}

	// The queue drains one command per tick.
	deadline := time.Now().Add(app.config.Client.StartupIdleWait)
	for app.sensor.QueueDepth() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(app.config.Client.PollInterval):
		}
	}

	if !app.sensor.WaitForIdle(ctx, time.Until(deadline)) {
		app.logger.Warn("Controller did not settle after configuring cells",
			zap.Duration("waited", app.config.Client.StartupIdleWait),
			zap.Int("queue_depth", app.sensor.QueueDepth()),
		)
		return
	}

	state := app.sensor.State()
	app.logger.Info("Startup cell configuration applied",
		zap.Int("cells", len(app.config.Cells)),
		zap.Bools("configured", state.CellConfigured[:]),
	)
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown(ctx context.Context, cancel context.CancelFunc, serverErr <-chan error) {
	select {
	case <-ctx.Done():
		app.logger.Info("Received shutdown signal")
	case err := <-serverErr:
		app.logger.Error("HTTP server failed", zap.Error(err))
	}

	app.shutdown(cancel)
}

// shutdown performs graceful shutdown
func (app *Application) shutdown(cancel context.CancelFunc) {
	serviceLogger := utils.NewServiceLogger(app.logger, "loadcell-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	// Shutdown HTTP server
	ctx, cancelShutdown := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Stop background services, then polling and the port
	cancel()
	app.background.Wait()
	app.sensor.Stop()
	app.logger.Info("Controller link closed")

	app.logger.Info("Application shutdown completed")

	// Flush logger
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

func (app *Application) Start() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start background services
	app.startBackgroundServices(ctx)

	// Wait for interrupt signal
	app.waitForShutdown(ctx, cancel, serverErr)

	return nil
}
