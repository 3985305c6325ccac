// internal/client/client.go
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"loadcell-service/internal/connection"
	"loadcell-service/internal/protocol"
)

var (
	// ErrInvalidArgument is returned for out-of-range cell ids or masses.
	// Nothing is queued when it is returned.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrQueueFull is returned when the command queue is at capacity.
	ErrQueueFull = errors.New("command queue full")
	// ErrNotConnected is returned by Start when the port cannot be opened.
	ErrNotConnected = errors.New("controller not connected")
	// ErrNotRunning is returned by operations that need the polling loop.
	ErrNotRunning = errors.New("client not running")
)

const noResponseMessage = "Failed to get response from device"

// Link is the exchange layer the client polls through.
// *connection.Manager satisfies it.
type Link interface {
	Connect(ctx context.Context) bool
	Disconnect()
	IsConnected() bool
	SendReceive(ctx context.Context, command protocol.CommandPacket) (*protocol.ResponsePacket, bool)
	Health() connection.HealthSnapshot
}

// Config controls the polling loop
type Config struct {
	PollInterval     time.Duration `json:"poll_interval"`
	QueueCapacity    int           `json:"queue_capacity"`
	StopTimeout      time.Duration `json:"stop_timeout"`
	EventBuffer      int           `json:"event_buffer"`
	IdlePollInterval time.Duration `json:"idle_poll_interval"`
}

// DefaultConfig returns the standard polling configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:     50 * time.Millisecond,
		QueueCapacity:    16,
		StopTimeout:      1 * time.Second,
		EventBuffer:      64,
		IdlePollInterval: 100 * time.Millisecond,
	}
}

// SensorClient drives the poll loop against the controller and caches the
// last state it reported. All methods are safe for concurrent use.
type SensorClient struct {
	link   Link
	config Config
	logger *zap.Logger

	queue *commandQueue

	mu        sync.RWMutex
	state     ClientState
	callbacks Callbacks

	events  chan Event
	dropped atomic.Uint64

	// Owned by the polling goroutine.
	seq        uint8
	lastHealth connection.HealthSnapshot

	runMu   sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// New creates a client. Zero config fields take their defaults.
func New(link Link, config Config, logger *zap.Logger) *SensorClient {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.IdlePollInterval <= 0 {
		config.IdlePollInterval = defaults.IdlePollInterval
	}

	return &SensorClient{
		link:   link,
		config: config,
		logger: logger.With(zap.String("component", "client")),
		queue:  newCommandQueue(config.QueueCapacity),
		state:  initialState(),
		events: make(chan Event, config.EventBuffer),
		lastHealth: connection.HealthSnapshot{
			IsHealthy:          true,
			SuccessRate:        1.0,
			OverallSuccessRate: 1.0,
		},
		now: time.Now,
	}
}

// SetCallbacks replaces the registered callbacks
func (c *SensorClient) SetCallbacks(callbacks Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = callbacks
}

// OnStateChanged registers the state change callback
func (c *SensorClient) OnStateChanged(fn StateChangedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks.OnStateChanged = fn
}

// OnError registers the error callback
func (c *SensorClient) OnError(fn ErrorFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks.OnError = fn
}

// OnHealthChanged registers the health change callback
func (c *SensorClient) OnHealthChanged(fn HealthChangedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks.OnHealthChanged = fn
}

// Events returns the notification channel. Events are dropped, not
// blocked on, when the consumer falls behind.
func (c *SensorClient) Events() <-chan Event {
	return c.events
}

// DroppedEvents returns how many events were discarded on a full channel
func (c *SensorClient) DroppedEvents() uint64 {
	return c.dropped.Load()
}

// Connect opens the link without starting the polling loop
func (c *SensorClient) Connect(ctx context.Context) bool {
	return c.link.Connect(ctx)
}

// Start connects and launches the polling goroutine.
// Calling Start on a running client is a no-op. A worker left behind by a
// Stop that timed out is waited for first, bounded by ctx.
func (c *SensorClient) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running.Load() {
		return nil
	}

	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !c.link.Connect(ctx) {
		return ErrNotConnected
	}

	// The loop outlives the caller's context; Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running.Store(true)

	go c.run(runCtx, c.done)

	c.logger.Info("Polling started", zap.Duration("poll_interval", c.config.PollInterval))
	return nil
}

// Stop lets the in-flight exchange finish, joins the polling goroutine
// for at most StopTimeout and releases the port. A worker that outlives
// the timeout keeps c.done open until it returns.
func (c *SensorClient) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running.Load() {
		c.cancel()

		timer := time.NewTimer(c.config.StopTimeout)
		select {
		case <-c.done:
		case <-timer.C:
			c.logger.Warn("Polling loop did not stop in time", zap.Duration("timeout", c.config.StopTimeout))
		}
		timer.Stop()

		c.running.Store(false)
		c.logger.Info("Polling stopped")
	}

	c.link.Disconnect()
}

// Disconnect stops polling and closes the port. Safe to call repeatedly.
func (c *SensorClient) Disconnect() {
	c.Stop()
}

// IsRunning reports whether the polling loop is active
func (c *SensorClient) IsRunning() bool {
	return c.running.Load()
}

// ConfigureCell queues a CONFIGURE command
func (c *SensorClient) ConfigureCell(cellID, doutPin, sckPin uint8) error {
	if err := validateCell(cellID); err != nil {
		return err
	}
	return c.enqueue(protocol.CommandPacket{
		Flags:   protocol.FlagConfigure,
		CellID:  cellID,
		DoutPin: doutPin,
		SckPin:  sckPin,
	})
}

// ZeroCell queues a ZERO command for one cell or for protocol.AllCells
func (c *SensorClient) ZeroCell(cellID uint8) error {
	if cellID != protocol.AllCells {
		if err := validateCell(cellID); err != nil {
			return err
		}
	}
	return c.enqueue(protocol.CommandPacket{Flags: protocol.FlagZero, CellID: cellID})
}

// ZeroAllCells queues a ZERO command for every configured cell
func (c *SensorClient) ZeroAllCells() error {
	return c.ZeroCell(protocol.AllCells)
}

// CalibrateCell queues a CALIBRATE command with a known mass in grams
func (c *SensorClient) CalibrateCell(cellID uint8, knownMass float32) error {
	if err := validateCell(cellID); err != nil {
		return err
	}
	m := float64(knownMass)
	if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
		return fmt.Errorf("%w: calibration mass must be a positive number, got %v", ErrInvalidArgument, knownMass)
	}
	return c.enqueue(protocol.CommandPacket{
		Flags:           protocol.FlagCalibrate,
		CellID:          cellID,
		CalibrationMass: knownMass,
	})
}

// ResetSystem queues a RESET command
func (c *SensorClient) ResetSystem() error {
	return c.enqueue(protocol.CommandPacket{Flags: protocol.FlagReset})
}

func validateCell(cellID uint8) error {
	if !protocol.ValidCellID(cellID) {
		return fmt.Errorf("%w: cell id must be between 0 and %d, got %d",
			ErrInvalidArgument, protocol.MaxLoadCells-1, cellID)
	}
	return nil
}

func (c *SensorClient) enqueue(cmd protocol.CommandPacket) error {
	if err := c.queue.push(cmd); err != nil {
		c.logger.Warn("Command rejected",
			zap.Stringer("command", cmd.Flags),
			zap.Uint8("cell_id", cmd.CellID),
			zap.Int("capacity", c.queue.capacity()),
		)
		return fmt.Errorf("%w: %d commands pending", err, c.queue.capacity())
	}

	c.logger.Debug("Command queued",
		zap.Stringer("command", cmd.Flags),
		zap.Uint8("cell_id", cmd.CellID),
	)
	return nil
}

// QueueDepth returns the number of commands waiting to be sent
func (c *SensorClient) QueueDepth() int {
	return c.queue.len()
}

// State returns a copy of the cached controller state
func (c *SensorClient) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Readings returns a copy of the cached readings
func (c *SensorClient) Readings() [protocol.MaxLoadCells]float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.CellReadings
}

// CellStatus returns the cached view of one cell
func (c *SensorClient) CellStatus(cellID uint8) (CellStatus, error) {
	if err := validateCell(cellID); err != nil {
		return CellStatus{}, err
	}
	return c.State().Cell(cellID), nil
}

// ConnectionHealth returns the link health snapshot
func (c *SensorClient) ConnectionHealth() connection.HealthSnapshot {
	return c.link.Health()
}

// WaitForIdle polls the cached status until it reads IDLE, timeout
// elapses or ctx is done.
func (c *SensorClient) WaitForIdle(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.config.IdlePollInterval)
	defer ticker.Stop()

	for {
		if c.State().Status == protocol.StatusIdle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (c *SensorClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		c.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick performs one poll cycle: at most one queued command, one exchange.
func (c *SensorClient) tick(ctx context.Context) {
	cmd, queued := c.queue.pop()
	cmd.SeqID = c.seq
	c.seq++

	if queued {
		c.logger.Info("Sending command",
			zap.Stringer("command", cmd.Flags),
			zap.Uint8("cell_id", cmd.CellID),
			zap.Uint8("seq_id", cmd.SeqID),
		)
	}

	response, ok := c.link.SendReceive(ctx, cmd)
	health := c.link.Health()

	switch {
	case ok:
		c.applyResponse(response)
	case ctx.Err() != nil:
		// Stopping; the exchange was cut short on purpose.
		return
	case health.ConsecutiveFailures > 0:
		c.emitError(noResponseMessage)
	}

	if healthChanged(c.lastHealth, health) {
		c.emitHealth(health)
	}
	c.lastHealth = health
}

func (c *SensorClient) applyResponse(response *protocol.ResponsePacket) {
	next := stateFromResponse(response, c.now())

	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	c.emitStateChanged(prev, next)

	if response.Error != protocol.ErrNone {
		c.emitError(fmt.Sprintf("device error: %s", response.Error))
	}
}

func (c *SensorClient) currentCallbacks() Callbacks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callbacks
}

func (c *SensorClient) emitStateChanged(prev, next ClientState) {
	c.publish(Event{Type: EventStateChanged, Old: &prev, New: &next})
	if fn := c.currentCallbacks().OnStateChanged; fn != nil {
		c.invoke(EventStateChanged, func() { fn(prev, next) })
	}
}

func (c *SensorClient) emitError(message string) {
	c.logger.Warn("Client error", zap.String("message", message))
	c.publish(Event{Type: EventError, Message: message})
	if fn := c.currentCallbacks().OnError; fn != nil {
		c.invoke(EventError, func() { fn(message) })
	}
}

func (c *SensorClient) emitHealth(health connection.HealthSnapshot) {
	c.logger.Info("Connection health changed",
		zap.Bool("connected", health.IsConnected),
		zap.Bool("healthy", health.IsHealthy),
		zap.Float64("success_rate", health.SuccessRate),
		zap.Int("consecutive_failures", health.ConsecutiveFailures),
	)
	c.publish(Event{Type: EventHealthChanged, Health: &health})
	if fn := c.currentCallbacks().OnHealthChanged; fn != nil {
		c.invoke(EventHealthChanged, func() { fn(health) })
	}
}

// invoke runs a user callback; a panic is logged and the loop keeps going.
func (c *SensorClient) invoke(event EventType, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Callback panicked",
				zap.String("event", string(event)),
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)
		}
	}()
	fn()
}

func (c *SensorClient) publish(event Event) {
	event.Timestamp = c.now()
	select {
	case c.events <- event:
	default:
		c.dropped.Add(1)
	}
}
