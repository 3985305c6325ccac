// internal/connection/manager.go
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"loadcell-service/internal/protocol"
)

// ManagerConfig controls connect and exchange retry behaviour
type ManagerConfig struct {
	ReadTimeout         time.Duration `json:"read_timeout"`
	ReconnectDelay      time.Duration `json:"reconnect_delay"`
	WarmupDelay         time.Duration `json:"warmup_delay"`
	MaxConnectAttempts  int           `json:"max_connect_attempts"`
	MaxExchangeAttempts int           `json:"max_exchange_attempts"`
}

// DefaultManagerConfig returns the standard timings for the controller
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReadTimeout:         500 * time.Millisecond,
		ReconnectDelay:      1 * time.Second,
		WarmupDelay:         500 * time.Millisecond,
		MaxConnectAttempts:  5,
		MaxExchangeAttempts: 3,
	}
}

// Outcome classifies one exchange attempt
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeShortRead   Outcome = "short_read"
	OutcomeSeqMismatch Outcome = "seq_mismatch"
	OutcomeIOError     Outcome = "io_error"
	OutcomeConnect     Outcome = "connect_failed"
)

// ExchangeObserver receives every attempt outcome. Implementations must not block.
type ExchangeObserver interface {
	ObserveExchange(outcome Outcome, latency time.Duration)
}

// Manager owns the port and performs request/response exchanges
type Manager struct {
	port     protocol.Port
	config   ManagerConfig
	health   *ConnectionHealth
	logger   *zap.Logger
	observer ExchangeObserver

	// ioMu serialises connect and exchange; connected is readable without it.
	ioMu      sync.Mutex
	connected atomic.Bool

	readBuf []byte
	sleep   func(ctx context.Context, d time.Duration) bool
	now     func() time.Time
}

// NewManager creates a connection manager around port
func NewManager(port protocol.Port, config ManagerConfig, logger *zap.Logger) *Manager {
	defaults := DefaultManagerConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.ReconnectDelay < 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.WarmupDelay < 0 {
		config.WarmupDelay = defaults.WarmupDelay
	}
	if config.MaxConnectAttempts <= 0 {
		config.MaxConnectAttempts = defaults.MaxConnectAttempts
	}
	if config.MaxExchangeAttempts <= 0 {
		config.MaxExchangeAttempts = defaults.MaxExchangeAttempts
	}

	return &Manager{
		port:    port,
		config:  config,
		health:  NewConnectionHealth(),
		logger:  logger.With(zap.String("component", "connection")),
		readBuf: make([]byte, protocol.ResponseFrameSize),
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// SetObserver registers an exchange observer. Call before the first exchange.
func (m *Manager) SetObserver(observer ExchangeObserver) {
	m.observer = observer
}

// Connect opens the port, retrying with a fixed delay.
// It is a no-op when already connected.
func (m *Manager) Connect(ctx context.Context) bool {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) bool {
	if m.connected.Load() {
		return true
	}

	for attempt := 1; attempt <= m.config.MaxConnectAttempts; attempt++ {
		m.logger.Info("Connecting to controller", zap.Int("attempt", attempt))

		err := m.port.Open()
		if err == nil {
			// The controller resets when the port opens.
			if !m.sleep(ctx, m.config.WarmupDelay) {
				_ = m.port.Close()
				return false
			}
			m.connected.Store(true)
			m.logger.Info("Connected to controller", zap.Int("attempt", attempt))
			return true
		}

		message := fmt.Sprintf("connection attempt %d failed: %v", attempt, err)
		m.logger.Warn("Connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		m.health.RecordFailure(message)
		m.observe(OutcomeConnect, 0)

		if !m.sleep(ctx, m.config.ReconnectDelay) {
			return false
		}
	}

	m.logger.Error("Giving up connecting to controller",
		zap.Int("attempts", m.config.MaxConnectAttempts),
	)
	return false
}

// Disconnect closes the port. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	if m.port.IsOpen() {
		if err := m.port.Close(); err != nil {
			m.logger.Warn("Error closing port", zap.Error(err))
		}
	}
	m.connected.Store(false)
}

// IsConnected reports whether the port is believed usable
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Health returns the current health snapshot
func (m *Manager) Health() HealthSnapshot {
	snapshot := m.health.Status()
	snapshot.IsConnected = m.IsConnected()
	return snapshot
}

// SendReceive writes command and returns the matching response.
// It returns false when no matching response arrived after all attempts;
// callers treat that as "no new data this cycle".
func (m *Manager) SendReceive(ctx context.Context, command protocol.CommandPacket) (*protocol.ResponsePacket, bool) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	if !m.connected.Load() {
		// Keep going on failure so each attempt is recorded.
		m.connectLocked(ctx)
	}

	frame := protocol.EncodeFrame(command.Pack())

	for attempt := 0; attempt < m.config.MaxExchangeAttempts; attempt++ {
		response, outcome, latency, err := m.exchange(frame, command.SeqID)
		if outcome == OutcomeSuccess {
			m.health.RecordSuccess(latency)
			m.observe(outcome, latency)
			return response, true
		}

		message := fmt.Sprintf("%s (attempt %d): %v", outcome, attempt+1, err)
		m.logger.Warn("Exchange failed",
			zap.String("outcome", string(outcome)),
			zap.Int("attempt", attempt+1),
			zap.Uint8("seq_id", command.SeqID),
			zap.Error(err),
		)
		m.health.RecordFailure(message)
		m.observe(outcome, latency)

		if outcome == OutcomeIOError {
			m.connected.Store(false)
		}

		if attempt+1 == m.config.MaxExchangeAttempts {
			break
		}
		backoff := m.config.ReconnectDelay * time.Duration(1<<attempt)
		if !m.sleep(ctx, backoff) {
			break
		}
	}

	m.disconnectLocked()
	return nil, false
}

// exchange performs one write and one bounded read.
func (m *Manager) exchange(frame []byte, seqID uint8) (*protocol.ResponsePacket, Outcome, time.Duration, error) {
	if !m.port.IsOpen() {
		return nil, OutcomeIOError, 0, fmt.Errorf("port not open")
	}

	start := m.now()

	// Stale bytes from an earlier failed exchange would shift the frame.
	if err := m.port.ResetInputBuffer(); err != nil {
		return nil, OutcomeIOError, 0, err
	}

	if _, err := m.port.Write(frame); err != nil {
		return nil, OutcomeIOError, 0, err
	}

	decoder := protocol.NewFrameDecoder(protocol.ResponsePacketSize)
	deadline := start.Add(m.config.ReadTimeout)
	received := 0
	incomplete := func() (*protocol.ResponsePacket, Outcome, time.Duration, error) {
		return nil, OutcomeShortRead, m.now().Sub(start),
			fmt.Errorf("incomplete response: got %d bytes, expected %d", received, protocol.ResponseFrameSize)
	}
	setter, narrow := m.port.(protocol.ReadTimeoutSetter)

	for {
		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return incomplete()
		}
		// Each read may only wait for what is left of the exchange budget.
		if narrow {
			if err := setter.SetReadTimeout(remaining); err != nil {
				return nil, OutcomeIOError, m.now().Sub(start), err
			}
		}

		n, err := m.port.Read(m.readBuf)
		if err != nil {
			return nil, OutcomeIOError, m.now().Sub(start), err
		}
		received += n
		decoder.Write(m.readBuf[:n])

		if body, ok := decoder.Next(); ok {
			latency := m.now().Sub(start)

			response, err := protocol.UnpackResponse(body)
			if err != nil {
				return nil, OutcomeShortRead, latency, err
			}
			if response.SeqID != seqID {
				return nil, OutcomeSeqMismatch, latency,
					fmt.Errorf("sequence id mismatch: sent %d, received %d", seqID, response.SeqID)
			}
			if skipped := decoder.Discarded(); skipped > 0 {
				m.logger.Debug("Resynchronised response frame", zap.Int("discarded_bytes", skipped))
			}
			return &response, OutcomeSuccess, latency, nil
		}

		if n == 0 {
			return incomplete()
		}
	}
}

func (m *Manager) observe(outcome Outcome, latency time.Duration) {
	if m.observer != nil {
		m.observer.ObserveExchange(outcome, latency)
	}
}

// sleepContext waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
