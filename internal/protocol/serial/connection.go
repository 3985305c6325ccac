// internal/protocol/serial/connection.go
package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"loadcell-service/internal/protocol"
)

// ErrPortNotOpen is returned by I/O calls on a closed connection.
var ErrPortNotOpen = errors.New("serial port not open")

// Connection represents a serial port connection
type Connection struct {
	config *Config
	port   serial.Port
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
	stats  protocol.PortStats
	open   func(name string, mode *serial.Mode) (serial.Port, error)
}

// Config represents serial port configuration
type Config struct {
	Port     string        `json:"port"`
	BaudRate int           `json:"baud_rate"`
	DataBits int           `json:"data_bits"`
	StopBits int           `json:"stop_bits"`
	Parity   string        `json:"parity"`
	Timeout  time.Duration `json:"timeout"`
}

var _ protocol.Port = (*Connection)(nil)

// NewConnection creates a new serial connection
func NewConnection(config *Config, logger *zap.Logger) (*Connection, error) {
	if config.Port == "" {
		return nil, fmt.Errorf("port is required")
	}

	return &Connection{
		config: config,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", config.Port),
		),
		open: serial.Open,
	}, nil
}

// mode builds the go.bug.st serial mode from the configuration
func (c *Connection) mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: c.config.BaudRate,
		DataBits: c.config.DataBits,
	}

	switch c.config.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	switch c.config.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	return mode
}

// Open opens the serial connection
func (c *Connection) Open() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isOpen {
		return nil
	}

	port, err := c.open(c.config.Port, c.mode())
	if err != nil {
		c.stats.ErrorCount++
		c.logger.Warn("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(c.config.Timeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	c.port = port
	c.isOpen = true
	c.stats.IsOpen = true
	c.stats.LastActivity = time.Now()

	c.logger.Info("Serial port opened successfully",
		zap.Int("baud_rate", c.config.BaudRate),
		zap.Duration("read_timeout", c.config.Timeout),
	)

	return nil
}

// SetReadTimeout changes how long a single Read waits for data
func (c *Connection) SetReadTimeout(timeout time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isOpen || c.port == nil {
		return ErrPortNotOpen
	}
	if err := c.port.SetReadTimeout(timeout); err != nil {
		c.stats.ErrorCount++
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	return nil
}

// Close closes the serial connection
func (c *Connection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isOpen || c.port == nil {
		return nil
	}

	err := c.port.Close()
	c.port = nil
	c.isOpen = false
	c.stats.IsOpen = false

	if err != nil {
		c.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	c.logger.Info("Serial port closed")
	return nil
}

// IsOpen returns whether the connection is open
func (c *Connection) IsOpen() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.isOpen && c.port != nil
}

// ResetInputBuffer drops any bytes the OS has buffered from the device
func (c *Connection) ResetInputBuffer() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.isOpen || c.port == nil {
		return ErrPortNotOpen
	}

	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	return nil
}

// Write writes data to the serial port
func (c *Connection) Write(data []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isOpen || c.port == nil {
		return 0, ErrPortNotOpen
	}

	n, err := c.port.Write(data)
	if err != nil {
		c.stats.ErrorCount++
		c.logger.Error("Failed to write to serial port",
			zap.Error(err),
			zap.Int("bytes_to_write", len(data)),
		)
		return n, fmt.Errorf("failed to write to serial port: %w", err)
	}

	if n != len(data) {
		c.stats.ErrorCount++
		return n, fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	c.stats.BytesWritten += int64(n)
	c.stats.WriteCount++
	c.stats.LastActivity = time.Now()

	c.logger.Debug("Data written to serial port",
		zap.Int("bytes_written", n),
		zap.Binary("data", data),
	)

	return n, nil
}

// Read reads whatever is available within the configured read timeout.
// A timeout yields 0, nil.
func (c *Connection) Read(buf []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isOpen || c.port == nil {
		return 0, ErrPortNotOpen
	}

	n, err := c.port.Read(buf)
	if err != nil {
		c.stats.ErrorCount++
		c.logger.Error("Failed to read from serial port", zap.Error(err))
		return n, fmt.Errorf("failed to read from serial port: %w", err)
	}

	if n > 0 {
		c.stats.BytesRead += int64(n)
		c.stats.ReadCount++
		c.stats.LastActivity = time.Now()

		c.logger.Debug("Data read from serial port",
			zap.Int("bytes_read", n),
			zap.Binary("data", buf[:n]),
		)
	}

	return n, nil
}

// Stats returns a copy of the transport statistics
func (c *Connection) Stats() protocol.PortStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.stats
}
