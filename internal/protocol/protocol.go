// internal/protocol/protocol.go
package protocol

import "time"

// Port is the byte transport to the load cell controller
type Port interface {
	// Connection lifecycle
	Open() error
	Close() error
	IsOpen() bool

	// Data communication. Read returns 0, nil when the read timeout
	// elapses without data.
	ResetInputBuffer() error
	Write(data []byte) (int, error)
	Read(buf []byte) (int, error)
}

// ReadTimeoutSetter is implemented by ports whose per-read timeout can be
// narrowed to the time left in an exchange.
type ReadTimeoutSetter interface {
	SetReadTimeout(timeout time.Duration) error
}

// PortStats provides transport-level statistics
type PortStats struct {
	BytesWritten int64     `json:"bytes_written"`
	BytesRead    int64     `json:"bytes_read"`
	WriteCount   int64     `json:"write_count"`
	ReadCount    int64     `json:"read_count"`
	ErrorCount   int64     `json:"error_count"`
	LastActivity time.Time `json:"last_activity"`
	IsOpen       bool      `json:"is_open"`
}
