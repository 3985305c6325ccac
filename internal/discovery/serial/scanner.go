// internal/discovery/serial/scanner.go - Serial port scanner
package serial

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"loadcell-service/internal/discovery"
)

// USB vendor ids of boards commonly used as load cell controllers
var knownVendors = map[string]string{
	"2341": "Arduino",
	"2A03": "Arduino",
	"1A86": "QinHeng CH340",
	"0403": "FTDI",
	"10C4": "Silicon Labs",
}

const (
	knownVendorConfidence = 0.9
	usbConfidence         = 0.3
	otherConfidence       = 0.1
)

// Scanner implements serial port scanning
type Scanner struct {
	logger    *zap.Logger
	listPorts func() ([]*enumerator.PortDetails, error)
}

// NewScanner creates a new serial scanner
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{
		logger:    logger.With(zap.String("scanner", "serial")),
		listPorts: enumerator.GetDetailedPortsList,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan lists the serial ports on this host
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredPort, error) {
	s.logger.Debug("Starting serial port scan")

	details, err := s.listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	ports := make([]*discovery.DiscoveredPort, 0, len(details))
	for _, d := range details {
		if err := ctx.Err(); err != nil {
			return ports, err
		}
		ports = append(ports, describe(d))
	}

	s.logger.Debug("Serial scan completed", zap.Int("ports_found", len(ports)))
	return ports, nil
}

func describe(d *enumerator.PortDetails) *discovery.DiscoveredPort {
	port := &discovery.DiscoveredPort{
		Name:       d.Name,
		IsUSB:      d.IsUSB,
		Confidence: otherConfidence,
	}
	if !d.IsUSB {
		return port
	}

	port.VID = strings.ToUpper(d.VID)
	port.PID = strings.ToUpper(d.PID)
	port.SerialNumber = d.SerialNumber
	port.Product = d.Product
	port.Confidence = usbConfidence

	if vendor, ok := knownVendors[port.VID]; ok {
		port.Vendor = vendor
		port.Confidence = knownVendorConfidence
	}
	return port
}
