// internal/discovery/scanner.go - Port scanner interface
package discovery

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
)

// ErrNoControllerFound is returned when no scanned port looks like a controller
var ErrNoControllerFound = errors.New("no load cell controller found")

// ControllerConfidence is the minimum confidence for automatic port selection
const ControllerConfidence = 0.5

// PortScanner interface - Strategy Pattern
type PortScanner interface {
	Scan(ctx context.Context) ([]*DiscoveredPort, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredPort represents a port that may host a controller
type DiscoveredPort struct {
	Name         string  `json:"name"`
	IsUSB        bool    `json:"is_usb"`
	VID          string  `json:"vid,omitempty"`
	PID          string  `json:"pid,omitempty"`
	SerialNumber string  `json:"serial_number,omitempty"`
	Product      string  `json:"product,omitempty"`
	Vendor       string  `json:"vendor,omitempty"`
	Confidence   float64 `json:"confidence"` // 0.0-1.0
}

// ScannerManager manages all port scanners - Facade Pattern
type ScannerManager struct {
	scanners map[string]PortScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]PortScanner),
		logger:   logger,
	}
}

// RegisterScanner registers a port scanner
func (sm *ScannerManager) RegisterScanner(scanner PortScanner) {
	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll scans all registered scanner types. Results are ordered by
// descending confidence, then by name.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*DiscoveredPort, error) {
	var allPorts []*DiscoveredPort

	for scannerType, scanner := range sm.scanners {
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		ports, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		allPorts = append(allPorts, ports...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("ports_found", len(ports)),
		)
	}

	sort.SliceStable(allPorts, func(i, j int) bool {
		if allPorts[i].Confidence != allPorts[j].Confidence {
			return allPorts[i].Confidence > allPorts[j].Confidence
		}
		return allPorts[i].Name < allPorts[j].Name
	})

	return allPorts, nil
}

// SelectController returns the most likely controller port
func (sm *ScannerManager) SelectController(ctx context.Context) (*DiscoveredPort, error) {
	ports, err := sm.ScanAll(ctx)
	if err != nil {
		return nil, err
	}

	if len(ports) == 0 || ports[0].Confidence < ControllerConfidence {
		return nil, ErrNoControllerFound
	}

	sm.logger.Info("Controller port selected",
		zap.String("port", ports[0].Name),
		zap.String("vendor", ports[0].Vendor),
		zap.Float64("confidence", ports[0].Confidence),
	)
	return ports[0], nil
}
