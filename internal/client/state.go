// internal/client/state.go
package client

import (
	"encoding/json"
	"math"
	"time"

	"loadcell-service/internal/protocol"
)

// ClientState mirrors the last response received from the controller.
// It is a value type; copies never share memory with the client.
type ClientState struct {
	Status             protocol.Status                `json:"status"`
	Error              protocol.ErrorCode             `json:"error"`
	ActiveCell         uint8                          `json:"active_cell"`
	CellConfigured     [protocol.MaxLoadCells]bool    `json:"cell_configured"`
	CellReadings       [protocol.MaxLoadCells]float32 `json:"cell_readings"`
	CalibrationFactors [protocol.MaxLoadCells]float32 `json:"calibration_factors"`
	SeqID              uint8                          `json:"seq_id"`
	UpdatedAt          time.Time                      `json:"updated_at"`
}

func initialState() ClientState {
	return ClientState{
		Status:     protocol.StatusIdle,
		Error:      protocol.ErrNone,
		ActiveCell: protocol.NoActiveCell,
	}
}

func stateFromResponse(r *protocol.ResponsePacket, at time.Time) ClientState {
	return ClientState{
		Status:             r.Status,
		Error:              r.Error,
		ActiveCell:         r.ActiveCell,
		CellConfigured:     r.CellConfigured,
		CellReadings:       r.CellReadings,
		CalibrationFactors: r.CalibrationFactors,
		SeqID:              r.SeqID,
		UpdatedAt:          at,
	}
}

// MarshalJSON encodes non-finite readings and factors as null
func (s ClientState) MarshalJSON() ([]byte, error) {
	type plain ClientState
	return json.Marshal(struct {
		plain
		CellReadings       [protocol.MaxLoadCells]*float32 `json:"cell_readings"`
		CalibrationFactors [protocol.MaxLoadCells]*float32 `json:"calibration_factors"`
	}{
		plain:              plain(s),
		CellReadings:       NullableValues(s.CellReadings),
		CalibrationFactors: NullableValues(s.CalibrationFactors),
	})
}

// NullableValues maps NaN and infinite values to nil so they encode as JSON null
func NullableValues(values [protocol.MaxLoadCells]float32) [protocol.MaxLoadCells]*float32 {
	var out [protocol.MaxLoadCells]*float32
	for i, v := range values {
		if finite(v) {
			v := v
			out[i] = &v
		}
	}
	return out
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// IsStale reports whether no response has been applied within maxAge.
// A state that was never updated is always stale.
func (s ClientState) IsStale(maxAge time.Duration, now time.Time) bool {
	if s.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(s.UpdatedAt) > maxAge
}

// CellStatus is the per-cell view of a ClientState
type CellStatus struct {
	CellID            uint8   `json:"cell_id"`
	Configured        bool    `json:"configured"`
	Reading           float32 `json:"reading"`
	CalibrationFactor float32 `json:"calibration_factor"`
	Active            bool    `json:"active"`
	Faulty            bool    `json:"faulty"`
}

// Cell extracts one cell. cellID must be valid.
func (s ClientState) Cell(cellID uint8) CellStatus {
	reading := s.CellReadings[cellID]
	return CellStatus{
		CellID:            cellID,
		Configured:        s.CellConfigured[cellID],
		Reading:           reading,
		CalibrationFactor: s.CalibrationFactors[cellID],
		Active:            s.ActiveCell == cellID,
		Faulty:            !finite(reading),
	}
}

// MarshalJSON encodes a faulty reading as null
func (c CellStatus) MarshalJSON() ([]byte, error) {
	type plain CellStatus
	var reading, factor *float32
	if finite(c.Reading) {
		reading = &c.Reading
	}
	if finite(c.CalibrationFactor) {
		factor = &c.CalibrationFactor
	}
	return json.Marshal(struct {
		plain
		Reading           *float32 `json:"reading"`
		CalibrationFactor *float32 `json:"calibration_factor"`
	}{plain(c), reading, factor})
}
