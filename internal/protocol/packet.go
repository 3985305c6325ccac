// internal/protocol/packet.go
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxLoadCells is the fixed number of channels carried by every packet.
const MaxLoadCells = 4

const (
	// AllCells targets every configured cell. Only valid for ZERO.
	AllCells uint8 = 255
	// NoActiveCell is reported when no cell has an operation in progress.
	NoActiveCell uint8 = 255
)

// All multi-byte fields are little-endian on both ends of the link.
var byteOrder = binary.LittleEndian

// Packet sizes. These are protocol constants and MUST NOT be configurable.
const (
	CommandPacketSize  = 5 + 4 + 2
	ResponsePacketSize = 4 + MaxLoadCells + 4*MaxLoadCells + 4*MaxLoadCells
)

// CommandFlag is the command bitmask carried in CommandPacket.Flags
type CommandFlag uint8

const (
	FlagConfigure CommandFlag = 1 << 0
	FlagZero      CommandFlag = 1 << 1
	FlagCalibrate CommandFlag = 1 << 2
	FlagReset     CommandFlag = 1 << 3
)

// String returns a readable form of the flag set, e.g. "CONFIGURE|ZERO".
func (f CommandFlag) String() string {
	if f == 0 {
		return "POLL"
	}

	names := []struct {
		flag CommandFlag
		name string
	}{
		{FlagConfigure, "CONFIGURE"},
		{FlagZero, "ZERO"},
		{FlagCalibrate, "CALIBRATE"},
		{FlagReset, "RESET"},
	}

	out := ""
	rest := f
	for _, n := range names {
		if f&n.flag == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
		rest &^= n.flag
	}
	if rest != 0 {
		if out != "" {
			out += "|"
		}
		out += fmt.Sprintf("0x%02X", uint8(rest))
	}
	return out
}

// Has reports whether every bit in other is set.
func (f CommandFlag) Has(other CommandFlag) bool {
	return f&other == other
}

// Status is the controller state reported by the device
type Status uint8

const (
	StatusIdle        Status = 0
	StatusZeroing     Status = 1
	StatusCalibrating Status = 2
	StatusStreaming   Status = 3
	StatusError       Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusZeroing:
		return "ZEROING"
	case StatusCalibrating:
		return "CALIBRATING"
	case StatusStreaming:
		return "STREAMING"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrorCode is the operation error reported by the device
type ErrorCode uint8

const (
	ErrNone              ErrorCode = 0
	ErrInvalidCommand    ErrorCode = 1
	ErrInvalidCellID     ErrorCode = 2
	ErrCellNotConfigured ErrorCode = 3
	ErrCalibrationFailed ErrorCode = 4
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "NONE"
	case ErrInvalidCommand:
		return "INVALID_COMMAND"
	case ErrInvalidCellID:
		return "INVALID_CELL_ID"
	case ErrCellNotConfigured:
		return "CELL_NOT_CONFIGURED"
	case ErrCalibrationFailed:
		return "CALIBRATION_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(e))
	}
}

// MarshalText encodes the error code by name
func (e ErrorCode) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// ErrMalformedPacket is matched by every MalformedPacketError.
var ErrMalformedPacket = errors.New("malformed packet")

// MalformedPacketError reports a packet body of the wrong length.
type MalformedPacketError struct {
	Kind string
	Got  int
	Want int
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed %s packet: got %d bytes, want %d", e.Kind, e.Got, e.Want)
}

func (e *MalformedPacketError) Is(target error) bool {
	return target == ErrMalformedPacket
}

// CommandPacket is sent host -> device.
//
// Layout (11 bytes): seq_id, flags, cell_id, dout_pin, sck_pin,
// calibration_mass (float32), reserved[2].
type CommandPacket struct {
	SeqID           uint8       `json:"seq_id"`
	Flags           CommandFlag `json:"flags"`
	CellID          uint8       `json:"cell_id"`
	DoutPin         uint8       `json:"dout_pin"`
	SckPin          uint8       `json:"sck_pin"`
	CalibrationMass float32     `json:"calibration_mass"`
}

// Pack serializes the command. Reserved bytes are always zero.
func (c CommandPacket) Pack() []byte {
	buf := make([]byte, CommandPacketSize)
	buf[0] = c.SeqID
	buf[1] = uint8(c.Flags)
	buf[2] = c.CellID
	buf[3] = c.DoutPin
	buf[4] = c.SckPin
	byteOrder.PutUint32(buf[5:9], math.Float32bits(c.CalibrationMass))
	return buf
}

// UnpackCommand parses a command body. Reserved bytes are ignored.
func UnpackCommand(data []byte) (CommandPacket, error) {
	if len(data) != CommandPacketSize {
		return CommandPacket{}, &MalformedPacketError{Kind: "command", Got: len(data), Want: CommandPacketSize}
	}

	return CommandPacket{
		SeqID:           data[0],
		Flags:           CommandFlag(data[1]),
		CellID:          data[2],
		DoutPin:         data[3],
		SckPin:          data[4],
		CalibrationMass: math.Float32frombits(byteOrder.Uint32(data[5:9])),
	}, nil
}

// ResponsePacket is sent device -> host.
//
// Layout (40 bytes): seq_id, status, error, active_cell,
// cell_configured[4], cell_readings[4] (float32), calibration_factors[4] (float32).
type ResponsePacket struct {
	SeqID              uint8                 `json:"seq_id"`
	Status             Status                `json:"status"`
	Error              ErrorCode             `json:"error"`
	ActiveCell         uint8                 `json:"active_cell"`
	CellConfigured     [MaxLoadCells]bool    `json:"cell_configured"`
	CellReadings       [MaxLoadCells]float32 `json:"cell_readings"`
	CalibrationFactors [MaxLoadCells]float32 `json:"calibration_factors"`
}

// Pack serializes the response.
func (r ResponsePacket) Pack() []byte {
	buf := make([]byte, ResponsePacketSize)
	buf[0] = r.SeqID
	buf[1] = uint8(r.Status)
	buf[2] = uint8(r.Error)
	buf[3] = r.ActiveCell

	off := 4
	for i := 0; i < MaxLoadCells; i++ {
		if r.CellConfigured[i] {
			buf[off+i] = 1
		}
	}
	off += MaxLoadCells

	for i := 0; i < MaxLoadCells; i++ {
		byteOrder.PutUint32(buf[off:off+4], math.Float32bits(r.CellReadings[i]))
		off += 4
	}
	for i := 0; i < MaxLoadCells; i++ {
		byteOrder.PutUint32(buf[off:off+4], math.Float32bits(r.CalibrationFactors[i]))
		off += 4
	}

	return buf
}

// UnpackResponse parses a response body. The input must be exactly
// ResponsePacketSize bytes.
func UnpackResponse(data []byte) (ResponsePacket, error) {
	if len(data) != ResponsePacketSize {
		return ResponsePacket{}, &MalformedPacketError{Kind: "response", Got: len(data), Want: ResponsePacketSize}
	}

	r := ResponsePacket{
		SeqID:      data[0],
		Status:     Status(data[1]),
		Error:      ErrorCode(data[2]),
		ActiveCell: data[3],
	}

	off := 4
	for i := 0; i < MaxLoadCells; i++ {
		r.CellConfigured[i] = data[off+i] != 0
	}
	off += MaxLoadCells

	for i := 0; i < MaxLoadCells; i++ {
		r.CellReadings[i] = math.Float32frombits(byteOrder.Uint32(data[off : off+4]))
		off += 4
	}
	for i := 0; i < MaxLoadCells; i++ {
		r.CalibrationFactors[i] = math.Float32frombits(byteOrder.Uint32(data[off : off+4]))
		off += 4
	}

	return r, nil
}

// ValidCellID reports whether id addresses a single physical cell.
func ValidCellID(id uint8) bool {
	return int(id) < MaxLoadCells
}
