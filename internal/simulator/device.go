// internal/simulator/device.go
package simulator

import (
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"

	"loadcell-service/internal/protocol"
)

// ErrOpenFailed is returned by Open while open failures are scheduled.
var ErrOpenFailed = errors.New("simulator: open failed")

// Raw ADC counts per gram before calibration.
const rawCountsPerGram = 420.0

// Faults schedules misbehaviour for the next exchanges. Each counter is
// consumed by one exchange.
type Faults struct {
	OpenFailures   int    // Open returns an error
	Silent         int    // no response bytes at all
	Truncated      int    // only half of the response frame
	WrongSeq       int    // response seq_id is off by one
	LeadingGarbage []byte // bytes sent before the next response frame
}

type cell struct {
	configured bool
	doutPin    uint8
	sckPin     uint8
	load       float32 // grams currently applied
	tare       float64 // raw counts at zero
	factor     float32 // raw counts per gram
}

// Device is an in-process load cell controller speaking the framed protocol.
// It implements protocol.Port.
type Device struct {
	mu     sync.Mutex
	logger *zap.Logger

	open    bool
	pending []byte
	faults  Faults

	cells      [protocol.MaxLoadCells]cell
	status     protocol.Status
	lastError  protocol.ErrorCode
	activeCell uint8
	busyTicks  int

	// OperationTicks is how many exchanges zero and calibrate stay busy.
	OperationTicks int

	commands []protocol.CommandPacket
	opens    int
}

var _ protocol.Port = (*Device)(nil)

// NewDevice creates a powered-on controller with no cells configured
func NewDevice(logger *zap.Logger) *Device {
	return &Device{
		logger:         logger.With(zap.String("component", "simulator")),
		activeCell:     protocol.NoActiveCell,
		OperationTicks: 2,
	}
}

// Open implements protocol.Port
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.faults.OpenFailures > 0 {
		d.faults.OpenFailures--
		return ErrOpenFailed
	}
	d.open = true
	d.opens++
	d.pending = nil
	return nil
}

// Close implements protocol.Port
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.pending = nil
	return nil
}

// IsOpen implements protocol.Port
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// ResetInputBuffer implements protocol.Port
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.New("simulator: port closed")
	}
	d.pending = nil
	return nil
}

// Write accepts one command frame and queues the reply.
func (d *Device) Write(data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, errors.New("simulator: port closed")
	}

	decoder := protocol.NewFrameDecoder(protocol.CommandPacketSize)
	decoder.Write(data)
	body, ok := decoder.Next()
	if !ok {
		d.logger.Debug("Ignoring unframed bytes", zap.Int("bytes", len(data)))
		return len(data), nil
	}

	command, err := protocol.UnpackCommand(body)
	if err != nil {
		return len(data), nil
	}
	d.commands = append(d.commands, command)

	response := d.handle(command)
	d.queueResponse(response)
	return len(data), nil
}

// Read returns queued reply bytes, or 0, nil when there are none.
func (d *Device) Read(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, errors.New("simulator: port closed")
	}
	n := copy(buf, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *Device) queueResponse(response protocol.ResponsePacket) {
	switch {
	case d.faults.Silent > 0:
		d.faults.Silent--
		return
	case d.faults.WrongSeq > 0:
		d.faults.WrongSeq--
		response.SeqID++
	}

	frame := protocol.EncodeFrame(response.Pack())
	if d.faults.Truncated > 0 {
		d.faults.Truncated--
		frame = frame[:len(frame)/2]
	}

	if len(d.faults.LeadingGarbage) > 0 {
		d.pending = append(d.pending, d.faults.LeadingGarbage...)
		d.faults.LeadingGarbage = nil
	}
	d.pending = append(d.pending, frame...)
}

// handle runs one command through the firmware state machine.
func (d *Device) handle(command protocol.CommandPacket) protocol.ResponsePacket {
	d.advance()
	// Errors are reported only in the reply to the failing command.
	d.lastError = protocol.ErrNone

	flags := command.Flags
	switch {
	case flags == 0:
	case flags&(flags-1) != 0:
		// One command per exchange; combinations are rejected.
		d.fail(protocol.ErrInvalidCommand)
	case flags.Has(protocol.FlagConfigure):
		d.configure(command)
	case flags.Has(protocol.FlagZero):
		d.zero(command)
	case flags.Has(protocol.FlagCalibrate):
		d.calibrate(command)
	case flags.Has(protocol.FlagReset):
		d.reset()
	default:
		d.fail(protocol.ErrInvalidCommand)
	}

	return d.snapshot(command.SeqID)
}

// advance finishes a pending zero/calibrate after OperationTicks exchanges.
func (d *Device) advance() {
	if d.busyTicks == 0 {
		return
	}
	d.busyTicks--
	if d.busyTicks == 0 {
		d.status = protocol.StatusIdle
		d.activeCell = protocol.NoActiveCell
	}
}

func (d *Device) fail(code protocol.ErrorCode) {
	d.lastError = code
}

func (d *Device) configure(command protocol.CommandPacket) {
	if !protocol.ValidCellID(command.CellID) {
		d.fail(protocol.ErrInvalidCellID)
		return
	}

	c := &d.cells[command.CellID]
	c.configured = true
	c.doutPin = command.DoutPin
	c.sckPin = command.SckPin
	c.factor = rawCountsPerGram
	c.tare = 0
}

func (d *Device) zero(command protocol.CommandPacket) {
	if command.CellID == protocol.AllCells {
		for i := range d.cells {
			if d.cells[i].configured {
				d.cells[i].tare = d.raw(i)
			}
		}
		d.begin(protocol.StatusZeroing, protocol.AllCells)
		return
	}

	if !protocol.ValidCellID(command.CellID) {
		d.fail(protocol.ErrInvalidCellID)
		return
	}
	if !d.cells[command.CellID].configured {
		d.fail(protocol.ErrCellNotConfigured)
		return
	}

	d.cells[command.CellID].tare = d.raw(int(command.CellID))
	d.begin(protocol.StatusZeroing, command.CellID)
}

func (d *Device) calibrate(command protocol.CommandPacket) {
	if !protocol.ValidCellID(command.CellID) {
		d.fail(protocol.ErrInvalidCellID)
		return
	}
	c := &d.cells[command.CellID]
	if !c.configured {
		d.fail(protocol.ErrCellNotConfigured)
		return
	}

	mass := float64(command.CalibrationMass)
	delta := d.raw(int(command.CellID)) - c.tare
	if mass <= 0 || math.IsNaN(mass) || delta == 0 {
		d.fail(protocol.ErrCalibrationFailed)
		return
	}

	c.factor = float32(delta / mass)
	d.begin(protocol.StatusCalibrating, command.CellID)
}

func (d *Device) reset() {
	for i := range d.cells {
		load := d.cells[i].load
		d.cells[i] = cell{load: load}
	}
	d.status = protocol.StatusIdle
	d.lastError = protocol.ErrNone
	d.activeCell = protocol.NoActiveCell
	d.busyTicks = 0
}

func (d *Device) begin(status protocol.Status, cellID uint8) {
	d.status = status
	d.activeCell = cellID
	d.busyTicks = d.OperationTicks
	if d.busyTicks <= 0 {
		d.status = protocol.StatusIdle
		d.activeCell = protocol.NoActiveCell
	}
}

func (d *Device) raw(i int) float64 {
	return float64(d.cells[i].load) * rawCountsPerGram
}

func (d *Device) snapshot(seqID uint8) protocol.ResponsePacket {
	r := protocol.ResponsePacket{
		SeqID:      seqID,
		Status:     d.status,
		Error:      d.lastError,
		ActiveCell: d.activeCell,
	}

	for i, c := range d.cells {
		if !c.configured {
			continue
		}
		r.CellConfigured[i] = true
		r.CalibrationFactors[i] = c.factor
		if c.factor != 0 {
			r.CellReadings[i] = float32((d.raw(i) - c.tare) / float64(c.factor))
		}
	}
	return r
}

// SetLoad applies a mass in grams to a cell.
func (d *Device) SetLoad(cellID int, grams float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cellID >= 0 && cellID < protocol.MaxLoadCells {
		d.cells[cellID].load = grams
	}
}

// InjectFaults replaces the scheduled faults.
func (d *Device) InjectFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = f
}

// Commands returns every command received so far, oldest first.
func (d *Device) Commands() []protocol.CommandPacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.CommandPacket, len(d.commands))
	copy(out, d.commands)
	return out
}

// Opens returns how many times the port was successfully opened.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}
