// internal/simulator/device_test.go
package simulator

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"loadcell-service/internal/protocol"
)

// exchange writes one command and decodes the reply, if any.
func exchange(t *testing.T, d *Device, cmd protocol.CommandPacket) (protocol.ResponsePacket, bool) {
	t.Helper()

	if _, err := d.Write(protocol.EncodeFrame(cmd.Pack())); err != nil {
		t.Fatalf("Write err=%v", err)
	}

	decoder := protocol.NewFrameDecoder(protocol.ResponsePacketSize)
	buf := make([]byte, 64)
	for {
		n, err := d.Read(buf)
		if err != nil {
			t.Fatalf("Read err=%v", err)
		}
		if n == 0 {
			return protocol.ResponsePacket{}, false
		}
		decoder.Write(buf[:n])
		if body, ok := decoder.Next(); ok {
			r, err := protocol.UnpackResponse(body)
			if err != nil {
				t.Fatalf("UnpackResponse err=%v", err)
			}
			return r, true
		}
	}
}

func openDevice(t *testing.T) *Device {
	t.Helper()
	d := NewDevice(zaptest.NewLogger(t))
	if err := d.Open(); err != nil {
		t.Fatalf("Open err=%v", err)
	}
	return d
}

func TestDevice_PollEchoesSeq(t *testing.T) {
	d := openDevice(t)

	r, ok := exchange(t, d, protocol.CommandPacket{SeqID: 42})
	if !ok {
		t.Fatalf("no response")
	}
	if r.SeqID != 42 || r.Status != protocol.StatusIdle || r.ActiveCell != protocol.NoActiveCell {
		t.Fatalf("response=%+v", r)
	}
}

func TestDevice_ConfigureAndRead(t *testing.T) {
	d := openDevice(t)
	d.SetLoad(0, 123.4)

	r, _ := exchange(t, d, protocol.CommandPacket{SeqID: 1, Flags: protocol.FlagConfigure, CellID: 0, DoutPin: 2, SckPin: 3})
	if !r.CellConfigured[0] || r.CellConfigured[1] {
		t.Fatalf("configured=%v", r.CellConfigured)
	}
	if r.CellReadings[0] != 123.4 {
		t.Fatalf("reading=%v, want 123.4", r.CellReadings[0])
	}
	if r.CellReadings[1] != 0 {
		t.Fatalf("unconfigured cell reading=%v", r.CellReadings[1])
	}
}

func TestDevice_ZeroIsBusyThenIdle(t *testing.T) {
	d := openDevice(t)
	d.SetLoad(1, 50)
	exchange(t, d, protocol.CommandPacket{SeqID: 1, Flags: protocol.FlagConfigure, CellID: 1})

	r, _ := exchange(t, d, protocol.CommandPacket{SeqID: 2, Flags: protocol.FlagZero, CellID: 1})
	if r.Status != protocol.StatusZeroing || r.ActiveCell != 1 {
		t.Fatalf("after zero: status=%v active=%d", r.Status, r.ActiveCell)
	}
	if r.CellReadings[1] != 0 {
		t.Fatalf("tared reading=%v, want 0", r.CellReadings[1])
	}

	exchange(t, d, protocol.CommandPacket{SeqID: 3})
	r, _ = exchange(t, d, protocol.CommandPacket{SeqID: 4})
	if r.Status != protocol.StatusIdle || r.ActiveCell != protocol.NoActiveCell {
		t.Fatalf("expected idle after %d ticks, got %v", d.OperationTicks, r.Status)
	}
}

func TestDevice_Calibrate(t *testing.T) {
	d := openDevice(t)
	d.OperationTicks = 0
	exchange(t, d, protocol.CommandPacket{SeqID: 1, Flags: protocol.FlagConfigure, CellID: 2})
	exchange(t, d, protocol.CommandPacket{SeqID: 2, Flags: protocol.FlagZero, CellID: 2})

	d.SetLoad(2, 500)
	r, _ := exchange(t, d, protocol.CommandPacket{SeqID: 3, Flags: protocol.FlagCalibrate, CellID: 2, CalibrationMass: 250})
	if r.Error != protocol.ErrNone {
		t.Fatalf("error=%v", r.Error)
	}
	// A 500 g load calibrated as 250 g halves the scale.
	if r.CellReadings[2] != 250 {
		t.Fatalf("reading=%v, want 250", r.CellReadings[2])
	}
	if r.CalibrationFactors[2] != 840 {
		t.Fatalf("factor=%v, want 840", r.CalibrationFactors[2])
	}
}

func TestDevice_ErrorCodes(t *testing.T) {
	d := openDevice(t)

	cases := []struct {
		name string
		cmd  protocol.CommandPacket
		want protocol.ErrorCode
	}{
		{"configure bad cell", protocol.CommandPacket{Flags: protocol.FlagConfigure, CellID: 9}, protocol.ErrInvalidCellID},
		{"zero unconfigured", protocol.CommandPacket{Flags: protocol.FlagZero, CellID: 0}, protocol.ErrCellNotConfigured},
		{"calibrate unconfigured", protocol.CommandPacket{Flags: protocol.FlagCalibrate, CellID: 1, CalibrationMass: 10}, protocol.ErrCellNotConfigured},
		{"combined flags", protocol.CommandPacket{Flags: protocol.FlagConfigure | protocol.FlagZero}, protocol.ErrInvalidCommand},
		{"unknown flag", protocol.CommandPacket{Flags: 0x10}, protocol.ErrInvalidCommand},
	}

	for i, tc := range cases {
		tc.cmd.SeqID = uint8(i)
		r, ok := exchange(t, d, tc.cmd)
		if !ok {
			t.Fatalf("%s: no response", tc.name)
		}
		if r.Error != tc.want {
			t.Fatalf("%s: error=%v, want %v", tc.name, r.Error, tc.want)
		}
	}

	r, _ := exchange(t, d, protocol.CommandPacket{SeqID: 10, Flags: protocol.FlagReset})
	if r.Error != protocol.ErrNone {
		t.Fatalf("reset should clear the error, got %v", r.Error)
	}
}

func TestDevice_ResetClearsCells(t *testing.T) {
	d := openDevice(t)
	exchange(t, d, protocol.CommandPacket{SeqID: 1, Flags: protocol.FlagConfigure, CellID: 3})

	r, _ := exchange(t, d, protocol.CommandPacket{SeqID: 2, Flags: protocol.FlagReset})
	if r.CellConfigured[3] {
		t.Fatalf("reset should unconfigure cells")
	}
}

func TestDevice_Faults(t *testing.T) {
	d := openDevice(t)

	d.InjectFaults(Faults{Silent: 1})
	if _, ok := exchange(t, d, protocol.CommandPacket{SeqID: 1}); ok {
		t.Fatalf("silent fault still answered")
	}

	d.InjectFaults(Faults{Truncated: 1})
	if _, ok := exchange(t, d, protocol.CommandPacket{SeqID: 2}); ok {
		t.Fatalf("truncated frame decoded")
	}

	d.InjectFaults(Faults{WrongSeq: 1})
	r, _ := exchange(t, d, protocol.CommandPacket{SeqID: 3})
	if r.SeqID != 4 {
		t.Fatalf("seq=%d, want 4", r.SeqID)
	}

	d.InjectFaults(Faults{LeadingGarbage: []byte{0x01, 0x02}})
	r, ok := exchange(t, d, protocol.CommandPacket{SeqID: 5})
	if !ok || r.SeqID != 5 {
		t.Fatalf("garbage broke decoding")
	}

	if got := len(d.Commands()); got != 4 {
		t.Fatalf("commands=%d, want 4", got)
	}
}

func TestDevice_OpenFailuresAndClosedPort(t *testing.T) {
	d := NewDevice(zaptest.NewLogger(t))
	d.InjectFaults(Faults{OpenFailures: 1})

	if err := d.Open(); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("err=%v, want ErrOpenFailed", err)
	}
	if d.IsOpen() {
		t.Fatalf("should be closed")
	}
	if _, err := d.Write([]byte{0}); err == nil {
		t.Fatalf("write on closed port should fail")
	}

	if err := d.Open(); err != nil {
		t.Fatalf("second Open err=%v", err)
	}
	if d.Opens() != 1 {
		t.Fatalf("opens=%d, want 1", d.Opens())
	}
}
