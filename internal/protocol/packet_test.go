// internal/protocol/packet_test.go
package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestCommandPacket_PackSize(t *testing.T) {
	cases := []CommandPacket{
		{},
		{SeqID: 255, Flags: FlagReset},
		{SeqID: 7, Flags: FlagCalibrate, CellID: 3, CalibrationMass: 1000},
	}

	for _, c := range cases {
		if got := len(c.Pack()); got != CommandPacketSize {
			t.Fatalf("Pack() len=%d, want %d", got, CommandPacketSize)
		}
	}
	if CommandPacketSize != 11 {
		t.Fatalf("CommandPacketSize=%d, want 11", CommandPacketSize)
	}
}

func TestCommandPacket_LittleEndianLayout(t *testing.T) {
	cmd := CommandPacket{
		SeqID:           5,
		Flags:           FlagConfigure,
		CellID:          0,
		DoutPin:         2,
		SckPin:          3,
		CalibrationMass: 0,
	}

	want := []byte{0x05, 0x01, 0x00, 0x02, 0x03, 0, 0, 0, 0, 0, 0}
	if got := cmd.Pack(); !bytes.Equal(got, want) {
		t.Fatalf("Pack()=% X, want % X", got, want)
	}

	cmd = CommandPacket{SeqID: 1, Flags: FlagCalibrate, CellID: 1, CalibrationMass: 1.0}
	got := cmd.Pack()
	// 1.0f == 0x3F800000, least significant byte first
	if !bytes.Equal(got[5:9], []byte{0x00, 0x00, 0x80, 0x3F}) {
		t.Fatalf("mass bytes=% X", got[5:9])
	}
	if got[9] != 0 || got[10] != 0 {
		t.Fatalf("reserved bytes not zero: % X", got[9:])
	}
}

func TestCommandPacket_RoundTrip(t *testing.T) {
	in := CommandPacket{
		SeqID:           42,
		Flags:           FlagZero,
		CellID:          AllCells,
		DoutPin:         8,
		SckPin:          9,
		CalibrationMass: 123.5,
	}

	out, err := UnpackCommand(in.Pack())
	if err != nil {
		t.Fatalf("UnpackCommand err=%v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestUnpackCommand_IgnoresReserved(t *testing.T) {
	data := CommandPacket{SeqID: 3}.Pack()
	data[9], data[10] = 0xDE, 0xAD

	out, err := UnpackCommand(data)
	if err != nil {
		t.Fatalf("UnpackCommand err=%v", err)
	}
	if out.SeqID != 3 {
		t.Fatalf("seq=%d, want 3", out.SeqID)
	}
}

func sampleResponse() ResponsePacket {
	return ResponsePacket{
		SeqID:              9,
		Status:             StatusCalibrating,
		Error:              ErrNone,
		ActiveCell:         2,
		CellConfigured:     [MaxLoadCells]bool{true, false, true, true},
		CellReadings:       [MaxLoadCells]float32{123.4, 0, -5.25, 1e6},
		CalibrationFactors: [MaxLoadCells]float32{420, 0, 1, 0.5},
	}
}

func TestResponsePacket_RoundTrip(t *testing.T) {
	in := sampleResponse()
	data := in.Pack()

	if len(data) != ResponsePacketSize || ResponsePacketSize != 40 {
		t.Fatalf("Pack() len=%d, ResponsePacketSize=%d, want 40", len(data), ResponsePacketSize)
	}

	out, err := UnpackResponse(data)
	if err != nil {
		t.Fatalf("UnpackResponse err=%v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", out, in)
	}
}

func TestResponsePacket_ReadingOffset(t *testing.T) {
	r := ResponsePacket{CellReadings: [MaxLoadCells]float32{123.4}}
	data := r.Pack()

	bits := uint32(data[8]) | uint32(data[9])<<8 | uint32(data[10])<<16 | uint32(data[11])<<24
	if got := math.Float32frombits(bits); got != float32(123.4) {
		t.Fatalf("reading at offset 8 = %v, want 123.4", got)
	}
}

func TestUnpackResponse_NonZeroConfiguredIsTrue(t *testing.T) {
	data := ResponsePacket{}.Pack()
	data[4] = 0x01
	data[6] = 0x7F

	out, err := UnpackResponse(data)
	if err != nil {
		t.Fatalf("UnpackResponse err=%v", err)
	}
	want := [MaxLoadCells]bool{true, false, true, false}
	if out.CellConfigured != want {
		t.Fatalf("configured=%v, want %v", out.CellConfigured, want)
	}
}

func TestUnpackResponse_Malformed(t *testing.T) {
	for _, n := range []int{0, 1, 39, 41, 42} {
		_, err := UnpackResponse(make([]byte, n))
		if err == nil {
			t.Fatalf("len %d: expected error", n)
		}
		if !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("len %d: err=%v does not match ErrMalformedPacket", n, err)
		}

		var mpe *MalformedPacketError
		if !errors.As(err, &mpe) {
			t.Fatalf("len %d: err is not *MalformedPacketError", n)
		}
		if mpe.Got != n || mpe.Want != ResponsePacketSize {
			t.Fatalf("len %d: got=%d want=%d", n, mpe.Got, mpe.Want)
		}
	}
}

func TestUnpackCommand_Malformed(t *testing.T) {
	if _, err := UnpackCommand(make([]byte, 10)); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

func TestEnumStrings(t *testing.T) {
	if StatusIdle.String() != "IDLE" || StatusError.String() != "ERROR" {
		t.Fatalf("unexpected status names")
	}
	if Status(7).String() != "UNKNOWN(7)" {
		t.Fatalf("unknown status=%q", Status(7).String())
	}
	if ErrCellNotConfigured.String() != "CELL_NOT_CONFIGURED" {
		t.Fatalf("error name=%q", ErrCellNotConfigured.String())
	}
	if ErrorCode(99).String() != "UNKNOWN(99)" {
		t.Fatalf("unknown error=%q", ErrorCode(99).String())
	}
	if CommandFlag(0).String() != "POLL" {
		t.Fatalf("poll flag=%q", CommandFlag(0).String())
	}
	if got := (FlagConfigure | FlagZero).String(); got != "CONFIGURE|ZERO" {
		t.Fatalf("flags=%q", got)
	}
	if got := (FlagReset | 0x40).String(); got != "RESET|0x40" {
		t.Fatalf("flags=%q", got)
	}
}

func TestValidCellID(t *testing.T) {
	for id := 0; id < MaxLoadCells; id++ {
		if !ValidCellID(uint8(id)) {
			t.Fatalf("cell %d should be valid", id)
		}
	}
	if ValidCellID(4) || ValidCellID(AllCells) {
		t.Fatalf("4 and 255 are not single cells")
	}
}

func TestCommandFlag_Has(t *testing.T) {
	flags := FlagZero | FlagCalibrate
	if !flags.Has(FlagZero) || !flags.Has(FlagZero|FlagCalibrate) {
		t.Fatalf("%v should contain zero and calibrate", flags)
	}
	if flags.Has(FlagReset) || flags.Has(FlagZero|FlagReset) {
		t.Fatalf("%v should not contain reset", flags)
	}
}
