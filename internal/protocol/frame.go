// internal/protocol/frame.go
package protocol

// Every packet body travels inside a delimited frame:
//
//	0xAA | body | 0x55
//
// The markers let the reader drop stray bytes and find the next frame
// after a lost or corrupted byte.
const (
	FrameHeader byte = 0xAA
	FrameFooter byte = 0x55

	frameOverhead = 2

	CommandFrameSize  = CommandPacketSize + frameOverhead
	ResponseFrameSize = ResponsePacketSize + frameOverhead
)

// EncodeFrame wraps body in header and footer markers.
func EncodeFrame(body []byte) []byte {
	frame := make([]byte, 0, len(body)+frameOverhead)
	frame = append(frame, FrameHeader)
	frame = append(frame, body...)
	frame = append(frame, FrameFooter)
	return frame
}

// FrameDecoder extracts fixed-size frame bodies from a byte stream.
// It holds no I/O; callers feed it whatever the transport returned.
type FrameDecoder struct {
	bodySize  int
	buf       []byte
	discarded int
}

// NewFrameDecoder creates a decoder for frames carrying bodySize bytes.
func NewFrameDecoder(bodySize int) *FrameDecoder {
	return &FrameDecoder{
		bodySize: bodySize,
		buf:      make([]byte, 0, 2*(bodySize+frameOverhead)),
	}
}

// Write appends raw bytes. It never fails.
func (d *FrameDecoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame body, if one is buffered.
// Bytes that cannot start a valid frame are dropped.
func (d *FrameDecoder) Next() ([]byte, bool) {
	frameSize := d.bodySize + frameOverhead

	for {
		start := -1
		for i, b := range d.buf {
			if b == FrameHeader {
				start = i
				break
			}
		}
		if start < 0 {
			d.discarded += len(d.buf)
			d.buf = d.buf[:0]
			return nil, false
		}
		if start > 0 {
			d.discarded += start
			d.buf = append(d.buf[:0], d.buf[start:]...)
		}

		if len(d.buf) < frameSize {
			return nil, false
		}

		if d.buf[frameSize-1] != FrameFooter {
			// False header: skip it and rescan.
			d.discarded++
			d.buf = append(d.buf[:0], d.buf[1:]...)
			continue
		}

		body := make([]byte, d.bodySize)
		copy(body, d.buf[1:frameSize-1])
		d.buf = append(d.buf[:0], d.buf[frameSize:]...)
		return body, true
	}
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Discarded returns how many bytes were dropped while resynchronising.
func (d *FrameDecoder) Discarded() int {
	return d.discarded
}

// Reset clears buffered bytes and counters.
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
	d.discarded = 0
}
