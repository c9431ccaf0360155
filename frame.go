package thinkcan

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MaxStandardID is largest 11 bit (CAN 2.0A) arbitration ID. ThinkCity vehicle bus uses only standard frames.
const MaxStandardID = 0x7FF

// MaxDataLength is maximum payload size of classic CAN frame.
const MaxDataLength = 8

// Frame is single CAN frame read from or written to the bus.
type Frame struct {
	// Time is when frame was read from bus or trace. Filled by this library.
	Time time.Time

	ID     uint32 // 0-0x7FF
	Length uint8  // 0-8
	Data   [8]byte
}

// NewFrame creates frame from given arbitration ID and payload. Payload longer than 8 bytes is truncated.
func NewFrame(id uint32, payload []byte) Frame {
	f := Frame{ID: id}
	n := copy(f.Data[:], payload)
	f.Length = uint8(n)
	return f
}

// Payload returns declared data bytes of the frame.
func (f Frame) Payload() []byte {
	l := f.Length
	if l > MaxDataLength {
		l = MaxDataLength
	}
	return f.Data[:l]
}

// Validate checks that frame could be sent on standard CAN bus.
func (f Frame) Validate() error {
	if f.ID > MaxStandardID {
		return fmt.Errorf("%w: 0x%X", ErrInvalidFrameID, f.ID)
	}
	if f.Length > MaxDataLength {
		return fmt.Errorf("%w: %d", ErrInvalidFrameLength, f.Length)
	}
	return nil
}

// String returns frame in candump like notation `301#000A0C5A012C0100`
func (f Frame) String() string {
	return fmt.Sprintf("%03X#%s", f.ID, strings.ToUpper(hex.EncodeToString(f.Payload())))
}
