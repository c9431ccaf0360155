package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/tcdash/thinkcan"
)

const (
	// frameSize is size of struct can_frame
	frameSize = 16

	// canIDMask is bitmask to get 0-28bits belonging to CAN ID from socketCAN struct
	canIDMask = uint32(1<<29) - 1
	// canIDERRFlag is bit 29 in CAN ID and means ERR error message flag (0 = data frame, 1 = error message)
	canIDERRFlag = uint32(1 << 29)
	// canIDRTRFlag is bit 30 in CAN ID and means RTR remote transmission request (1 = rtr frame)
	canIDRTRFlag = uint32(1 << 30)
	// canIDEFFFlag is bit 31 in CAN ID and means EFF extended frame format / IDE identifier extension flag (0 = standard 11 bit, 1 = extended 29 bit)
	canIDEFFFlag = uint32(1 << 31)
)

var (
	errRemoteFrame   = errors.New("read CAN remote transmission request frame")
	errErrorFrame    = errors.New("read CAN error message frame")
	errExtendedFrame = errors.New("read CAN extended frame format frame")
)

// isSkippable reports if frame read error means frame is not of interest and next frame can be read
func isSkippable(err error) bool {
	return errors.Is(err, errRemoteFrame) || errors.Is(err, errErrorFrame) || errors.Is(err, errExtendedFrame)
}

// marshalFrame converts frame to struct can_frame in host byte order.
// Can frame structure: https://github.com/linux-can/can-utils/blob/affdc1b79973c7497bb8607603c24734e11a91aa/include/linux/can.h#L107
func marshalFrame(f thinkcan.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	canFrame := make([]byte, frameSize)

	// bits 0-28 is CAN ID
	// bit 29 is ERR error message flag (0 = data frame, 1 = error message)
	// bit 30 is RTR remote transmission request (1 = rtr frame)
	// bit 31 is EFF extended frame format / IDE identifier extension flag (0 = standard 11 bit, 1 = extended 29 bit)
	binary.NativeEndian.PutUint32(canFrame[0:4], f.ID)

	// bits 32-40 data length
	canFrame[4] = f.Length
	copy(canFrame[8:], f.Payload())
	return canFrame, nil
}

func unmarshalFrame(canFrame []byte) (thinkcan.Frame, error) {
	if len(canFrame) < frameSize {
		return thinkcan.Frame{}, fmt.Errorf("short CAN frame read: %d bytes", len(canFrame))
	}
	canID := binary.NativeEndian.Uint32(canFrame[0:4])
	switch {
	case canID&canIDERRFlag != 0:
		return thinkcan.Frame{}, errErrorFrame
	case canID&canIDRTRFlag != 0:
		return thinkcan.Frame{}, errRemoteFrame
	case canID&canIDEFFFlag != 0:
		return thinkcan.Frame{}, errExtendedFrame
	}

	length := canFrame[4]
	if length > thinkcan.MaxDataLength {
		return thinkcan.Frame{}, fmt.Errorf("%w: %d", thinkcan.ErrInvalidFrameLength, length)
	}
	f := thinkcan.Frame{
		ID:     canID & canIDMask,
		Length: length,
	}
	copy(f.Data[:], canFrame[8:8+length])
	return f, nil
}
