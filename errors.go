package thinkcan

import "errors"

var (
	// ErrInvalidFrameID is returned when arbitration ID does not fit into 11 bits
	ErrInvalidFrameID = errors.New("invalid frame arbitration ID")
	// ErrInvalidFrameLength is returned when frame declares more than 8 data bytes
	ErrInvalidFrameLength = errors.New("invalid frame data length")
	// ErrBusClosed is returned when reading or writing bus that has been closed
	ErrBusClosed = errors.New("bus is closed")
	// ErrReadTimeout is returned by devices when no frame arrived within their receive timeout
	ErrReadTimeout = errors.New("read timeout")
	// ErrUnknownSignal is returned when signal name is not part of the signal catalog
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrSignalKindMismatch is returned when signal value kind does not match its catalog definition
	ErrSignalKindMismatch = errors.New("signal value kind mismatch")
)
