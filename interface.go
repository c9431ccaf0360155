package thinkcan

import (
	"context"
	"errors"
	"time"
)

type FrameReader interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Initialize() error
	Close() error
}

type FrameWriter interface {
	WriteFrame(ctx context.Context, frame Frame) error
	Close() error
}

// Bus is transport for CAN frames. Initialize connects to the bus and Close shuts it down.
type Bus interface {
	FrameReader
	FrameWriter
}

// Receive reads single frame from reader but waits at most given timeout for it. When no frame arrived in time
// `ok` is false and error is nil. Parent context cancellation is returned as error.
func Receive(ctx context.Context, r FrameReader, timeout time.Duration) (Frame, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := r.ReadFrame(rctx)
	if err == nil {
		return f, true, nil
	}
	if ctx.Err() != nil {
		return Frame{}, false, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrReadTimeout) {
		return Frame{}, false, nil
	}
	return Frame{}, false, err
}
