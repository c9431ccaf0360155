package thinkcan

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func TestLoopback_WriteRead(t *testing.T) {
	bus := NewLoopback(4)
	defer bus.Close()

	a := bus.Open()
	b := bus.Open()
	c := bus.Open()

	frame := NewFrame(0x301, []byte{0x00, 0x0A})
	err := a.WriteFrame(context.Background(), frame)
	assert.NoError(t, err)

	got, err := b.ReadFrame(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, frame, got)

	got, err = c.ReadFrame(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, frame, got)

	// writer does not receive its own frame
	_, ok, err := Receive(context.Background(), a, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestLoopback_WriteInvalidFrame(t *testing.T) {
	bus := NewLoopback(1)
	a := bus.Open()

	err := a.WriteFrame(context.Background(), Frame{ID: 0x1000})
	assert.True(t, errors.Is(err, ErrInvalidFrameID))
}

func TestLoopback_Closed(t *testing.T) {
	bus := NewLoopback(1)
	a := bus.Open()
	b := bus.Open()
	assert.NoError(t, bus.Close())

	err := a.WriteFrame(context.Background(), NewFrame(0x301, nil))
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = b.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrBusClosed)

	assert.ErrorIs(t, bus.Open().Initialize(), ErrBusClosed)
}

func TestReceive(t *testing.T) {
	bus := NewLoopback(1)
	defer bus.Close()
	a := bus.Open()
	b := bus.Open()

	start := time.Now()
	_, ok, err := Receive(context.Background(), b, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	assert.NoError(t, a.WriteFrame(context.Background(), NewFrame(0x263, []byte{1})))
	f, ok, err := Receive(context.Background(), b, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x263), f.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err = Receive(ctx, b, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}
