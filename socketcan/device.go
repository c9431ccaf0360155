package socketcan

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"sync"
	"time"
)

const (
	defaultReceiveDataTimeout = 5 * time.Second
	defaultSendTimeout        = 100 * time.Millisecond
	// readPollTimeout is how long single socket read blocks before context is checked again
	readPollTimeout = 50 * time.Millisecond
)

var (
	errReadTimeout  = errors.New("socket read timeout")
	errWriteTimeout = errors.New("socket write timeout")
)

type connection interface {
	SetReadTimeout(timeout time.Duration) error
	SetSendTimeout(timeout time.Duration) error
	ReadRaw(canFrame []byte) error
	SendRaw(canFrame []byte) error
	Close() error
}

// DeviceConfig is configuration for SocketCAN device
type DeviceConfig struct {
	// InterfaceName is name of CAN network interface (for example: can0). Bitrate is set when interface is
	// brought up (`ip link set can0 type can bitrate 500000`).
	InterfaceName string
	// ReceiveDataTimeout is maximum time without any frames before ReadFrame returns thinkcan.ErrReadTimeout.
	ReceiveDataTimeout time.Duration

	Logger *zerolog.Logger
}

// Device is SocketCAN backed thinkcan.Bus
type Device struct {
	config DeviceConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn connection

	openConnection func(ifName string) (connection, error)
	timeNow        func() time.Time
}

// NewDevice creates new SocketCAN device. Connection is opened with Initialize.
func NewDevice(config DeviceConfig) *Device {
	if config.ReceiveDataTimeout <= 0 {
		config.ReceiveDataTimeout = defaultReceiveDataTimeout
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Device{
		config:         config,
		logger:         logger,
		openConnection: openConnection,
		timeNow:        time.Now,
	}
}

func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	conn, err := d.openConnection(d.config.InterfaceName)
	if err != nil {
		return fmt.Errorf("socketcan: failed to open %s: %w", d.config.InterfaceName, err)
	}
	d.conn = conn
	d.logger.Info().Str("interface", d.config.InterfaceName).Msg("socketcan connection opened")
	return nil
}

func (d *Device) activeConn() (connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, thinkcan.ErrBusClosed
	}
	return d.conn, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// ReadFrame reads next data frame from bus. Remote, error and extended frames are skipped.
func (d *Device) ReadFrame(ctx context.Context) (thinkcan.Frame, error) {
	conn, err := d.activeConn()
	if err != nil {
		return thinkcan.Frame{}, err
	}

	buf := make([]byte, frameSize)
	start := d.timeNow()
	for {
		timeout := readPollTimeout
		if deadline, ok := ctx.Deadline(); ok {
			remaining := deadline.Sub(d.timeNow())
			if remaining <= 0 {
				return thinkcan.Frame{}, context.DeadlineExceeded
			}
			if remaining < timeout {
				timeout = remaining
			}
		}
		select {
		case <-ctx.Done():
			return thinkcan.Frame{}, ctx.Err()
		default:
		}

		if err := conn.SetReadTimeout(timeout); err != nil {
			return thinkcan.Frame{}, err
		}
		err := conn.ReadRaw(buf)
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				if d.timeNow().Sub(start) > d.config.ReceiveDataTimeout {
					return thinkcan.Frame{}, thinkcan.ErrReadTimeout
				}
				continue
			}
			return thinkcan.Frame{}, err
		}

		frame, err := unmarshalFrame(buf)
		if err != nil {
			if isSkippable(err) {
				d.logger.Debug().Err(err).Msg("skipping frame")
				continue
			}
			return thinkcan.Frame{}, err
		}
		frame.Time = d.timeNow()
		return frame, nil
	}
}

// WriteFrame sends frame to bus. Full transmit queue is retried until context is done.
func (d *Device) WriteFrame(ctx context.Context, frame thinkcan.Frame) error {
	canFrame, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	conn, err := d.activeConn()
	if err != nil {
		return err
	}

	for {
		timeout := defaultSendTimeout
		if deadline, ok := ctx.Deadline(); ok {
			remaining := deadline.Sub(d.timeNow())
			if remaining <= 0 {
				return context.DeadlineExceeded
			}
			if remaining < timeout {
				timeout = remaining
			}
		}
		if err := conn.SetSendTimeout(timeout); err != nil {
			return err
		}
		err := conn.SendRaw(canFrame)
		if !errors.Is(err, errWriteTimeout) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
