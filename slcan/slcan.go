// Package slcan implements thinkcan.Bus for serial line CAN adapters speaking Lawicel ASCII protocol (CANable,
// USBtin, CANUSB and similar).
package slcan

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/internal/utils"
	"io"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultBitrate            = 500_000
	defaultBaud               = 115_200
	defaultReceiveDataTimeout = 5 * time.Second
	// serialReadTimeout is how long single serial read blocks before context is checked again
	serialReadTimeout = 50 * time.Millisecond

	lineEnd   = '\r'
	errorBell = '\a'
)

// bitrateCommands maps CAN bitrate to Lawicel `Sn` setup command
var bitrateCommands = map[int]string{
	10_000:    "S0",
	20_000:    "S1",
	50_000:    "S2",
	100_000:   "S3",
	125_000:   "S4",
	250_000:   "S5",
	500_000:   "S6",
	800_000:   "S7",
	1_000_000: "S8",
}

var (
	// ErrUnsupportedBitrate is returned when adapter has no setup command for requested bitrate
	ErrUnsupportedBitrate = errors.New("unsupported CAN bitrate")

	errSkippableLine = errors.New("skippable line")
)

// Config is configuration for SLCAN device
type Config struct {
	// Bitrate is CAN bus bitrate. ThinkCity bus runs at 500 kbit/s.
	Bitrate int
	// ReceiveDataTimeout is maximum time without any frames before ReadFrame returns thinkcan.ErrReadTimeout.
	ReceiveDataTimeout time.Duration
	// DebugLogRawMessageBytes logs every line read from and written to adapter at debug level.
	DebugLogRawMessageBytes bool

	Logger *zerolog.Logger
}

// Device is Lawicel SLCAN adapter connected over serial port
type Device struct {
	device  io.ReadWriter
	config  Config
	logger  zerolog.Logger
	timeNow func() time.Time

	writeMu sync.Mutex

	readBuffer []byte
	readIndex  int
}

// Open opens serial port (for example: /dev/ttyACM0) and creates device on it. CAN channel is opened with Initialize.
func Open(portName string, config Config) (*Device, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        portName,
		Baud:        defaultBaud,
		ReadTimeout: serialReadTimeout,
		Size:        8,
	})
	if err != nil {
		return nil, fmt.Errorf("slcan: failed to open serial port %s: %w", portName, err)
	}
	return NewDevice(port, config), nil
}

// NewDevice creates new SLCAN device on given reader/writer
func NewDevice(rw io.ReadWriter, config Config) *Device {
	if config.Bitrate == 0 {
		config.Bitrate = DefaultBitrate
	}
	if config.ReceiveDataTimeout <= 0 {
		config.ReceiveDataTimeout = defaultReceiveDataTimeout
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Device{
		device:     rw,
		config:     config,
		logger:     logger,
		timeNow:    time.Now,
		readBuffer: make([]byte, 0, 64),
	}
}

// Initialize closes channel left open by previous session, sets bitrate and opens CAN channel
func (d *Device) Initialize() error {
	bitrateCmd, ok := bitrateCommands[d.config.Bitrate]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedBitrate, d.config.Bitrate)
	}
	for _, cmd := range []string{"C", bitrateCmd, "O"} {
		if err := d.command(cmd); err != nil {
			return fmt.Errorf("slcan: initialization command %q failed: %w", cmd, err)
		}
	}
	return nil
}

func (d *Device) command(cmd string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	b := append([]byte(cmd), lineEnd)
	if d.config.DebugLogRawMessageBytes {
		d.logger.Debug().Str("bytes", utils.FormatSpaces(b)).Msg("writing slcan command")
	}
	_, err := d.device.Write(b)
	return err
}

// Close closes CAN channel and underlying serial port
func (d *Device) Close() error {
	cmdErr := d.command("C")
	if c, ok := d.device.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return cmdErr
}

const hextable = "0123456789ABCDEF"

// toFrameCommand converts frame to `tiiildd..` transmit command. Example: `t30120C5A\r`
func toFrameCommand(frame thinkcan.Frame) []byte {
	b := make([]byte, 0, 5+2*thinkcan.MaxDataLength+1)
	b = append(b, 't',
		hextable[(frame.ID>>8)&0x0f],
		hextable[(frame.ID>>4)&0x0f],
		hextable[frame.ID&0x0f],
		hextable[frame.Length&0x0f],
	)
	for _, v := range frame.Payload() {
		b = append(b, hextable[v>>4], hextable[v&0x0f])
	}
	return append(b, lineEnd)
}

func (d *Device) WriteFrame(ctx context.Context, frame thinkcan.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	raw := toFrameCommand(frame)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.config.DebugLogRawMessageBytes {
		d.logger.Debug().Str("bytes", utils.FormatSpaces(raw)).Msg("writing slcan frame")
	}
	_, err := d.device.Write(raw)
	return err
}

// ReadFrame reads next standard data frame. Command acknowledgements, extended and remote frames are skipped.
func (d *Device) ReadFrame(ctx context.Context) (thinkcan.Frame, error) {
	buf := make([]byte, 64)
	lastData := d.timeNow()

	for {
		// complete lines may already be buffered from previous read
		if line, ok := d.nextLine(); ok {
			if d.config.DebugLogRawMessageBytes {
				d.logger.Debug().Str("bytes", utils.FormatSpaces(line)).Msg("read slcan line")
			}
			frame, err := parseFrame(line, d.timeNow())
			if errors.Is(err, errSkippableLine) {
				continue
			}
			if err != nil {
				d.logger.Warn().Err(err).Str("line", utils.FormatSpaces(line)).Msg("invalid slcan line")
				continue
			}
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return thinkcan.Frame{}, ctx.Err()
		default:
		}

		// serial port read blocks at most serialReadTimeout and returns 0 bytes with io.EOF on timeout
		n, err := d.device.Read(buf)
		if err != nil && !(errors.Is(err, io.EOF) && n == 0) {
			return thinkcan.Frame{}, err
		}
		if n == 0 {
			if d.timeNow().Sub(lastData) > d.config.ReceiveDataTimeout {
				return thinkcan.Frame{}, thinkcan.ErrReadTimeout
			}
			continue
		}
		lastData = d.timeNow()
		d.readBuffer = append(d.readBuffer, buf[:n]...)
	}
}

// nextLine cuts next `\r` or `\a` terminated line from read buffer
func (d *Device) nextLine() ([]byte, bool) {
	end := bytes.IndexAny(d.readBuffer, "\r\a")
	if end == -1 {
		if len(d.readBuffer) > 1024 { // garbage without line ends, start over
			d.readBuffer = d.readBuffer[:0]
		}
		return nil, false
	}
	line := make([]byte, end+1)
	copy(line, d.readBuffer[:end+1])
	d.readBuffer = append(d.readBuffer[:0], d.readBuffer[end+1:]...)
	return line, true
}

// parseFrame parses single Lawicel line.
// Example: 't30120C5A\r' or with timestamp enabled 't30120C5A1F2E\r'
func parseFrame(line []byte, now time.Time) (thinkcan.Frame, error) {
	line = bytes.TrimRight(line, "\r\a")
	if len(line) == 0 {
		return thinkcan.Frame{}, errSkippableLine // command acknowledgement or error bell
	}
	if line[0] != 't' {
		// extended (T), remote (r, R) frames and responses to version/status commands
		return thinkcan.Frame{}, errSkippableLine
	}
	if len(line) < 5 {
		return thinkcan.Frame{}, fmt.Errorf("slcan frame too short: %d bytes", len(line))
	}

	id, err := strconv.ParseUint(string(line[1:4]), 16, 16)
	if err != nil {
		return thinkcan.Frame{}, fmt.Errorf("slcan frame has invalid ID: %w", err)
	}
	length := line[4] - '0'
	if length > thinkcan.MaxDataLength {
		return thinkcan.Frame{}, fmt.Errorf("%w: %q", thinkcan.ErrInvalidFrameLength, line[4])
	}

	hexData := line[5:]
	switch len(hexData) {
	case int(length) * 2:
	case int(length)*2 + 4: // trailing 16bit timestamp in milliseconds
		hexData = hexData[:length*2]
	default:
		return thinkcan.Frame{}, fmt.Errorf("slcan frame data length mismatch: expected %d, got %d hex digits", length*2, len(hexData))
	}

	f := thinkcan.Frame{
		Time:   now,
		ID:     uint32(id),
		Length: length,
	}
	if _, err := hex.Decode(f.Data[:], hexData); err != nil {
		return thinkcan.Frame{}, fmt.Errorf("slcan frame has invalid data: %w", err)
	}
	if err := f.Validate(); err != nil {
		return thinkcan.Frame{}, err
	}
	return f, nil
}
