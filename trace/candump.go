package trace

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"io"
	"strconv"
	"strings"
	"time"
)

// WriteCandump writes trace in candump log format (`candump -l`): `(1575961701.123456) can0 301#000A0C5A012C0100`
func WriteCandump(dst io.Writer, t *Trace, iface string) error {
	w := bufio.NewWriter(dst)
	base := startTime(t)
	for _, r := range t.Records {
		ts := r.Frame.Time
		if ts.IsZero() {
			ts = base.Add(offsetDuration(r.Offset))
		}
		_, err := fmt.Fprintf(
			w,
			"(%d.%06d) %s %s\n",
			ts.Unix(),
			ts.Nanosecond()/1000,
			iface,
			r.Frame.String(),
		)
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

// ParseCandump parses candump log format. Record offsets are relative to first message in log.
func ParseCandump(r io.Reader, config ParseConfig) (*Trace, error) {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	t := &Trace{}
	var first time.Time
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ts, frame, err := parseCandumpLine(line)
		if err != nil {
			w := Warning{Line: lineNo, Reason: fmt.Sprintf("skipped: %v", err)}
			t.Warnings = append(t.Warnings, w)
			logger.Warn().Int("line", lineNo).Msg(w.Reason)
			continue
		}
		if first.IsZero() {
			first = ts
			t.Header.Started = ts
			t.Header.StartTime = ExcelTime(ts)
		}
		frame.Time = ts
		t.Records = append(t.Records, Record{
			Number:    len(t.Records) + 1,
			Offset:    float64(ts.Sub(first).Microseconds()) / 1000,
			Direction: DirectionRx,
			Frame:     frame,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseCandumpLine(line string) (time.Time, thinkcan.Frame, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("too few fields: %d", len(fields))
	}

	tsField := fields[0]
	if !strings.HasPrefix(tsField, "(") || !strings.HasSuffix(tsField, ")") {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("invalid timestamp: %q", tsField)
	}
	tsField = strings.Trim(tsField, "()")
	parts := strings.SplitN(tsField, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("invalid timestamp: %q", tsField)
	}
	var usec int64
	if len(parts) == 2 {
		frac := (parts[1] + "000000")[:6]
		if usec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, thinkcan.Frame{}, fmt.Errorf("invalid timestamp: %q", tsField)
		}
	}
	ts := time.Unix(sec, usec*1000)

	idData := strings.SplitN(fields[2], "#", 2)
	if len(idData) != 2 {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("invalid frame: %q", fields[2])
	}
	if len(idData[0]) > 3 {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("extended frame not supported: %q", fields[2])
	}
	id, err := strconv.ParseUint(idData[0], 16, 32)
	if err != nil {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("invalid CAN ID: %q", idData[0])
	}
	if strings.HasPrefix(idData[1], "R") || strings.HasPrefix(idData[1], "#") {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("remote and CAN FD frames not supported: %q", fields[2])
	}
	data, err := hex.DecodeString(idData[1])
	if err != nil {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("invalid data: %q", idData[1])
	}
	if len(data) > thinkcan.MaxDataLength {
		return time.Time{}, thinkcan.Frame{}, fmt.Errorf("%w: %d", thinkcan.ErrInvalidFrameLength, len(data))
	}
	frame := thinkcan.NewFrame(uint32(id), data)
	return ts, frame, frame.Validate()
}
