// Package trace reads and writes PCAN-View .trc trace files (file version 1.1) and candump log files.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyTrace is returned when trace does not contain any messages
var ErrEmptyTrace = errors.New("trace contains no messages")

const (
	metaFileVersion = ";$FILEVERSION="
	metaStartTime   = ";$STARTTIME="
	metaStartText   = "Start time:"

	startTimeLayout = "02.01.2006 15:04:05.000"
)

// Direction is message direction as written in trace
type Direction string

const (
	// DirectionRx is received message
	DirectionRx Direction = "Rx"
	// DirectionTx is transmitted message
	DirectionTx Direction = "Tx"
)

// Header is trace file metadata
type Header struct {
	// FileVersion is value of `;$FILEVERSION=` line
	FileVersion string
	// StartTime is value of `;$STARTTIME=` line in Excel date format (days since 1899-12-30)
	StartTime float64
	// Started is wall clock start time of the trace. Zero when trace does not have start time.
	Started time.Time
}

// Record is single message in trace
type Record struct {
	// Number is message number in trace, starting from 1
	Number int
	// Offset is time offset from start of the trace in milliseconds
	Offset    float64
	Direction Direction
	Frame     thinkcan.Frame
}

// Warning describes line that was skipped or parsed with problems
type Warning struct {
	Line   int
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Reason)
}

// Trace is parsed trace file
type Trace struct {
	// Name is file name trace was loaded from
	Name     string
	Header   Header
	Records  []Record
	Warnings []Warning
}

// Len returns number of messages in trace
func (t *Trace) Len() int {
	return len(t.Records)
}

// Duration returns time between first and last message
func (t *Trace) Duration() time.Duration {
	if len(t.Records) < 2 {
		return 0
	}
	return offsetDuration(t.Records[len(t.Records)-1].Offset - t.Records[0].Offset)
}

// UniqueIDs returns sorted list of arbitration IDs present in trace
func (t *Trace) UniqueIDs() []uint32 {
	seen := map[uint32]struct{}{}
	for _, r := range t.Records {
		seen[r.Frame.ID] = struct{}{}
	}
	result := make([]uint32, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// ParseConfig is configuration for trace parsing
type ParseConfig struct {
	// Logger receives warnings about skipped lines. Defaults to no-op logger.
	Logger *zerolog.Logger
}

// ParseFile parses .trc file. Missing file results error that matches os.ErrNotExist.
func ParseFile(path string, config ParseConfig) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace open failure: %w", err)
	}
	defer f.Close()

	t, err := ParseWithConfig(f, config)
	if err != nil {
		return nil, fmt.Errorf("trace parse failure, file: %v, err: %w", path, err)
	}
	t.Name = path
	return t, nil
}

// LoadFile parses trace file choosing format by extension. Files with `.log` extension are parsed as candump logs,
// everything else as .trc file.
func LoadFile(path string, config ParseConfig) (*Trace, error) {
	if !strings.EqualFold(filepath.Ext(path), ".log") {
		return ParseFile(path, config)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace open failure: %w", err)
	}
	defer f.Close()

	t, err := ParseCandump(f, config)
	if err != nil {
		return nil, fmt.Errorf("trace parse failure, file: %v, err: %w", path, err)
	}
	t.Name = path
	return t, nil
}

// Parse parses .trc contents from reader
func Parse(r io.Reader) (*Trace, error) {
	return ParseWithConfig(r, ParseConfig{})
}

// ParseWithConfig parses .trc contents from reader. Malformed data lines are skipped and reported in Trace.Warnings.
func ParseWithConfig(r io.Reader, config ParseConfig) (*Trace, error) {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	t := &Trace{}
	warn := func(line int, format string, args ...interface{}) {
		w := Warning{Line: line, Reason: fmt.Sprintf(format, args...)}
		t.Warnings = append(t.Warnings, w)
		logger.Warn().Int("line", line).Msg(w.Reason)
	}

	var excelStarted time.Time
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ";") {
			if started, ok := parseMetadata(line, &t.Header); ok {
				excelStarted = started
			}
			continue
		}

		rec, err := parseRecord(line)
		if err != nil {
			warn(lineNo, "skipped: %v", err)
			continue
		}
		if rec.truncated {
			warn(lineNo, "data longer than %d bytes, truncated", thinkcan.MaxDataLength)
		} else if rec.dlc != int(rec.Frame.Length) {
			warn(lineNo, "DLC mismatch: expected %d, got %d bytes", rec.dlc, rec.Frame.Length)
		}
		t.Records = append(t.Records, rec.Record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// `Start time:` line has milliseconds and is preferred over Excel time that has only whole seconds
	if t.Header.Started.IsZero() && !excelStarted.IsZero() {
		t.Header.Started = excelStarted
	}
	if !t.Header.Started.IsZero() {
		for i := range t.Records {
			r := &t.Records[i]
			r.Frame.Time = t.Header.Started.Add(offsetDuration(r.Offset))
		}
	}
	return t, nil
}

func offsetDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

func parseMetadata(line string, h *Header) (time.Time, bool) {
	switch {
	case strings.HasPrefix(line, metaFileVersion):
		h.FileVersion = strings.TrimSpace(strings.TrimPrefix(line, metaFileVersion))
	case strings.HasPrefix(line, metaStartTime):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, metaStartTime)), 64)
		if err != nil {
			return time.Time{}, false
		}
		h.StartTime = v
		return FromExcelTime(v, time.Local), true
	default:
		idx := strings.Index(line, metaStartText)
		if idx == -1 {
			return time.Time{}, false
		}
		s := strings.TrimSpace(line[idx+len(metaStartText):])
		// PCAN writes additional `.0` (microseconds) after milliseconds
		if len(s) > len(startTimeLayout) {
			s = s[:len(startTimeLayout)]
		}
		if started, err := time.ParseInLocation(startTimeLayout, s, time.Local); err == nil {
			h.Started = started
		}
	}
	return time.Time{}, false
}

type parsedRecord struct {
	Record
	dlc       int
	truncated bool
}

// parseRecord parses data line in form of `Number) Offset Rx|Tx ID DLC [data bytes]`
func parseRecord(line string) (parsedRecord, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return parsedRecord{}, fmt.Errorf("too few fields: %d", len(fields))
	}
	if !strings.HasSuffix(fields[0], ")") {
		return parsedRecord{}, fmt.Errorf("invalid message number: %q", fields[0])
	}
	number, err := strconv.Atoi(strings.TrimSuffix(fields[0], ")"))
	if err != nil {
		return parsedRecord{}, fmt.Errorf("invalid message number: %q", fields[0])
	}
	offset, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || offset < 0 {
		return parsedRecord{}, fmt.Errorf("invalid time offset: %q", fields[1])
	}
	direction := Direction(fields[2])
	if direction != DirectionRx && direction != DirectionTx {
		return parsedRecord{}, fmt.Errorf("invalid direction: %q", fields[2])
	}
	id, err := strconv.ParseUint(fields[3], 16, 32)
	if err != nil {
		return parsedRecord{}, fmt.Errorf("invalid CAN ID: %q", fields[3])
	}
	if id > thinkcan.MaxStandardID {
		return parsedRecord{}, fmt.Errorf("%w: 0x%X", thinkcan.ErrInvalidFrameID, id)
	}
	dlc, err := strconv.Atoi(fields[4])
	if err != nil || dlc < 0 {
		return parsedRecord{}, fmt.Errorf("invalid DLC: %q", fields[4])
	}

	dataFields := fields[5:]
	truncated := len(dataFields) > thinkcan.MaxDataLength
	if truncated {
		dataFields = dataFields[:thinkcan.MaxDataLength]
	}
	data := make([]byte, 0, len(dataFields))
	for _, f := range dataFields {
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return parsedRecord{}, fmt.Errorf("invalid data byte: %q", f)
		}
		data = append(data, byte(b))
	}

	return parsedRecord{
		Record: Record{
			Number:    number,
			Offset:    offset,
			Direction: direction,
			Frame:     thinkcan.NewFrame(uint32(id), data),
		},
		dlc:       dlc,
		truncated: truncated,
	}, nil
}
