package trace

import (
	"bufio"
	"fmt"
	"github.com/tcdash/thinkcan"
	"io"
	"strings"
	"time"
)

// Writer writes messages in PCAN-View .trc format. Messages are numbered automatically starting from 1.
// Writer is buffered, call Flush to write buffered data to underlying writer.
//
// Offsets are written with 0.1 ms resolution as v1.1 format has single decimal place for offset column. Finer offsets
// (candump microseconds) are rounded and do not survive write and parse round trip.
type Writer struct {
	w     *bufio.Writer
	count int
}

// NewWriter creates new trace writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteHeader writes file header with given trace start time
func (w *Writer) WriteHeader(start time.Time) error {
	var sb strings.Builder
	sb.WriteString(";$FILEVERSION=1.1\n")
	fmt.Fprintf(&sb, ";$STARTTIME=%.13f\n", ExcelTime(start))
	sb.WriteString(";\n")
	fmt.Fprintf(&sb, ";   Start time: %s.0\n", start.Format(startTimeLayout))
	sb.WriteString(";   Generated by thinkcan\n")
	sb.WriteString(";-------------------------------------------------------------------------------\n")
	sb.WriteString(";   Message   Time    Type ID     DLC Data Bytes\n")
	sb.WriteString(";   Number    Offset  \n")
	sb.WriteString(";---+--   ----+----  --+--  ----+---  +  -+ -- -- -- -- -- -- --\n")

	_, err := w.w.WriteString(sb.String())
	return err
}

// WriteFrame writes frame as received (Rx) message with given offset in milliseconds from start of the trace.
func (w *Writer) WriteFrame(offsetMs float64, frame thinkcan.Frame) error {
	return w.writeLine(offsetMs, DirectionRx, frame)
}

// WriteRecord writes record with its offset and direction. Record number is assigned by writer.
func (w *Writer) WriteRecord(r Record) error {
	direction := r.Direction
	if direction == "" {
		direction = DirectionRx
	}
	if direction != DirectionRx && direction != DirectionTx {
		return fmt.Errorf("invalid message direction: %q", direction)
	}
	return w.writeLine(r.Offset, direction, r.Frame)
}

func (w *Writer) writeLine(offsetMs float64, direction Direction, frame thinkcan.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	payload := frame.Payload()
	data := make([]string, len(payload))
	for i, b := range payload {
		data[i] = fmt.Sprintf("%02X", b)
	}

	_, err := fmt.Fprintf(
		w.w,
		"%6d)  %11.1f  %s         %04X  %d  %s\n",
		w.count+1,
		offsetMs,
		direction,
		frame.ID,
		len(payload),
		strings.Join(data, " "),
	)
	if err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns number of messages written
func (w *Writer) Count() int {
	return w.count
}

// Flush writes buffered data to underlying writer
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Write writes whole trace (header and all records) to writer
func Write(dst io.Writer, t *Trace) error {
	w := NewWriter(dst)
	if err := w.WriteHeader(startTime(t)); err != nil {
		return err
	}
	for _, r := range t.Records {
		if err := w.WriteRecord(r); err != nil {
			return err
		}
	}
	return w.Flush()
}

// startTime returns trace start time. When header has no start time it is derived from first timestamped record and
// when there is none Unix epoch is used.
func startTime(t *Trace) time.Time {
	if !t.Header.Started.IsZero() {
		return t.Header.Started
	}
	for _, r := range t.Records {
		if !r.Frame.Time.IsZero() {
			return r.Frame.Time.Add(-offsetDuration(r.Offset))
		}
	}
	return time.Unix(0, 0)
}
