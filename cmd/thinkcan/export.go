package main

import (
	"encoding/csv"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/decoder"
	"github.com/tcdash/thinkcan/trace"
	"github.com/tcdash/thinkcan/vehicle"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultCSVFields = "_time_ms,_id,speed_kmh,soc_pct,voltage_V,current_A,power_kW,pack_temp_C"

// mergedSignals are computed by state merger from other frames. Every decoded frame can change them.
var mergedSignals = map[thinkcan.SignalID]bool{
	thinkcan.SignalSOC:        true,
	thinkcan.SignalSOHInstant: true,
}

func newExportCommand(a *app) *cobra.Command {
	var fieldsRaw string
	var out string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export decoded signals from trace as CSV, one row per frame",
		Long: strings.TrimSpace(`
Decodes trace and writes CSV row for every frame that carries at least one of the selected signals. Signal values are
taken from merged vehicle state so columns keep last known value.

Special fields:
  _time, _time_ms, _time_nano  frame time as unix seconds/milliseconds/nanoseconds. Can be truncated: _time_ms(100ms)
  _offset_ms                   time since trace start in milliseconds
  _id                          frame arbitration ID`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseCSVFields(fieldsRaw)
			if err != nil {
				return err
			}
			t, err := trace.LoadFile(args[0], trace.ParseConfig{Logger: a.componentLogger("trace")})
			if err != nil {
				return err
			}

			var w io.Writer = a.out
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			rows, err := exportCSV(w, t, fields, *a.componentLogger("decoder"))
			if err != nil {
				return err
			}
			a.logger.Info().Int("rows", rows).Msg("csv export finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&fieldsRaw, "fields", defaultCSVFields, "comma separated list of signals and special fields to export")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file. Defaults to STDOUT")
	return cmd
}

type field struct {
	name     string
	truncate time.Duration
}

type csvFields struct {
	names  []string
	fields []field
	// frameIDs are arbitration IDs of frames that carry selected signals
	frameIDs map[uint32]bool
	// anyFrame is set when merged signals are selected
	anyFrame bool
}

func parseCSVFields(raw string) (csvFields, error) {
	// _time_ms(100ms),speed_kmh,soc_pct
	result := csvFields{frameIDs: map[uint32]bool{}}
	for _, f := range strings.Split(strings.TrimSpace(raw), ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		var trunc time.Duration
		if strings.HasPrefix(f, "_time") {
			start := strings.IndexByte(f, '(')
			end := strings.LastIndexByte(f, ')')
			if start != -1 {
				if start+1 >= end {
					return csvFields{}, fmt.Errorf("csv fields: invalid _time format: %v", f)
				}
				tRaw, err := time.ParseDuration(f[start+1 : end])
				if err != nil {
					return csvFields{}, fmt.Errorf("csv fields: invalid _time format, err: %w", err)
				}
				trunc = tRaw
				f = f[0:start]
			}
		}

		switch f {
		case "_time", "_time_ms", "_time_nano", "_offset_ms", "_id":
		default:
			def, ok := thinkcan.LookupSignal(thinkcan.SignalID(f))
			if !ok {
				return csvFields{}, fmt.Errorf("csv fields: unknown signal: %v", f)
			}
			switch {
			case def.FrameID != 0:
				result.frameIDs[def.FrameID] = true
			case mergedSignals[def.ID]:
				result.anyFrame = true
			default:
				return csvFields{}, fmt.Errorf("csv fields: signal %v is computed by trip computer and is not available in traces", f)
			}
		}
		result.fields = append(result.fields, field{name: f, truncate: trunc})
		result.names = append(result.names, f)
	}
	if len(result.frameIDs) == 0 && !result.anyFrame {
		return csvFields{}, fmt.Errorf("csv fields: at least one signal is required")
	}
	return result, nil
}

// Match returns row values when frame with given ID carries selected signals
func (c csvFields) Match(id uint32, state vehicle.State, now time.Time, offsetMs float64) ([]string, bool) {
	if !c.anyFrame && !c.frameIDs[id] {
		return nil, false
	}
	values := make([]string, 0, len(c.fields))
	for _, f := range c.fields {
		v := ""
		tmpNow := now
		if f.truncate > 0 {
			tmpNow = now.Truncate(f.truncate)
		}
		switch f.name {
		case "_time":
			v = strconv.FormatInt(tmpNow.Unix(), 10)
		case "_time_ms":
			v = strconv.FormatInt(tmpNow.UnixMilli(), 10)
		case "_time_nano":
			v = strconv.FormatInt(tmpNow.UnixNano(), 10)
		case "_offset_ms":
			v = strconv.FormatFloat(offsetMs, 'f', 1, 64)
		case "_id":
			v = formatID(id)
		default:
			if sv, ok := state[thinkcan.SignalID(f.name)]; ok {
				v = sv.String()
			}
		}
		values = append(values, v)
	}
	return values, true
}

// recordTime returns absolute time of trace record
func recordTime(t *trace.Trace, r trace.Record) time.Time {
	if !r.Frame.Time.IsZero() {
		return r.Frame.Time
	}
	return t.Header.Started.Add(time.Duration(r.Offset * float64(time.Millisecond)))
}

// decodeTrace decodes all trace records in order and calls fn with merged state after every decoded frame
func decodeTrace(t *trace.Trace, logger zerolog.Logger, fn func(r trace.Record, state vehicle.State) error) error {
	dec := decoder.NewDecoderWithConfig(decoder.Config{Logger: &logger})
	merger := vehicle.NewMerger(dec, logger)
	state := vehicle.NewState()
	for _, r := range t.Records {
		signals, ok := dec.DecodeFrame(r.Frame)
		if !ok {
			continue
		}
		state = merger.Merge(state, signals)
		if err := fn(r, state); err != nil {
			return err
		}
	}
	return nil
}

func exportCSV(w io.Writer, t *trace.Trace, fields csvFields, logger zerolog.Logger) (int, error) {
	csvwriter := csv.NewWriter(w)
	if err := csvwriter.Write(fields.names); err != nil {
		return 0, fmt.Errorf("csv failed to write header, err: %w", err)
	}

	rows := 0
	err := decodeTrace(t, logger, func(r trace.Record, state vehicle.State) error {
		values, ok := fields.Match(r.Frame.ID, state, recordTime(t, r), r.Offset)
		if !ok {
			return nil
		}
		if err := csvwriter.Write(values); err != nil {
			return fmt.Errorf("csv failed to write row, err: %w", err)
		}
		rows++
		return nil
	})
	if err != nil {
		return rows, err
	}
	csvwriter.Flush()
	return rows, csvwriter.Error()
}
