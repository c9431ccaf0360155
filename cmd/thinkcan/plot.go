package main

import (
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/trace"
	"github.com/tcdash/thinkcan/vehicle"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"path/filepath"
)

func newPlotCommand(a *app) *cobra.Command {
	var signal string
	var out string
	cmd := &cobra.Command{
		Use:   "plot <file>",
		Short: "Plot decoded signal over trace time into image file (png, svg, pdf)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := trace.LoadFile(args[0], trace.ParseConfig{Logger: a.componentLogger("trace")})
			if err != nil {
				return err
			}
			pts, err := signalPoints(t, thinkcan.SignalID(signal), *a.componentLogger("decoder"))
			if err != nil {
				return err
			}
			if out == "" {
				out = signal + ".png"
			}
			if err := savePlot(out, filepath.Base(args[0]), thinkcan.SignalID(signal), pts); err != nil {
				return err
			}
			a.logger.Info().Str("out", out).Int("points", len(pts)).Msg("plot saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&signal, "signal", string(thinkcan.SignalVoltage), "signal to plot")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output image file. Format is chosen by extension. Defaults to <signal>.png")
	return cmd
}

// signalPoints returns signal value (Y) over trace offset in seconds (X) for every frame that updated the signal
func signalPoints(t *trace.Trace, id thinkcan.SignalID, logger zerolog.Logger) (plotter.XYs, error) {
	def, ok := thinkcan.LookupSignal(id)
	if !ok {
		return nil, fmt.Errorf("unknown signal: %v", id)
	}
	if def.FrameID == 0 && !mergedSignals[id] {
		return nil, fmt.Errorf("signal %v is computed by trip computer and is not available in traces", id)
	}
	if def.Kind == thinkcan.KindString || def.Kind == thinkcan.KindRaw {
		return nil, fmt.Errorf("signal %v is not numeric", id)
	}

	pts := make(plotter.XYs, 0, 1024)
	err := decodeTrace(t, logger, func(r trace.Record, state vehicle.State) error {
		if def.FrameID != 0 && r.Frame.ID != def.FrameID {
			return nil
		}
		v, ok := state[id]
		if !ok {
			return nil
		}
		y, ok := v.AsFloat64()
		if !ok {
			return nil
		}
		pts = append(pts, plotter.XY{X: r.Offset / 1000, Y: y})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("trace does not contain signal: %v", id)
	}
	return pts, nil
}

func savePlot(path string, title string, id thinkcan.SignalID, pts plotter.XYs) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %s", title, id)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = string(id)
	if def, ok := thinkcan.LookupSignal(id); ok && def.Unit != "" {
		p.Y.Label.Text = fmt.Sprintf("%s (%s)", id, def.Unit)
	}
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("plot line creation failure: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("plot save failure: %w", err)
	}
	return nil
}
