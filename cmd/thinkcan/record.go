package main

import (
	"context"
	"errors"
	"github.com/spf13/cobra"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/capture"
	"time"
)

func newRecordCommand(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record bus traffic into trace file until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), a, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "trace file name. Defaults to ThinkCity_<timestamp>.trc")
	return cmd
}

func runRecord(ctx context.Context, a *app, name string) error {
	bus, err := a.openBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	rec := capture.NewRecorder(capture.Config{
		Dir:          a.cfg.TraceDir,
		MinFreeBytes: a.cfg.MinFreeBytes(),
		Logger:       a.componentLogger("capture"),
	})
	path, err := rec.Start(name)
	if err != nil {
		return err
	}
	a.logger.Info().Str("path", path).Msg("recording started, press Ctrl+C to stop")

	readErr := recordFrames(ctx, bus, rec)

	summary, stopErr := rec.Stop()
	a.printJSON(summary)
	if readErr != nil {
		return readErr
	}
	return stopErr
}

// recordFrames reads bus until context is cancelled or recorder stops on its own (disk full)
// pollReceiveTimeout bounds single read so recorder state is checked even on silent bus
const pollReceiveTimeout = 100 * time.Millisecond

func recordFrames(ctx context.Context, bus thinkcan.FrameReader, rec *capture.Recorder) error {
	for {
		frame, ok, err := thinkcan.Receive(ctx, bus, pollReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, thinkcan.ErrBusClosed) {
				return nil
			}
			return err
		}
		if !ok {
			if rec.State() == capture.StateStopped {
				return nil
			}
			continue
		}
		if !rec.Record(frame) && rec.State() == capture.StateStopped {
			return nil
		}
	}
}
