package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/spf13/cobra"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/capture"
	"github.com/tcdash/thinkcan/decoder"
	"github.com/tcdash/thinkcan/internal/config"
	"github.com/tcdash/thinkcan/monitor"
	"github.com/tcdash/thinkcan/replay"
	"github.com/tcdash/thinkcan/soh"
	"github.com/tcdash/thinkcan/store"
	"github.com/tcdash/thinkcan/tripcomputer"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type monitorOptions struct {
	simulate      string
	loop          bool
	speed         float64
	record        bool
	printInterval time.Duration
	readOnly      bool
}

func newMonitorCommand(a *app) *cobra.Command {
	opts := monitorOptions{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Decode live bus data, run trip computer and print vehicle state",
		Long: strings.TrimSpace(`
Reads frames from SocketCAN interface, slcan serial adapter or from trace file (--simulate), decodes them into
vehicle state and prints JSON snapshots. Samples are persisted to sqlite database when --db is not empty.

Commands can be written to STDIN:
  !reset-trip        resets trip consumption and distance
  !reset-lifetime    resets lifetime consumption aggregate
  !reset-soh <pct>   sets smoothed state of health to given value`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.simulate, "simulate", "", "trace file (.trc or candump .log) to use instead of real bus")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "loop simulated trace")
	cmd.Flags().Float64Var(&opts.speed, "speed", 1, "simulated trace playback speed multiplier")
	cmd.Flags().BoolVar(&opts.record, "record", false, "record received frames into trace directory")
	cmd.Flags().DurationVar(&opts.printInterval, "print-interval", time.Second, "interval between printed snapshots. 0 disables printing")
	cmd.Flags().BoolVar(&opts.readOnly, "read-only", false, "do not read commands from STDIN")
	return cmd
}

func runMonitor(ctx context.Context, a *app, opts monitorOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bus thinkcan.FrameReader
	if opts.simulate != "" {
		sim, err := a.startSimulation(ctx, opts, cancel)
		if err != nil {
			return err
		}
		defer sim.Close()
		bus = sim.port
	} else {
		b, err := a.openBus()
		if err != nil {
			return err
		}
		defer b.Close()
		bus = b
	}

	// interfaces are kept nil when store is disabled so typed nil pointer never reaches monitor or engines
	var lifetimeSource tripcomputer.LifetimeSource
	var sohSource soh.Source
	var sink monitor.SampleSink
	if a.cfg.DBPath != "" {
		st, err := store.Open(ctx, store.Config{
			Path:            a.cfg.DBPath,
			TripIdleTimeout: a.cfg.TripIdleTimeout,
			Logger:          a.componentLogger("store"),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := st.Close(); err != nil {
				a.logger.Error().Err(err).Msg("failed to close store")
			}
		}()
		lifetimeSource, sohSource, sink = st, st, st
	}

	var recorder monitor.FrameRecorder
	if opts.record {
		rec := capture.NewRecorder(capture.Config{
			Dir:          a.cfg.TraceDir,
			MinFreeBytes: a.cfg.MinFreeBytes(),
			Logger:       a.componentLogger("capture"),
		})
		path, err := rec.Start("")
		if err != nil {
			return err
		}
		a.logger.Info().Str("path", path).Msg("recording started")
		defer func() {
			summary, err := rec.Stop()
			if err != nil {
				a.logger.Error().Err(err).Msg("recording stopped with error")
			}
			a.printJSON(summary)
		}()
		recorder = rec
	}

	dec := decoder.NewDecoderWithConfig(decoder.Config{Logger: a.componentLogger("decoder")})
	trip := tripcomputer.NewEngine(ctx, a.cfg.TripConfig(), lifetimeSource)
	tracker := soh.NewTracker(ctx, soh.Config{Alpha: a.cfg.SOHAlpha, Logger: a.componentLogger("soh")}, sohSource)

	m := monitor.New(bus, dec, trip, tracker, monitor.Config{
		PollInterval: a.cfg.PollInterval,
		LogInterval:  a.cfg.LogInterval,
		Recorder:     recorder,
		Sink:         sink,
		OnUpdate:     newSnapshotPrinter(a, opts.printInterval),
		Logger:       a.componentLogger("monitor"),
	})

	if a.cfgPath != "" {
		if err := a.watchConfig(ctx, m); err != nil {
			a.logger.Warn().Err(err).Msg("config file changes will not be applied")
		}
	}
	if !opts.readOnly {
		go handleSTDIO(ctx, a.in, m, a.out)
	}

	a.logger.Info().Msg("monitor started")
	err := m.Run(ctx)
	if err != nil && !errors.Is(err, thinkcan.ErrBusClosed) {
		return fmt.Errorf("monitor stopped: %w", err)
	}
	a.logger.Info().Msg("monitor stopped")
	return nil
}

// newSnapshotPrinter returns OnUpdate callback that prints snapshot at most once per interval.
// Callback is called only from monitor polling loop.
func newSnapshotPrinter(a *app, interval time.Duration) func(monitor.Snapshot) {
	if interval <= 0 {
		return nil
	}
	var last time.Time
	return func(s monitor.Snapshot) {
		if s.Time.Sub(last) < interval {
			return
		}
		last = s.Time
		a.printJSON(s)
	}
}

var printMu sync.Mutex

func (a *app) printJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to marshal output")
		return
	}
	printMu.Lock()
	defer printMu.Unlock()
	fmt.Fprintf(a.out, "%s\n", b)
}

// watchConfig applies calibration values from config file to running monitor when file changes
func (a *app) watchConfig(ctx context.Context, m *monitor.Monitor) error {
	updates, err := config.Watch(ctx, config.WatchConfig{
		Path:    a.cfgPath,
		Base:    a.base,
		Changed: a.changed,
		Logger:  a.componentLogger("config"),
	})
	if err != nil {
		return err
	}
	go func() {
		for cfg := range updates {
			if err := m.ApplyCalibration(ctx, cfg.Calibration()); err != nil {
				a.logger.Error().Err(err).Msg("failed to apply reloaded calibration")
			}
		}
	}()
	return nil
}

type simulation struct {
	bus    *thinkcan.Loopback
	port   *thinkcan.LoopbackPort
	player *replay.Player
}

func (s *simulation) Close() error {
	if _, err := s.player.Stop(); err != nil {
		return err
	}
	s.player.Disconnect()
	return s.bus.Close()
}

// startSimulation plays trace file into in-memory bus. Context is cancelled when playback finishes without looping.
func (a *app) startSimulation(ctx context.Context, opts monitorOptions, cancel context.CancelFunc) (*simulation, error) {
	bus := thinkcan.NewLoopback(4096)
	port := bus.Open()

	player := replay.NewPlayer(replay.Config{Speed: opts.speed, Logger: a.componentLogger("replay")})
	if err := player.Load(opts.simulate); err != nil {
		bus.Close()
		return nil, err
	}
	if err := player.Connect(bus.Open()); err != nil {
		bus.Close()
		return nil, err
	}
	if err := player.Start(opts.loop); err != nil {
		bus.Close()
		return nil, err
	}
	a.logger.Info().Str("trace", opts.simulate).Int("frames", player.Status().Total).Msg("simulation started")

	if !opts.loop {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-player.Done():
			}
			// give monitor time to drain frames that are still in port buffer
			select {
			case <-ctx.Done():
			case <-time.After(2 * a.cfg.PollInterval):
				a.logger.Info().Int("sent", player.Status().Sent).Msg("simulation finished")
				cancel()
			}
		}()
	}
	return &simulation{bus: bus, port: port, player: player}, nil
}

// commander is implemented by monitor.Monitor
type commander interface {
	ResetTrip(ctx context.Context) error
	ResetLifetime(ctx context.Context) error
	ResetSOH(ctx context.Context, value float64) error
}

type stdinCommand struct {
	name  string
	value float64
}

func parseCommand(line string) (stdinCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return stdinCommand{}, errors.New("# Error empty command")
	}
	cmd := stdinCommand{name: fields[0]}
	switch cmd.name {
	case "!reset-trip", "!reset-lifetime":
		if len(fields) != 1 {
			return stdinCommand{}, fmt.Errorf("# Error %v does not take arguments", cmd.name)
		}
	case "!reset-soh":
		if len(fields) != 2 {
			return stdinCommand{}, errors.New("# Error usage: !reset-soh <pct>")
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return stdinCommand{}, fmt.Errorf("# Error parsing soh value, err: %w", err)
		}
		cmd.value = v
	default:
		return stdinCommand{}, fmt.Errorf("# Error unknown command: %v", cmd.name)
	}
	return cmd, nil
}

func handleSTDIO(ctx context.Context, in io.Reader, m commander, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}

		switch cmd.name {
		case "!reset-trip":
			err = m.ResetTrip(ctx)
		case "!reset-lifetime":
			err = m.ResetLifetime(ctx)
		case "!reset-soh":
			err = m.ResetSOH(ctx, cmd.value)
		}
		if err != nil {
			fmt.Fprintf(out, "# Error at %v: %v\n", cmd.name, err)
			if errors.Is(err, monitor.ErrNotRunning) || ctx.Err() != nil {
				return
			}
			continue
		}
		fmt.Fprintf(out, "# %v done\n", cmd.name)
	}
}
