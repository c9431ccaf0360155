// Package monitor runs live pipeline: reads frames from bus, decodes and merges them into vehicle state, runs trip
// computer and state of health tracker and periodically persists samples.
package monitor

import (
	"context"
	"errors"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/decoder"
	"github.com/tcdash/thinkcan/soh"
	"github.com/tcdash/thinkcan/store"
	"github.com/tcdash/thinkcan/tripcomputer"
	"github.com/tcdash/thinkcan/vehicle"
	"time"
)

const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultReceiveTimeout   = 10 * time.Millisecond
	DefaultMaxFramesPerPoll = 100
	DefaultLogInterval      = time.Second
	// DefaultMinSignalsForSample is number of signals state must hold before samples are persisted
	DefaultMinSignalsForSample = 5
)

// ErrNotRunning is returned by commands when monitor loop has exited
var ErrNotRunning = errors.New("monitor is not running")

// FrameRecorder receives every frame read from bus before it is decoded. Implemented by capture.Recorder.
type FrameRecorder interface {
	Record(frame thinkcan.Frame) bool
}

// SampleSink persists periodic samples. Implemented by store.Store.
type SampleSink interface {
	AddSample(ctx context.Context, sample store.Sample) error
}

// Calibration holds values that can be changed while monitor is running
type Calibration struct {
	Trip     tripcomputer.Config
	SOHAlpha float64
}

// Config is configuration for Monitor
type Config struct {
	PollInterval        time.Duration
	ReceiveTimeout      time.Duration
	MaxFramesPerPoll    int
	LogInterval         time.Duration
	MinSignalsForSample int

	// Recorder is optional frame recorder
	Recorder FrameRecorder
	// Sink is optional sample sink
	Sink SampleSink
	// OnUpdate is called from polling loop once per cycle with snapshot of current state
	OnUpdate func(Snapshot)

	Logger *zerolog.Logger
}

// Snapshot is state published after each polling cycle
type Snapshot struct {
	Time       time.Time          `json:"time"`
	State      vehicle.State      `json:"state"`
	Trip       tripcomputer.Stats `json:"trip"`
	SOH        soh.Stats          `json:"soh"`
	Decoder    decoder.Stats      `json:"decoder"`
	Frames     uint64             `json:"frames"`
	ChemistryB bool               `json:"chemistry_b"`
}

type command struct {
	name  string
	apply func() error
	reply chan error
}

// Monitor owns vehicle state. All state changes (frames, statistics, resets, calibration) happen inside Run loop.
type Monitor struct {
	config Config
	logger zerolog.Logger

	bus     thinkcan.FrameReader
	decoder *decoder.Decoder
	merger  *vehicle.Merger
	trip    *tripcomputer.Engine
	soh     *soh.Tracker

	state    vehicle.State
	frames   uint64
	decoded  uint64
	commands chan command
	done     chan struct{}

	timeNow func() time.Time
}

// New creates new monitor
func New(bus thinkcan.FrameReader, dec *decoder.Decoder, trip *tripcomputer.Engine, tracker *soh.Tracker, config Config) *Monitor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ReceiveTimeout <= 0 {
		config.ReceiveTimeout = DefaultReceiveTimeout
	}
	if config.MaxFramesPerPoll <= 0 {
		config.MaxFramesPerPoll = DefaultMaxFramesPerPoll
	}
	if config.LogInterval <= 0 {
		config.LogInterval = DefaultLogInterval
	}
	if config.MinSignalsForSample <= 0 {
		config.MinSignalsForSample = DefaultMinSignalsForSample
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Monitor{
		config:   config,
		logger:   logger,
		bus:      bus,
		decoder:  dec,
		merger:   vehicle.NewMerger(dec, logger),
		trip:     trip,
		soh:      tracker,
		state:    vehicle.NewState(),
		commands: make(chan command),
		done:     make(chan struct{}),
		timeNow:  time.Now,
	}
}

// Run runs polling loop until context is cancelled or bus fails. Context cancellation is not returned as error.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	lastSample := m.timeNow()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-m.commands:
			err := cmd.apply()
			if err != nil {
				m.logger.Warn().Err(err).Str("command", cmd.name).Msg("command failed")
			} else {
				m.logger.Info().Str("command", cmd.name).Msg("command applied")
			}
			cmd.reply <- err
			continue
		case <-ticker.C:
		}

		if err := m.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.update()

		if now := m.timeNow(); now.Sub(lastSample) >= m.config.LogInterval {
			lastSample = now
			m.sample(ctx, now)
		}
	}
}

// poll drains up to MaxFramesPerPoll frames from bus
func (m *Monitor) poll(ctx context.Context) error {
	for i := 0; i < m.config.MaxFramesPerPoll; i++ {
		frame, ok, err := thinkcan.Receive(ctx, m.bus, m.config.ReceiveTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		m.frames++
		if m.config.Recorder != nil {
			m.config.Recorder.Record(frame)
		}
		if signals, ok := m.decoder.DecodeFrame(frame); ok {
			m.state = m.merger.Merge(m.state, signals)
			m.decoded++
		}
	}
	return nil
}

func (m *Monitor) update() {
	m.state = m.trip.Update(m.state)
	m.state = m.soh.Update(m.state)

	if m.config.OnUpdate != nil {
		m.config.OnUpdate(m.snapshot())
	}
}

func (m *Monitor) snapshot() Snapshot {
	return Snapshot{
		Time:       m.timeNow(),
		State:      m.state.Clone(),
		Trip:       m.trip.Stats(),
		SOH:        m.soh.Stats(),
		Decoder:    m.decoder.Stats(),
		Frames:     m.frames,
		ChemistryB: m.decoder.ChemistryB(),
	}
}

func (m *Monitor) sample(ctx context.Context, now time.Time) {
	// derived signals are always present, sample only once bus has provided data
	if m.config.Sink == nil || m.decoded == 0 || len(m.state) < m.config.MinSignalsForSample {
		return
	}
	if err := m.config.Sink.AddSample(ctx, SampleFromState(m.state, now)); err != nil {
		m.logger.Error().Err(err).Msg("failed to store sample")
	}
}

// SampleFromState builds persisted sample from vehicle state. Missing signals are stored as zero.
func SampleFromState(state vehicle.State, now time.Time) store.Sample {
	count := int64(0)
	if v, ok := state[thinkcan.SignalTotalCount]; ok {
		count, _ = v.AsInt64()
	}
	if count < 0 {
		count = 0
	}
	return store.Sample{
		Time:                 now,
		SpeedKmh:             state.FloatOr(thinkcan.SignalSpeed, 0),
		SOCPct:               state.FloatOr(thinkcan.SignalSOC, 0),
		SOHPct:               state.FloatOr(thinkcan.SignalSOH, 0),
		VoltageV:             state.FloatOr(thinkcan.SignalVoltage, 0),
		CurrentA:             state.FloatOr(thinkcan.SignalCurrent, 0),
		PowerKW:              state.FloatOr(thinkcan.SignalPower, 0),
		PackTempC:            state.FloatOr(thinkcan.SignalPackTemp, 0),
		AmbientTempC:         state.FloatOr(thinkcan.SignalPCUAmbientTemp, 0),
		ConsumptionWhKm:      state.FloatOr(thinkcan.SignalConsumptionTrip, 0),
		ConsumptionTotalWhKm: state.FloatOr(thinkcan.SignalConsumptionTotal, 0),
		TotalDistanceKm:      state.FloatOr(thinkcan.SignalTotalDistance, 0),
		TotalEnergyKWh:       state.FloatOr(thinkcan.SignalTotalEnergy, 0),
		TotalCount:           uint64(count),
		RangeKm:              state.FloatOr(thinkcan.SignalRange, 0),
	}
}

// do sends command to polling loop and waits until it has been applied
func (m *Monitor) do(ctx context.Context, name string, apply func() error) error {
	cmd := command{name: name, apply: apply, reply: make(chan error, 1)}
	select {
	case m.commands <- cmd:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetTrip resets trip accumulators
func (m *Monitor) ResetTrip(ctx context.Context) error {
	return m.do(ctx, "reset-trip", func() error {
		m.trip.ResetTrip()
		return nil
	})
}

// ResetLifetime resets lifetime consumption aggregate
func (m *Monitor) ResetLifetime(ctx context.Context) error {
	return m.do(ctx, "reset-lifetime", func() error {
		m.trip.ResetLifetime()
		return nil
	})
}

// ResetSOH sets smoothed state of health to given value
func (m *Monitor) ResetSOH(ctx context.Context, value float64) error {
	return m.do(ctx, "reset-soh", func() error {
		if err := m.soh.Reset(value); err != nil {
			return err
		}
		m.state.SetFloat(thinkcan.SignalSOH, value)
		return nil
	})
}

// ApplyCalibration applies new trip computer and state of health calibration
func (m *Monitor) ApplyCalibration(ctx context.Context, cal Calibration) error {
	return m.do(ctx, "apply-calibration", func() error {
		if err := cal.Trip.Validate(); err != nil {
			return err
		}
		if err := m.soh.SetAlpha(cal.SOHAlpha); err != nil {
			return err
		}
		m.trip.ApplyConfig(cal.Trip)
		return nil
	})
}

// Done is closed when polling loop exits
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}
