package tripcomputer

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/vehicle"
	"math"
	"time"
)

// Config holds trip computer calibration values.
type Config struct {
	// BatteryCapacityKWh is usable battery capacity used for range calculation.
	BatteryCapacityKWh float64
	// DefaultConsumptionWhKm is used for range until enough consumption samples have been collected.
	DefaultConsumptionWhKm float64
	// MaxRangeKm caps calculated range. Degraded packs over report range so cap is kept below physical maximum.
	MaxRangeKm float64
	// IdleSpeedKmh is speed at or below which consumption samples are not taken.
	IdleSpeedKmh float64
	// MinSamples is number of consumption samples trip or lifetime mean needs to have to be used for range.
	MinSamples uint64
	// MinPlausibleWhKm is lowest consumption mean that is trusted for range calculation.
	MinPlausibleWhKm float64
	// MaxIntegrationStep limits time step for distance and energy integration so gaps in data (bus silence,
	// suspended process) are not integrated as driving.
	MaxIntegrationStep time.Duration

	Logger *zerolog.Logger
}

// DefaultConfig returns calibration for ThinkCity with 17kWh pack
func DefaultConfig() Config {
	return Config{
		BatteryCapacityKWh:     17.0,
		DefaultConsumptionWhKm: 150,
		MaxRangeKm:             100,
		IdleSpeedKmh:           2,
		MinSamples:             10,
		MinPlausibleWhKm:       10,
		MaxIntegrationStep:     5 * time.Second,
	}
}

// Validate checks that calibration values are usable
func (c Config) Validate() error {
	if c.BatteryCapacityKWh <= 0 {
		return fmt.Errorf("battery capacity must be positive")
	}
	if c.DefaultConsumptionWhKm <= 0 {
		return fmt.Errorf("default consumption must be positive")
	}
	if c.MaxRangeKm <= 0 {
		return fmt.Errorf("max range must be positive")
	}
	if c.IdleSpeedKmh < 0 {
		return fmt.Errorf("idle speed can not be negative")
	}
	return nil
}

// LifetimeStats is lifetime consumption aggregate that is persisted between runs.
type LifetimeStats struct {
	Count      uint64  `json:"count"`
	MeanWhKm   float64 `json:"mean_wh_km"`
	DistanceKm float64 `json:"distance_km"`
	EnergyKWh  float64 `json:"energy_kwh"`
}

// LifetimeSource provides last persisted lifetime aggregate. Implemented by store.Store.
type LifetimeSource interface {
	// LatestLifetimeStats returns last known aggregate. Second return value is false when nothing has been stored yet.
	LatestLifetimeStats(ctx context.Context) (LifetimeStats, bool, error)
}

// Stats is snapshot of trip computer accumulators
type Stats struct {
	Trip             RunningStatistic `json:"trip"`
	Lifetime         RunningStatistic `json:"lifetime"`
	TripDistanceKm   float64          `json:"trip_distance_km"`
	TripEnergyKWh    float64          `json:"trip_energy_kwh"`
	TotalDistanceKm  float64          `json:"total_distance_km"`
	TotalEnergyKWh   float64          `json:"total_energy_kwh"`
	ConsumptionWhKm  float64          `json:"consumption_wh_km"`
	TripStartedAt    time.Time        `json:"trip_started_at"`
	TripStartSOC     float64          `json:"trip_start_soc"`
	TripMaxSpeedKmh  float64          `json:"trip_max_speed_kmh"`
	TripMeanSpeedKmh float64          `json:"trip_mean_speed_kmh"`
}

// TripSummary describes ended trip
type TripSummary struct {
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
	Duration        time.Duration `json:"duration"`
	DistanceKm      float64       `json:"distance_km"`
	EnergyKWh       float64       `json:"energy_kwh"`
	ConsumptionWhKm float64       `json:"consumption_wh_km"`
	Samples         uint64        `json:"samples"`
	StartSOC        float64       `json:"start_soc"`
	EndSOC          float64       `json:"end_soc"`
	SOCUsed         float64       `json:"soc_used"`
	MaxSpeedKmh     float64       `json:"max_speed_kmh"`
	MeanSpeedKmh    float64       `json:"mean_speed_kmh"`
}

// Engine integrates distance and energy, keeps trip and lifetime consumption means and calculates range.
//
// Engine is not safe for concurrent use. It is meant to be called only from the polling loop that owns vehicle state.
type Engine struct {
	config Config
	logger zerolog.Logger

	trip     RunningStatistic
	lifetime RunningStatistic

	tripDistanceKm  float64
	tripEnergyKWh   float64
	totalDistanceKm float64
	totalEnergyKWh  float64

	tripStartedAt time.Time
	tripStartSOC  float64
	tripMaxSpeed  float64
	tripSpeed     RunningStatistic

	hasLast   bool
	lastTime  time.Time
	lastSpeed float64

	timeNow func() time.Time
}

// NewEngine creates trip computer. Lifetime accumulators are seeded from source. Failure to read source is logged
// and engine starts with zeroed lifetime accumulators.
func NewEngine(ctx context.Context, config Config, source LifetimeSource) *Engine {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	e := &Engine{
		config:  config,
		logger:  logger,
		timeNow: time.Now,
	}
	e.tripStartedAt = e.timeNow()

	if source == nil {
		return e
	}
	stats, ok, err := source.LatestLifetimeStats(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("could not load lifetime statistics, starting from zero")
		return e
	}
	if !ok {
		return e
	}
	e.seed(stats)
	return e
}

func (e *Engine) seed(s LifetimeStats) {
	if s.Count > 0 && (s.MeanWhKm <= 0 || math.IsNaN(s.MeanWhKm) || math.IsInf(s.MeanWhKm, 0)) {
		e.logger.Warn().Float64("mean_wh_km", s.MeanWhKm).Msg("ignoring invalid persisted lifetime consumption mean")
		s.Count = 0
		s.MeanWhKm = 0
	}
	e.lifetime = RunningStatistic{Count: s.Count, Mean: s.MeanWhKm}
	if s.DistanceKm > 0 {
		e.totalDistanceKm = s.DistanceKm
	}
	if s.EnergyKWh > 0 {
		e.totalEnergyKWh = s.EnergyKWh
	}
	e.logger.Info().
		Uint64("count", s.Count).
		Float64("mean_wh_km", s.MeanWhKm).
		Float64("distance_km", e.totalDistanceKm).
		Msg("lifetime statistics loaded")
}

// ApplyConfig replaces calibration values. Accumulators are kept.
func (e *Engine) ApplyConfig(c Config) {
	c.Logger = e.config.Logger
	e.config = c
}

// Update integrates distance and energy since last update, samples consumption and writes computed signals into
// state. Must be called once per polling cycle.
func (e *Engine) Update(state vehicle.State) vehicle.State {
	now := e.timeNow()
	speed := math.Max(0, state.FloatOr(thinkcan.SignalSpeed, 0))
	power := state.FloatOr(thinkcan.SignalPower, 0)

	if e.hasLast {
		step := now.Sub(e.lastTime)
		if e.config.MaxIntegrationStep > 0 && step > e.config.MaxIntegrationStep {
			step = e.config.MaxIntegrationStep
		}
		if dt := step.Hours(); dt > 0 {
			avgSpeed := (speed + e.lastSpeed) / 2
			if avgSpeed > 0 {
				distance := avgSpeed * dt
				e.tripDistanceKm += distance
				e.totalDistanceKm += distance

				// regenerative braking and charging (negative power) are not counted as consumption
				if power > 0 {
					energy := power * dt
					e.tripEnergyKWh += energy
					e.totalEnergyKWh += energy
				}
			}
		}
	}
	e.hasLast = true
	e.lastTime = now
	e.lastSpeed = speed

	consumptionNow := 0.0
	if speed > e.config.IdleSpeedKmh && power > 0 {
		consumptionNow = power * 1000 / speed
		e.trip.Add(consumptionNow)
		e.lifetime.Add(consumptionNow)
	}
	if speed > 0 {
		e.tripSpeed.Add(speed)
		e.tripMaxSpeed = math.Max(e.tripMaxSpeed, speed)
	}

	state.SetFloat(thinkcan.SignalConsumptionNow, consumptionNow)
	state.SetFloat(thinkcan.SignalConsumptionNowKWh100, consumptionNow/10)
	state.SetFloat(thinkcan.SignalConsumptionTrip, e.trip.Mean)
	state.SetFloat(thinkcan.SignalConsumptionTripKWh100, e.trip.Mean/10)
	state.SetFloat(thinkcan.SignalConsumptionTotal, e.lifetime.Mean)
	state.SetFloat(thinkcan.SignalConsumptionTotalKWh100, e.lifetime.Mean/10)
	state.SetFloat(thinkcan.SignalTripDistance, e.tripDistanceKm)
	state.SetFloat(thinkcan.SignalTripEnergy, e.tripEnergyKWh)
	state.SetFloat(thinkcan.SignalTotalDistance, e.totalDistanceKm)
	state.SetFloat(thinkcan.SignalTotalEnergy, e.totalEnergyKWh)
	state[thinkcan.SignalTotalCount] = thinkcan.Int(int64(e.lifetime.Count))

	if soc, ok := state.Float(thinkcan.SignalSOC); ok {
		state.SetFloat(thinkcan.SignalRange, e.Range(soc))
	}
	return state
}

// ConsumptionEstimate returns consumption (Wh/km) used for range calculation. Trip mean is preferred, then lifetime
// mean and finally configured default when neither has enough samples or mean is implausibly low.
func (e *Engine) ConsumptionEstimate() float64 {
	c := e.config.DefaultConsumptionWhKm
	switch {
	case e.trip.Count >= e.config.MinSamples && e.trip.Count > 0:
		c = e.trip.Mean
	case e.lifetime.Count >= e.config.MinSamples && e.lifetime.Count > 0:
		c = e.lifetime.Mean
	}
	if c < e.config.MinPlausibleWhKm || c <= 0 {
		c = e.config.DefaultConsumptionWhKm
	}
	return c
}

// Range returns estimated remaining range in kilometers for given state of charge (percent). Result is clamped to
// 0..MaxRangeKm.
func (e *Engine) Range(soc float64) float64 {
	energyWh := soc / 100 * e.config.BatteryCapacityKWh * 1000
	km := energyWh / e.ConsumptionEstimate()
	return math.Max(0, math.Min(e.config.MaxRangeKm, km))
}

// ResetTrip zeroes trip accumulators. Lifetime accumulators are kept.
func (e *Engine) ResetTrip() {
	e.trip.Reset()
	e.tripDistanceKm = 0
	e.tripEnergyKWh = 0
	e.tripMaxSpeed = 0
	e.tripSpeed.Reset()
	e.tripStartedAt = e.timeNow()
	e.tripStartSOC = 0
}

// ResetLifetime zeroes lifetime accumulators. Used after battery replacement.
func (e *Engine) ResetLifetime() {
	e.lifetime.Reset()
	e.totalDistanceKm = 0
	e.totalEnergyKWh = 0
	e.logger.Info().Msg("lifetime statistics reset")
}

// StartTrip resets trip accumulators and remembers state of charge at trip start.
func (e *Engine) StartTrip(soc float64) {
	e.ResetTrip()
	e.tripStartSOC = soc
}

// EndTrip returns summary of current trip.
func (e *Engine) EndTrip(soc float64) TripSummary {
	now := e.timeNow()
	s := TripSummary{
		StartedAt:       e.tripStartedAt,
		EndedAt:         now,
		Duration:        now.Sub(e.tripStartedAt),
		DistanceKm:      e.tripDistanceKm,
		EnergyKWh:       e.tripEnergyKWh,
		ConsumptionWhKm: e.trip.Mean,
		Samples:         e.trip.Count,
		StartSOC:        e.tripStartSOC,
		EndSOC:          soc,
		MaxSpeedKmh:     e.tripMaxSpeed,
		MeanSpeedKmh:    e.tripSpeed.Mean,
	}
	if e.tripStartSOC > 0 {
		s.SOCUsed = e.tripStartSOC - soc
	}
	return s
}

// Lifetime returns lifetime aggregate for persisting
func (e *Engine) Lifetime() LifetimeStats {
	return LifetimeStats{
		Count:      e.lifetime.Count,
		MeanWhKm:   e.lifetime.Mean,
		DistanceKm: e.totalDistanceKm,
		EnergyKWh:  e.totalEnergyKWh,
	}
}

// Stats returns snapshot of accumulators
func (e *Engine) Stats() Stats {
	return Stats{
		Trip:             e.trip,
		Lifetime:         e.lifetime,
		TripDistanceKm:   e.tripDistanceKm,
		TripEnergyKWh:    e.tripEnergyKWh,
		TotalDistanceKm:  e.totalDistanceKm,
		TotalEnergyKWh:   e.totalEnergyKWh,
		ConsumptionWhKm:  e.ConsumptionEstimate(),
		TripStartedAt:    e.tripStartedAt,
		TripStartSOC:     e.tripStartSOC,
		TripMaxSpeedKmh:  e.tripMaxSpeed,
		TripMeanSpeedKmh: e.tripSpeed.Mean,
	}
}
