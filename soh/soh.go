package soh

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/vehicle"
	"sync"
)

var (
	// ErrInvalidSOH is returned when state of health value is outside of vehicle.SOHMin..vehicle.SOHMax range
	ErrInvalidSOH = errors.New("invalid state of health value")
	// ErrInvalidAlpha is returned when smoothing factor is not in (0, 1] range
	ErrInvalidAlpha = errors.New("invalid smoothing factor")
)

const (
	// DefaultAlpha is smoothing factor for exponential moving average. Small value makes single noisy estimate
	// irrelevant, degradation shows up over thousands of samples.
	DefaultAlpha = 0.001
	// DefaultInitialPct is used when there is no persisted value to start from
	DefaultInitialPct = 85.0
)

// Source provides last persisted state of health. Implemented by store.Store.
type Source interface {
	// LatestSOH returns last stored value. Second return value is false when nothing has been stored yet.
	LatestSOH(ctx context.Context) (float64, bool, error)
}

// Config is configuration for Tracker
type Config struct {
	Alpha      float64
	InitialPct float64
	Logger     *zerolog.Logger
}

// Stats is snapshot of tracker state
type Stats struct {
	SOH     float64 `json:"soh_pct"`
	Updates uint64  `json:"updates"`
}

// Tracker smooths instantaneous state of health estimates into slow moving value.
type Tracker struct {
	mu      sync.Mutex
	alpha   float64
	soh     float64
	updates uint64
	logger  zerolog.Logger
}

// NewTracker creates tracker seeded from source. Source value is used only when it is within valid range.
func NewTracker(ctx context.Context, config Config, source Source) *Tracker {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	alpha := config.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	initial := config.InitialPct
	if !valid(initial) {
		initial = DefaultInitialPct
	}
	t := &Tracker{
		alpha:  alpha,
		soh:    initial,
		logger: logger,
	}
	if source == nil {
		return t
	}

	v, ok, err := source.LatestSOH(ctx)
	switch {
	case err != nil:
		t.logger.Warn().Err(err).Float64("soh_pct", initial).Msg("could not load state of health, using initial value")
	case ok && valid(v):
		t.soh = v
	case ok:
		t.logger.Warn().Float64("stored", v).Msg("ignoring stored state of health outside of valid range")
	}
	return t
}

func valid(v float64) bool {
	return v >= vehicle.SOHMin && v <= vehicle.SOHMax
}

// Update folds instantaneous estimate from state into smoothed value and writes it back to state as soh_pct.
// Estimates outside of valid range are ignored.
func (t *Tracker) Update(state vehicle.State) vehicle.State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if instant, ok := state.Float(thinkcan.SignalSOHInstant); ok && valid(instant) {
		t.soh = t.soh*(1-t.alpha) + instant*t.alpha
		t.soh = clamp(t.soh)
		t.updates++
	}
	state.SetFloat(thinkcan.SignalSOH, t.soh)
	return state
}

// Reset sets smoothed value to given value. Used for manual calibration after battery service.
func (t *Tracker) Reset(value float64) error {
	if !valid(value) {
		t.logger.Warn().Float64("value", value).Msg("state of health reset rejected")
		return fmt.Errorf("%w: %v", ErrInvalidSOH, value)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.soh = value
	t.updates = 0
	t.logger.Info().Float64("soh_pct", value).Msg("state of health reset")
	return nil
}

// SetAlpha changes smoothing factor. Current smoothed value is kept.
func (t *Tracker) SetAlpha(alpha float64) error {
	if alpha <= 0 || alpha > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidAlpha, alpha)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alpha = alpha
	return nil
}

// Value returns current smoothed state of health
func (t *Tracker) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.soh
}

// Stats returns snapshot of tracker state
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{SOH: t.soh, Updates: t.updates}
}

func clamp(v float64) float64 {
	if v < vehicle.SOHMin {
		return vehicle.SOHMin
	}
	if v > vehicle.SOHMax {
		return vehicle.SOHMax
	}
	return v
}
