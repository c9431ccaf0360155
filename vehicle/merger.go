package vehicle

import (
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"math"
)

const (
	// SOHMin is lowest state of health the estimators report
	SOHMin = 70.0
	// SOHMax is highest state of health the estimators report
	SOHMax = 100.0

	// spreadHealthyMV is cell voltage spread (max-min) below which pack is considered fully healthy
	spreadHealthyMV = 50.0
	// spreadWornMV is cell voltage spread above which pack is considered worn to SOHMin
	spreadWornMV = 150.0

	// packCellCount is number of cells in ThinkCity battery pack used by failed cells heuristic
	packCellCount = 96.0
)

// ChemistrySource tells if EnerDel (chemistry-B) battery pack has been detected. Implemented by decoder.Decoder.
type ChemistrySource interface {
	ChemistryB() bool
}

// Merger folds decoded signals into cumulative vehicle state and computes signals that depend on previously seen
// frames. Merger must be used from single goroutine.
type Merger struct {
	chemistry ChemistrySource
	logger    zerolog.Logger

	rejected uint64
}

// NewMerger creates new state merger. Logger receives signals rejected by catalog validation.
func NewMerger(chemistry ChemistrySource, logger zerolog.Logger) *Merger {
	return &Merger{
		chemistry: chemistry,
		logger:    logger,
	}
}

// Rejected returns number of signals that were rejected because they were not part of the catalog or had wrong kind.
func (m *Merger) Rejected() uint64 {
	return m.rejected
}

// Merge overlays signals onto state and recomputes derived signals (SOC, power and instantaneous SOH). Signals not
// known to the signal catalog are rejected and logged. State is modified in place and returned.
func (m *Merger) Merge(state State, signals thinkcan.SignalSet) State {
	if state == nil {
		state = NewState()
	}
	for id, v := range signals {
		if err := thinkcan.ValidateSignal(id, v); err != nil {
			m.rejected++
			m.logger.Warn().Err(err).Msg("signal rejected")
			continue
		}
		state[id] = v
	}

	chemistryB := m.chemistry != nil && m.chemistry.ChemistryB()

	if soc, ok := stateOfCharge(state, chemistryB); ok {
		state.SetFloat(thinkcan.SignalSOC, soc)
	}

	if !signals.Has(thinkcan.SignalPower) {
		v, okV := state.Float(thinkcan.SignalVoltage)
		i, okI := state.Float(thinkcan.SignalCurrent)
		if okV && okI {
			state.SetFloat(thinkcan.SignalPower, v*i/1000)
		}
	}

	if soh, ok := instantSOH(state, chemistryB); ok {
		state.SetFloat(thinkcan.SignalSOHInstant, soh)
	}
	return state
}

func stateOfCharge(state State, chemistryB bool) (float64, bool) {
	if chemistryB {
		if soc, ok := state.Float(thinkcan.SignalEPackSOC); ok {
			return clamp(soc, 0, 100), true
		}
	}
	if dod, ok := state.Float(thinkcan.SignalDoD); ok {
		return clamp(100-dod, 0, 100), true
	}
	return 0, false
}

func instantSOH(state State, chemistryB bool) (float64, bool) {
	if chemistryB {
		if spread, ok := state.Float(thinkcan.SignalEPackDeltaCell); ok {
			return SOHFromCellSpread(spread), true
		}
	}
	if failed, ok := state.Float(thinkcan.SignalFailedCells); ok && failed > 0 {
		return SOHFromFailedCells(failed), true
	}
	return 0, false
}

// SOHFromCellSpread estimates state of health from cell voltage spread (in volts). Spread below 50mV is 100%,
// above 150mV is 70% and values in between are interpolated linearly.
func SOHFromCellSpread(spreadV float64) float64 {
	mv := spreadV * 1000
	switch {
	case mv <= spreadHealthyMV:
		return SOHMax
	case mv >= spreadWornMV:
		return SOHMin
	}
	return SOHMax - (mv-spreadHealthyMV)*(SOHMax-SOHMin)/(spreadWornMV-spreadHealthyMV)
}

// SOHFromFailedCells estimates state of health from number of failed cells reported by Zebra battery management.
func SOHFromFailedCells(failed float64) float64 {
	return math.Max(SOHMin, SOHMax-failed/packCellCount*(SOHMax-SOHMin))
}

func clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}
