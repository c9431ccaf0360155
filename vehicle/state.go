package vehicle

import (
	"github.com/tcdash/thinkcan"
)

// State is cumulative vehicle state. Every signal holds the latest value seen for it. State is owned by single
// goroutine (the polling loop) and is not safe for concurrent use, use Clone to hand it over to other goroutines.
type State map[thinkcan.SignalID]thinkcan.Value

// NewState creates empty state
func NewState() State {
	return State{}
}

// Float returns signal value as float64. Second return value is false when signal is missing or not numeric.
func (s State) Float(id thinkcan.SignalID) (float64, bool) {
	v, ok := s[id]
	if !ok {
		return 0, false
	}
	return v.AsFloat64()
}

// FloatOr returns signal value as float64 or given default when signal is missing.
func (s State) FloatOr(id thinkcan.SignalID, def float64) float64 {
	if f, ok := s.Float(id); ok {
		return f
	}
	return def
}

// Has reports if state contains given signal
func (s State) Has(id thinkcan.SignalID) bool {
	_, ok := s[id]
	return ok
}

// SetFloat sets float signal value
func (s State) SetFloat(id thinkcan.SignalID, v float64) {
	s[id] = thinkcan.Float(v)
}

// Clone returns copy of the state
func (s State) Clone() State {
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}
