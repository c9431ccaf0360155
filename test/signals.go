package test_test

import (
	"github.com/stretchr/testify/assert"
	"github.com/tcdash/thinkcan"
	"testing"
)

// AssertSignals compares signal sets. Float values are compared with given delta, other kinds must be equal.
func AssertSignals(t *testing.T, expect thinkcan.SignalSet, actual thinkcan.SignalSet, delta float64) {
	assert.Len(t, actual, len(expect))

	for id, actualValue := range actual {
		expectedValue, ok := expect[id]
		if !ok {
			t.Errorf("actual signals contain signal `%v` that is not in expected signals", id)
			continue
		}
		AssertValue(t, id, expectedValue, actualValue, delta)
	}
}

// AssertValue compares single signal value
func AssertValue(t *testing.T, id thinkcan.SignalID, expect thinkcan.Value, actual thinkcan.Value, delta float64) {
	if !assert.Equal(t, expect.Kind(), actual.Kind(), "signal `%v` kind differs", id) {
		return
	}
	if actual.Kind() == thinkcan.KindFloat {
		e, _ := expect.AsFloat64()
		a, _ := actual.AsFloat64()
		assert.InDelta(t, e, a, delta, "signal `%v` value differs", id)
		return
	}
	assert.Equal(t, expect, actual, "signal `%v` value differs", id)
}

// Frame creates frame from arbitration ID and payload
func Frame(id uint32, payload ...byte) thinkcan.Frame {
	return thinkcan.NewFrame(id, payload)
}
