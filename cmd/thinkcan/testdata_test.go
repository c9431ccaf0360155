package main

import (
	"github.com/tcdash/thinkcan"
	test_test "github.com/tcdash/thinkcan/test"
	"github.com/tcdash/thinkcan/trace"
)

var (
	bmi1Frame    = test_test.Frame(0x301, 0x00, 0x64, 0x0C, 0x5A, 0x00, 0xC8, 0x00, 0xFA)
	generalFrame = test_test.Frame(0x263, 0x00, 0xE6, 0x28, 0x00, 0x00, 0x64, 0x00, 0x00)
	unknownFrame = test_test.Frame(0x123, 0x01, 0x02)
)

// testTrace creates trace with BMI, general status and unknown frames spaced 100ms apart
func testTrace() *trace.Trace {
	frames := []thinkcan.Frame{bmi1Frame, unknownFrame, generalFrame, bmi1Frame}
	t := &trace.Trace{
		Name:   "drive.trc",
		Header: trace.Header{FileVersion: "1.1", Started: test_test.UTCTime(1650000000)},
	}
	for i, f := range frames {
		t.Records = append(t.Records, trace.Record{
			Number:    i + 1,
			Offset:    float64(i) * 100,
			Direction: trace.DirectionRx,
			Frame:     f,
		})
	}
	return t
}
