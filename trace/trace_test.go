package trace

import (
	"bytes"
	"errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcdash/thinkcan"
	test_test "github.com/tcdash/thinkcan/test"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var ignoreFrameTime = cmpopts.IgnoreFields(thinkcan.Frame{}, "Time")

func TestParse(t *testing.T) {
	tr, err := Parse(bytes.NewReader(test_test.LoadBytes(t, "sample.trc")))
	require.NoError(t, err)

	assert.Equal(t, "1.1", tr.Header.FileVersion)
	assert.Equal(t, 43809.2974678819, tr.Header.StartTime)
	assert.Equal(t, time.Date(2019, 12, 10, 7, 8, 21, 225_000_000, time.Local), tr.Header.Started)

	expect := []Record{
		{Number: 1, Offset: 2.1, Direction: DirectionRx, Frame: test_test.Frame(0x251, 0x40, 0, 0, 0, 0, 0, 0, 0)},
		{Number: 2, Offset: 11.4, Direction: DirectionRx, Frame: test_test.Frame(0x460, 0x03, 0xE0, 0, 0, 0, 0, 0, 0)},
		{Number: 3, Offset: 12.0, Direction: DirectionRx, Frame: test_test.Frame(0x301, 0x00, 0x0A, 0x0C, 0x5A, 0x01, 0x2C, 0x01, 0x00)},
		{Number: 4, Offset: 21.9, Direction: DirectionRx, Frame: test_test.Frame(0x251, 0x40, 0, 0, 0, 0, 0, 0, 0)},
		{Number: 5, Offset: 22.5, Direction: DirectionTx, Frame: test_test.Frame(0x301, 0x00, 0x0A, 0x0C, 0x5A)},
		{Number: 6, Offset: 31.0, Direction: DirectionRx, Frame: test_test.Frame(0x263)},
		{Number: 9, Offset: 41.8, Direction: DirectionRx, Frame: test_test.Frame(0x251, 0x40, 0, 0, 0)},
		{Number: 10, Offset: 42.0, Direction: DirectionRx, Frame: test_test.Frame(0x305, 1, 2, 3, 4, 5, 6, 7, 8)},
	}
	if diff := cmp.Diff(expect, tr.Records, ignoreFrameTime); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	expectWarnings := []Warning{
		{Line: 24, Reason: `skipped: invalid direction: "XX"`},
		{Line: 25, Reason: "skipped: invalid frame arbitration ID: 0x800"},
		{Line: 26, Reason: "DLC mismatch: expected 8, got 4 bytes"},
		{Line: 27, Reason: "data longer than 8 bytes, truncated"},
	}
	assert.Equal(t, expectWarnings, tr.Warnings)

	assert.Equal(t, tr.Header.Started.Add(2100*time.Microsecond), tr.Records[0].Frame.Time)
	assert.Equal(t, 39900*time.Microsecond, tr.Duration())
	assert.Equal(t, []uint32{0x251, 0x263, 0x301, 0x305, 0x460}, tr.UniqueIDs())
}

func TestParse_malformedLines(t *testing.T) {
	var testCases = []struct {
		name          string
		when          string
		expectWarning string
	}{
		{name: "too few fields", when: "1) 2.1 Rx 0251", expectWarning: "skipped: too few fields: 4"},
		{name: "missing parenthesis", when: "1 2.1 Rx 0251 0", expectWarning: `skipped: invalid message number: "1"`},
		{name: "bad number", when: "x) 2.1 Rx 0251 0", expectWarning: `skipped: invalid message number: "x)"`},
		{name: "bad offset", when: "1) abc Rx 0251 0", expectWarning: `skipped: invalid time offset: "abc"`},
		{name: "negative offset", when: "1) -1.0 Rx 0251 0", expectWarning: `skipped: invalid time offset: "-1.0"`},
		{name: "bad id", when: "1) 2.1 Rx 02G1 0", expectWarning: `skipped: invalid CAN ID: "02G1"`},
		{name: "bad dlc", when: "1) 2.1 Rx 0251 x", expectWarning: `skipped: invalid DLC: "x"`},
		{name: "bad data", when: "1) 2.1 Rx 0251 2 01 ZZ", expectWarning: `skipped: invalid data byte: "ZZ"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := Parse(strings.NewReader(";$FILEVERSION=1.1\n" + tc.when + "\n"))
			require.NoError(t, err)

			assert.Len(t, tr.Records, 0)
			assert.Equal(t, []Warning{{Line: 2, Reason: tc.expectWarning}}, tr.Warnings)
		})
	}
}

func TestParseFile_notExists(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "missing.trc"), ParseConfig{})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	trc := filepath.Join(dir, "drive.trc")
	require.NoError(t, os.WriteFile(trc, []byte(";$FILEVERSION=1.1\n     1)         2.1  Rx         0301  8  00 64 0C 5A 00 C8 00 FA\n"), 0644))
	candump := filepath.Join(dir, "drive.LOG")
	require.NoError(t, os.WriteFile(candump, []byte("(1.000000) can0 263#00E6280000640000\n"), 0644))

	var testCases = []struct {
		name        string
		when        string
		expectID    uint32
		expectError error
	}{
		{name: "trc", when: trc, expectID: 0x301},
		{name: "candump, extension case insensitive", when: candump, expectID: 0x263},
		{name: "missing candump", when: filepath.Join(dir, "missing.log"), expectError: os.ErrNotExist},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := LoadFile(tc.when, ParseConfig{})
			if tc.expectError != nil {
				assert.ErrorIs(t, err, tc.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.when, tr.Name)
			require.Equal(t, 1, tr.Len())
			assert.Equal(t, tc.expectID, tr.Records[0].Frame.ID)
		})
	}
}

func TestExcelTime(t *testing.T) {
	var testCases = []struct {
		name   string
		when   time.Time
		expect float64
	}{
		{
			name:   "pinned",
			when:   time.Date(2019, 12, 10, 7, 8, 21, 0, time.UTC),
			expect: 43809 + 25701.0/86400,
		},
		{
			name:   "sub-second is truncated",
			when:   time.Date(2019, 12, 10, 7, 8, 21, 999_000_000, time.UTC),
			expect: 43809 + 25701.0/86400,
		},
		{
			name:   "epoch",
			when:   time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC),
			expect: 0,
		},
		{
			name:   "leap day",
			when:   time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC),
			expect: 45351.5,
		},
		{
			name:   "wall clock of location is used",
			when:   time.Date(2019, 12, 10, 7, 8, 21, 0, time.FixedZone("CET", 3600)),
			expect: 43809 + 25701.0/86400,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.expect, ExcelTime(tc.when), 1e-12)
		})
	}
}

func TestExcelTime_headerFormat(t *testing.T) {
	v := ExcelTime(time.Date(2019, 12, 10, 7, 8, 21, 0, time.UTC))
	assert.InDelta(t, 43809.29746527778, v, 1e-9)
}

func TestFromExcelTime(t *testing.T) {
	assert.Equal(t,
		time.Date(2019, 12, 10, 7, 8, 21, 225_000_000, time.UTC),
		FromExcelTime(43809.2974678819, time.UTC),
	)

	start := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, start, FromExcelTime(ExcelTime(start), time.UTC))
}

func TestWriter_WriteFrame(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	w := NewWriter(buf)

	assert.NoError(t, w.WriteFrame(2.1, test_test.Frame(0x251, 0x40, 0, 0, 0, 0, 0, 0, 0)))
	assert.NoError(t, w.WriteFrame(1234.5, test_test.Frame(0x263)))
	assert.EqualError(t, w.WriteFrame(1300, test_test.Frame(0x800, 1)), "invalid frame arbitration ID: 0x800")
	assert.NoError(t, w.Flush())

	expect := "     1)          2.1  Rx         0251  8  40 00 00 00 00 00 00 00\n" +
		"     2)       1234.5  Rx         0263  0  \n"
	assert.Equal(t, expect, buf.String())
	assert.Equal(t, 2, w.Count())
}

func TestWriter_WriteRecord(t *testing.T) {
	var testCases = []struct {
		name        string
		when        Record
		expect      string
		expectError string
	}{
		{
			name:   "tx direction is kept",
			when:   Record{Number: 7, Offset: 12.3, Direction: DirectionTx, Frame: test_test.Frame(0x305, 0x80)},
			expect: "     1)         12.3  Tx         0305  1  80\n",
		},
		{
			name:   "missing direction is written as rx",
			when:   Record{Offset: 0, Frame: test_test.Frame(0x263)},
			expect: "     1)          0.0  Rx         0263  0  \n",
		},
		{
			name:   "offset is rounded to 0.1 ms",
			when:   Record{Offset: 2.349, Direction: DirectionRx, Frame: test_test.Frame(0x301, 1)},
			expect: "     1)          2.3  Rx         0301  1  01\n",
		},
		{
			name:        "invalid direction",
			when:        Record{Direction: "Xx", Frame: test_test.Frame(0x301)},
			expectError: `invalid message direction: "Xx"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			w := NewWriter(buf)

			err := w.WriteRecord(tc.when)
			require.NoError(t, w.Flush())
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
				assert.Equal(t, 0, w.Count())
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expect, buf.String())
		})
	}
}

func TestWrite_startTimeFallback(t *testing.T) {
	derived := time.Date(2022, 3, 4, 5, 6, 7, 500_000_000, time.Local)

	var testCases = []struct {
		name   string
		when   []Record
		expect time.Time
	}{
		{
			name: "derived from first timestamped record",
			when: []Record{
				{Offset: 0, Direction: DirectionRx, Frame: test_test.Frame(0x263)},
				{Offset: 100, Direction: DirectionRx, Frame: thinkcan.Frame{ID: 0x301, Length: 1, Time: derived.Add(100 * time.Millisecond)}},
			},
			expect: derived,
		},
		{
			name:   "unix epoch when nothing is timestamped",
			when:   []Record{{Offset: 0, Direction: DirectionRx, Frame: test_test.Frame(0x263)}},
			expect: time.Unix(0, 0),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			require.NoError(t, Write(buf, &Trace{Records: tc.when}))
			assert.NotContains(t, buf.String(), "01.01.0001")

			result, err := Parse(buf)
			require.NoError(t, err)
			assert.True(t, tc.expect.Equal(result.Header.Started), "got %v", result.Header.Started)
		})
	}
}

func TestWriter_WriteHeader(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	w := NewWriter(buf)

	assert.NoError(t, w.WriteHeader(time.Date(2019, 12, 10, 7, 8, 21, 225_000_000, time.UTC)))
	assert.NoError(t, w.Flush())

	lines := strings.Split(buf.String(), "\n")
	assert.Equal(t, ";$FILEVERSION=1.1", lines[0])
	assert.Equal(t, ";$STARTTIME=43809.2974652777775", lines[1])
	assert.Equal(t, ";   Start time: 10.12.2019 07:08:21.225.0", lines[3])
	assert.Equal(t, ";---+--   ----+----  --+--  ----+---  +  -+ -- -- -- -- -- -- --", lines[8])
}

func TestWriteParse_roundTrip(t *testing.T) {
	start := time.Date(2022, 3, 4, 5, 6, 7, 891_000_000, time.Local)
	given := &Trace{
		Header: Header{Started: start},
		Records: []Record{
			{Number: 1, Offset: 0, Direction: DirectionRx, Frame: test_test.Frame(0x301, 0x00, 0x0A, 0x0C, 0x5A, 0x01, 0x2C, 0x01, 0x00)},
			{Number: 2, Offset: 10.5, Direction: DirectionTx, Frame: test_test.Frame(0x305, 0x80)},
			{Number: 3, Offset: 20.1, Direction: DirectionRx, Frame: test_test.Frame(0x263)},
			{Number: 4, Offset: 1500.7, Direction: DirectionRx, Frame: test_test.Frame(0x7FF, 1, 2, 3, 4, 5, 6, 7, 8)},
		},
	}

	buf := bytes.NewBuffer(nil)
	require.NoError(t, Write(buf, given))

	result, err := Parse(buf)
	require.NoError(t, err)

	assert.Empty(t, result.Warnings)
	assert.Equal(t, "1.1", result.Header.FileVersion)
	assert.True(t, start.Equal(result.Header.Started))
	if diff := cmp.Diff(given.Records, result.Records, ignoreFrameTime); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, start.Add(1500700*time.Microsecond).Equal(result.Records[3].Frame.Time))
}

func TestCandump_roundTrip(t *testing.T) {
	given, err := Parse(bytes.NewReader(test_test.LoadBytes(t, "sample.trc")))
	require.NoError(t, err)

	buf := bytes.NewBuffer(nil)
	require.NoError(t, WriteCandump(buf, given, "can0"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 8)
	assert.True(t, strings.HasSuffix(lines[2], " can0 301#000A0C5A012C0100"))
	assert.True(t, strings.HasSuffix(lines[5], " can0 263#"))

	result, err := ParseCandump(buf, ParseConfig{})
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)
	require.Len(t, result.Records, 8)

	for i, r := range result.Records {
		assert.Equal(t, i+1, r.Number)
		assert.Equal(t, given.Records[i].Frame.ID, r.Frame.ID)
		assert.Equal(t, given.Records[i].Frame.Payload(), r.Frame.Payload())
		assert.InDelta(t, given.Records[i].Offset-given.Records[0].Offset, r.Offset, 0.001)
	}
	assert.True(t, given.Records[0].Frame.Time.Equal(result.Header.Started))
}

func TestParseCandump(t *testing.T) {
	given := "(1575961701.000000) can0 301#000A0C5A\n" +
		"# comment\n" +
		"(1575961701.010500) can0 18FEF100#0102\n" +
		"(1575961701.020000) can0 305#R\n" +
		"1575961701.030000 can0 305#01\n" +
		"(1575961701.04) vcan0 263#\n" +
		"(1575961701.050000) can0 305#0102030405060708AA\n"

	result, err := ParseCandump(strings.NewReader(given), ParseConfig{})
	require.NoError(t, err)

	expect := []Record{
		{Number: 1, Offset: 0, Direction: DirectionRx, Frame: test_test.Frame(0x301, 0x00, 0x0A, 0x0C, 0x5A)},
		{Number: 2, Offset: 40, Direction: DirectionRx, Frame: test_test.Frame(0x263)},
	}
	if diff := cmp.Diff(expect, result.Records, ignoreFrameTime); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, time.Unix(1575961701, 0), result.Header.Started)

	expectWarnings := []Warning{
		{Line: 3, Reason: `skipped: extended frame not supported: "18FEF100#0102"`},
		{Line: 4, Reason: `skipped: remote and CAN FD frames not supported: "305#R"`},
		{Line: 5, Reason: `skipped: invalid timestamp: "1575961701.030000"`},
		{Line: 7, Reason: "skipped: invalid frame data length: 9"},
	}
	assert.Equal(t, expectWarnings, result.Warnings)
}

func TestAnalyze(t *testing.T) {
	tr := &Trace{
		Name: "test.trc",
		Records: []Record{
			{Offset: 0, Frame: test_test.Frame(0x100)},
			{Offset: 5, Frame: test_test.Frame(0x200)},
			{Offset: 10, Frame: test_test.Frame(0x100)},
			{Offset: 20, Frame: test_test.Frame(0x100)},
			{Offset: 25, Frame: test_test.Frame(0x200)},
			{Offset: 40, Frame: test_test.Frame(0x100)},
			{Offset: 50, Frame: test_test.Frame(0x300)},
		},
	}

	s := Analyze(tr)

	assert.Equal(t, "test.trc", s.Name)
	assert.Equal(t, 50*time.Millisecond, s.Duration)
	assert.Equal(t, 7, s.Messages)
	assert.Equal(t, 3, s.UniqueIDs)
	assert.InDelta(t, 140.0, s.Rate, 1e-9)

	require.Len(t, s.IDs, 3)
	assert.Equal(t, uint32(0x100), s.IDs[0].ID)
	assert.Equal(t, 4, s.IDs[0].Count)
	assert.InDelta(t, 40.0/3, s.IDs[0].MeanIntervalMs, 1e-9)
	assert.InDelta(t, 5.773502691896258, s.IDs[0].StdDevIntervalMs, 1e-9)

	assert.Equal(t, IDSummary{ID: 0x200, Count: 2, MeanIntervalMs: 20}, s.IDs[1])
	assert.Equal(t, IDSummary{ID: 0x300, Count: 1}, s.IDs[2])
}
