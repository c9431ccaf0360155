package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcdash/thinkcan/monitor"
	"github.com/tcdash/thinkcan/trace"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	var testCases = []struct {
		name        string
		when        string
		expect      stdinCommand
		expectError string
	}{
		{name: "reset trip", when: "!reset-trip", expect: stdinCommand{name: "!reset-trip"}},
		{name: "reset lifetime", when: "!reset-lifetime", expect: stdinCommand{name: "!reset-lifetime"}},
		{name: "reset soh", when: "!reset-soh  92.5", expect: stdinCommand{name: "!reset-soh", value: 92.5}},
		{name: "reset soh without value", when: "!reset-soh", expectError: "# Error usage: !reset-soh <pct>"},
		{name: "reset soh invalid value", when: "!reset-soh x", expectError: `# Error parsing soh value, err: strconv.ParseFloat: parsing "x": invalid syntax`},
		{name: "reset trip with argument", when: "!reset-trip now", expectError: "# Error !reset-trip does not take arguments"},
		{name: "unknown", when: "!nodes", expectError: "# Error unknown command: !nodes"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := parseCommand(tc.when)

			assert.Equal(t, tc.expect, cmd)
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type mockCommander struct {
	calls []string
	soh   float64
	err   error
}

func (m *mockCommander) ResetTrip(ctx context.Context) error {
	m.calls = append(m.calls, "trip")
	return m.err
}

func (m *mockCommander) ResetLifetime(ctx context.Context) error {
	m.calls = append(m.calls, "lifetime")
	return m.err
}

func (m *mockCommander) ResetSOH(ctx context.Context, value float64) error {
	m.calls = append(m.calls, "soh")
	m.soh = value
	return m.err
}

func TestHandleSTDIO(t *testing.T) {
	in := strings.NewReader("!reset-trip\n\n  !reset-soh 90\nhello\n!reset-lifetime\n")
	out := bytes.NewBuffer(nil)
	m := &mockCommander{}

	handleSTDIO(context.Background(), in, m, out)

	assert.Equal(t, []string{"trip", "soh", "lifetime"}, m.calls)
	assert.Equal(t, 90.0, m.soh)
	expect := "# !reset-trip done\n" +
		"# !reset-soh done\n" +
		"# Error unknown command: hello\n" +
		"# !reset-lifetime done\n"
	assert.Equal(t, expect, out.String())
}

func TestHandleSTDIO_stopsWhenMonitorIsNotRunning(t *testing.T) {
	in := strings.NewReader("!reset-trip\n!reset-lifetime\n")
	out := bytes.NewBuffer(nil)
	m := &mockCommander{err: monitor.ErrNotRunning}

	handleSTDIO(context.Background(), in, m, out)

	assert.Equal(t, []string{"trip"}, m.calls)
	assert.Equal(t, "# Error at !reset-trip: monitor is not running\n", out.String())
}

func TestHandleSTDIO_commandError(t *testing.T) {
	in := strings.NewReader("!reset-soh 150\n!reset-trip\n")
	out := bytes.NewBuffer(nil)
	m := &mockCommander{err: errors.New("invalid state of health value")}

	handleSTDIO(context.Background(), in, m, out)

	assert.Equal(t, []string{"soh", "trip"}, m.calls)
	assert.Contains(t, out.String(), "# Error at !reset-soh: invalid state of health value\n")
}

func writeTestTrace(t *testing.T, dir string, name string) string {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, trace.Write(f, testTrace()))
	return path
}

// runCommand executes root command with given arguments and returns STDOUT contents
func runCommand(t *testing.T, args ...string) (string, *app, error) {
	t.Setenv("HOME", t.TempDir())
	out := bytes.NewBuffer(nil)
	a := &app{in: strings.NewReader(""), out: out, err: bytes.NewBuffer(nil)}
	root := newRootCommand(a)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), a, err
}

func TestRootCommand_configPrecedence(t *testing.T) {
	dir := t.TempDir()
	tracePath := writeTestTrace(t, dir, "drive.trc")
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
battery_capacity_kwh = 24.0
max_range_km = 150.0
interface = "vcan0"
db_path = "/var/lib/thinkcan/tc.db"
`), 0644))
	t.Setenv("TC_MAX_RANGE_KM", "120")
	t.Setenv("TC_CAN_INTERFACE", "vcan1")

	_, a, err := runCommand(t, "--config", cfgPath, "--interface", "can3", "info", tracePath)
	require.NoError(t, err)

	assert.Equal(t, 24.0, a.cfg.BatteryCapacityKWh) // file
	assert.Equal(t, 120.0, a.cfg.MaxRangeKm)        // env over file
	assert.Equal(t, "can3", a.cfg.Interface)        // flag over env and file
	assert.Equal(t, "/var/lib/thinkcan/tc.db", a.cfg.DBPath)
	assert.Equal(t, "can3", a.base.Interface)
	assert.Equal(t, 17.0, a.base.BatteryCapacityKWh)
}

func TestRootCommand_invalidConfig(t *testing.T) {
	dir := t.TempDir()
	tracePath := writeTestTrace(t, dir, "drive.trc")

	_, _, err := runCommand(t, "--soh-alpha", "2", "info", tracePath)
	assert.EqualError(t, err, "load config: soh alpha must be in (0, 1] range")
}

func TestInfoCommand(t *testing.T) {
	tracePath := writeTestTrace(t, t.TempDir(), "drive.trc")

	out, _, err := runCommand(t, "info", tracePath)
	require.NoError(t, err)

	var info traceInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, 4, info.Summary.Messages)
	assert.Equal(t, 3, info.Summary.UniqueIDs)
	assert.Equal(t, 300*time.Millisecond, info.Summary.Duration)
	assert.Equal(t, []string{"0x263", "0x301"}, info.DecodedIDs)
	assert.Equal(t, []string{"0x123"}, info.UnknownIDs)
	assert.Equal(t, uint64(3), info.Decoder.Decoded)
	assert.Equal(t, uint64(1), info.Decoder.Unknown)
	assert.False(t, info.ChemistryB)
}

func TestConvertCommand(t *testing.T) {
	dir := t.TempDir()
	tracePath := writeTestTrace(t, dir, "drive.trc")
	logPath := filepath.Join(dir, "drive.log")
	backPath := filepath.Join(dir, "back.trc")

	_, _, err := runCommand(t, "convert", "--iface", "vcan0", tracePath, logPath)
	require.NoError(t, err)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[0], ".000000) vcan0 301#00640C5A00C800FA"), lines[0])

	_, _, err = runCommand(t, "convert", logPath, backPath)
	require.NoError(t, err)
	back, err := trace.ParseFile(backPath, trace.ParseConfig{})
	require.NoError(t, err)
	require.Equal(t, 4, back.Len())
	assert.Equal(t, uint32(0x263), back.Records[2].Frame.ID)
	assert.InDelta(t, 200, back.Records[2].Offset, 0.1)

	// existing files are not overwritten
	_, _, err = runCommand(t, "convert", tracePath, logPath)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	tracePath := writeTestTrace(t, dir, "drive.trc")
	csvPath := filepath.Join(dir, "drive.csv")

	_, _, err := runCommand(t, "export", "--fields", "_offset_ms,current_A", "-o", csvPath, tracePath)
	require.NoError(t, err)

	b, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, "_offset_ms,current_A\n0.0,10\n300.0,10\n", string(b))
}

func TestMonitorCommand_simulate(t *testing.T) {
	dir := t.TempDir()
	tracePath := writeTestTrace(t, dir, "drive.trc")
	dbPath := filepath.Join(dir, "tc.db")

	out, _, err := runCommand(t,
		"--db", dbPath,
		"--poll-interval", "5ms",
		"monitor",
		"--simulate", tracePath,
		"--speed", "10",
		"--print-interval", "1ns",
		"--read-only",
	)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)

	found := false
	for _, l := range lines {
		var s struct {
			State  map[string]interface{} `json:"state"`
			Frames uint64                 `json:"frames"`
		}
		require.NoError(t, json.Unmarshal([]byte(l), &s))
		if s.State["speed_kmh"] == 50.0 {
			found = true
			assert.InDelta(t, 316.2, s.State["voltage_V"], 0.001)
			assert.InDelta(t, 80.0, s.State["soc_pct"], 0.001)
		}
	}
	assert.True(t, found, "snapshot with decoded speed was not printed")

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}
