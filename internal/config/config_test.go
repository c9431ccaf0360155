package config

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 17.0, cfg.BatteryCapacityKWh)
	assert.Equal(t, 150.0, cfg.DefaultConsumptionWhKm)
	assert.Equal(t, 100.0, cfg.MaxRangeKm)
	assert.Equal(t, 2.0, cfg.IdleSpeedKmh)
	assert.Equal(t, 0.001, cfg.SOHAlpha)
	assert.Equal(t, "can0", cfg.Interface)
	assert.Equal(t, 500000, cfg.Bitrate)
	assert.Equal(t, "thinkcity.db", cfg.DBPath)
	assert.Equal(t, "traces", cfg.TraceDir)
	assert.Equal(t, 100, cfg.MinFreeMB)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.LogInterval)
	assert.Equal(t, 5*time.Minute, cfg.TripIdleTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	var testCases = []struct {
		name        string
		given       func(c *Config)
		expectError string
	}{
		{name: "ok, defaults", given: func(c *Config) {}},
		{
			name:        "nok, battery capacity",
			given:       func(c *Config) { c.BatteryCapacityKWh = 0 },
			expectError: "battery capacity must be positive",
		},
		{
			name:        "nok, default consumption",
			given:       func(c *Config) { c.DefaultConsumptionWhKm = -1 },
			expectError: "default consumption must be positive",
		},
		{
			name:        "nok, max range",
			given:       func(c *Config) { c.MaxRangeKm = 0 },
			expectError: "max range must be positive",
		},
		{
			name:        "nok, idle speed",
			given:       func(c *Config) { c.IdleSpeedKmh = -0.5 },
			expectError: "idle speed can not be negative",
		},
		{
			name:        "nok, soh alpha over 1",
			given:       func(c *Config) { c.SOHAlpha = 1.5 },
			expectError: "soh alpha must be in (0, 1] range",
		},
		{
			name:        "nok, no bus",
			given:       func(c *Config) { c.Interface = "" },
			expectError: "interface or serial port is required",
		},
		{
			name: "ok, serial port without interface",
			given: func(c *Config) {
				c.Interface = ""
				c.SerialPort = "/dev/ttyACM0"
			},
		},
		{
			name:        "nok, poll interval",
			given:       func(c *Config) { c.PollInterval = 0 },
			expectError: "poll interval must be positive",
		},
		{
			name:        "nok, log level",
			given:       func(c *Config) { c.LogLevel = "loud" },
			expectError: "invalid log level: ",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.given(&cfg)

			err := cfg.Validate()
			if tc.expectError != "" {
				assert.ErrorContains(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_TripConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatteryCapacityKWh = 24.5
	cfg.MaxRangeKm = 160
	cfg.SOHAlpha = 0.01

	cal := cfg.Calibration()
	assert.Equal(t, 24.5, cal.Trip.BatteryCapacityKWh)
	assert.Equal(t, 160.0, cal.Trip.MaxRangeKm)
	assert.Equal(t, 150.0, cal.Trip.DefaultConsumptionWhKm)
	assert.Equal(t, 0.01, cal.SOHAlpha)
	assert.NoError(t, cal.Trip.Validate())
	assert.Equal(t, uint64(100*1024*1024), cfg.MinFreeBytes())
}

func TestApplyFileConfig(t *testing.T) {
	tests := []struct {
		name     string
		fc       FileConfig
		changed  map[string]bool
		expected func(c *Config)
		wantErr  string
	}{
		{
			name:     "empty file config keeps values",
			fc:       FileConfig{},
			changed:  map[string]bool{},
			expected: func(c *Config) {},
		},
		{
			name: "file values applied",
			fc: FileConfig{
				BatteryCapacityKWh: ptr(24.0),
				Interface:          "vcan0",
				MinFreeMB:          ptr(500),
				TripIdleTimeout:    "10m",
				LogLevel:           "debug",
			},
			changed: map[string]bool{},
			expected: func(c *Config) {
				c.BatteryCapacityKWh = 24
				c.Interface = "vcan0"
				c.MinFreeMB = 500
				c.TripIdleTimeout = 10 * time.Minute
				c.LogLevel = "debug"
			},
		},
		{
			name:     "changed flags take precedence",
			fc:       FileConfig{Interface: "vcan0", MaxRangeKm: ptr(80.0)},
			changed:  map[string]bool{"interface": true},
			expected: func(c *Config) { c.MaxRangeKm = 80 },
		},
		{
			name:    "explicit zero values applied",
			fc:      FileConfig{IdleSpeedKmh: ptr(0.0), MinFreeMB: ptr(0)},
			changed: map[string]bool{},
			expected: func(c *Config) {
				c.IdleSpeedKmh = 0
				c.MinFreeMB = 0
			},
		},
		{
			name:     "negative value is applied for validation to reject",
			fc:       FileConfig{MaxRangeKm: ptr(-1.0)},
			changed:  map[string]bool{},
			expected: func(c *Config) { c.MaxRangeKm = -1 },
		},
		{
			name:    "invalid duration",
			fc:      FileConfig{PollInterval: "fast"},
			changed: map[string]bool{},
			wantErr: `parse poll-interval: time: invalid duration "fast"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := ApplyFileConfig(&cfg, tt.fc, tt.changed)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			expected := DefaultConfig()
			tt.expected(&expected)
			assert.Equal(t, expected, cfg)
		})
	}
}

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		changed  map[string]bool
		expected func(c *Config)
		wantErr  string
	}{
		{
			name:     "no env vars",
			envVars:  map[string]string{},
			changed:  map[string]bool{},
			expected: func(c *Config) {},
		},
		{
			name: "env vars applied",
			envVars: map[string]string{
				"TC_BATTERY_CAPACITY_KWH": "20.5",
				"TC_CAN_INTERFACE":        "can1",
				"TC_CAN_BITRATE":          "250000",
				"TC_LOG_INTERVAL":         "2s",
			},
			changed: map[string]bool{},
			expected: func(c *Config) {
				c.BatteryCapacityKWh = 20.5
				c.Interface = "can1"
				c.Bitrate = 250000
				c.LogInterval = 2 * time.Second
			},
		},
		{
			name:     "changed flags take precedence",
			envVars:  map[string]string{"TC_CAN_INTERFACE": "can1", "TC_DB_PATH": "/data/tc.db"},
			changed:  map[string]bool{"db": true},
			expected: func(c *Config) { c.Interface = "can1" },
		},
		{
			name:    "explicit zero values applied",
			envVars: map[string]string{"TC_IDLE_SPEED_KMH": "0", "TC_MIN_FREE_MB": "0"},
			changed: map[string]bool{},
			expected: func(c *Config) {
				c.IdleSpeedKmh = 0
				c.MinFreeMB = 0
			},
		},
		{
			name:     "negative value is applied for validation to reject",
			envVars:  map[string]string{"TC_IDLE_SPEED_KMH": "-5"},
			changed:  map[string]bool{},
			expected: func(c *Config) { c.IdleSpeedKmh = -5 },
		},
		{
			name:    "invalid float",
			envVars: map[string]string{"TC_SOH_ALPHA": "abc"},
			changed: map[string]bool{},
			wantErr: `parse soh-alpha: strconv.ParseFloat: parsing "abc": invalid syntax`,
		},
		{
			name:    "invalid int",
			envVars: map[string]string{"TC_MIN_FREE_MB": "lots"},
			changed: map[string]bool{},
			wantErr: `parse min-free-mb: strconv.Atoi: parsing "lots": invalid syntax`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := DefaultConfig()
			err := ApplyEnvConfig(&cfg, tt.changed)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			expected := DefaultConfig()
			tt.expected(&expected)
			assert.Equal(t, expected, cfg)
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}

func writeConfigFile(t *testing.T, path string, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, `
battery_capacity_kwh = 22.0
interface = "vcan0"
poll_interval = "50ms"
`)
	t.Setenv("TC_CAN_INTERFACE", "can2")

	cfg, err := Load(DefaultConfig(), path, map[string]bool{})
	require.NoError(t, err)

	assert.Equal(t, 22.0, cfg.BatteryCapacityKWh)
	assert.Equal(t, "can2", cfg.Interface) // env overrides file
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.toml")
	writeConfigFile(t, broken, `battery_capacity_kwh = "many"`)
	invalid := filepath.Join(dir, "invalid.toml")
	writeConfigFile(t, invalid, `soh_alpha = 2.0`)

	_, err := Load(DefaultConfig(), filepath.Join(dir, "missing.toml"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(DefaultConfig(), broken, nil)
	assert.Error(t, err)

	_, err = Load(DefaultConfig(), invalid, nil)
	assert.EqualError(t, err, "soh alpha must be in (0, 1] range")

	t.Setenv("TC_IDLE_SPEED_KMH", "-5")
	_, err = Load(DefaultConfig(), "", nil)
	assert.EqualError(t, err, "idle speed can not be negative")
}

func TestLoad_ZeroIdleSpeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, "idle_speed_kmh = 0.0\nmin_free_mb = 0\n")

	cfg, err := Load(DefaultConfig(), path, map[string]bool{})
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.IdleSpeedKmh)
	assert.Equal(t, 0.0, cfg.TripConfig().IdleSpeedKmh)
	assert.Equal(t, uint64(0), cfg.MinFreeBytes())
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, `battery_capacity_kwh = 17.0`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := Watch(ctx, WatchConfig{
		Path:     path,
		Base:     DefaultConfig(),
		Changed:  map[string]bool{},
		Debounce: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	// invalid config is skipped
	writeConfigFile(t, path, `soh_alpha = 5.0`)
	time.Sleep(100 * time.Millisecond)
	writeConfigFile(t, path, `battery_capacity_kwh = 21.0`)

	select {
	case cfg := <-updates:
		assert.Equal(t, 21.0, cfg.BatteryCapacityKWh)
	case <-time.After(2 * time.Second):
		t.Fatal("config reload was not delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWatch_RequiresPath(t *testing.T) {
	_, err := Watch(context.Background(), WatchConfig{})
	assert.EqualError(t, err, "config watch: path is required")
}
