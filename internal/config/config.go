package config

import (
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan/capture"
	"github.com/tcdash/thinkcan/monitor"
	"github.com/tcdash/thinkcan/slcan"
	"github.com/tcdash/thinkcan/soh"
	"github.com/tcdash/thinkcan/tripcomputer"
	"strconv"
	"time"
)

// Config holds thinkcan configuration. Values are applied in order: defaults, config file, environment, flags.
type Config struct {
	BatteryCapacityKWh     float64
	DefaultConsumptionWhKm float64
	MaxRangeKm             float64
	IdleSpeedKmh           float64
	SOHAlpha               float64

	Interface  string
	Bitrate    int
	SerialPort string

	DBPath    string
	TraceDir  string
	MinFreeMB int

	PollInterval    time.Duration
	LogInterval     time.Duration
	TripIdleTimeout time.Duration

	LogLevel string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	trip := tripcomputer.DefaultConfig()
	return Config{
		BatteryCapacityKWh:     trip.BatteryCapacityKWh,
		DefaultConsumptionWhKm: trip.DefaultConsumptionWhKm,
		MaxRangeKm:             trip.MaxRangeKm,
		IdleSpeedKmh:           trip.IdleSpeedKmh,
		SOHAlpha:               soh.DefaultAlpha,
		Interface:              "can0",
		Bitrate:                slcan.DefaultBitrate,
		DBPath:                 "thinkcity.db",
		TraceDir:               "traces",
		MinFreeMB:              capture.DefaultMinFreeBytes / 1024 / 1024,
		PollInterval:           monitor.DefaultPollInterval,
		LogInterval:            monitor.DefaultLogInterval,
		TripIdleTimeout:        5 * time.Minute,
		LogLevel:               "info",
	}
}

// Validate checks the configuration for errors.
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
	if c.SOHAlpha <= 0 || c.SOHAlpha > 1 {
		return fmt.Errorf("soh alpha must be in (0, 1] range")
	}
	if c.Interface == "" && c.SerialPort == "" {
		return fmt.Errorf("interface or serial port is required")
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("bitrate must be positive")
	}
	if c.MinFreeMB < 0 {
		return fmt.Errorf("min free space can not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.LogInterval <= 0 {
		return fmt.Errorf("log interval must be positive")
	}
	if c.TripIdleTimeout <= 0 {
		return fmt.Errorf("trip idle timeout must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// TripConfig returns trip computer calibration
func (c Config) TripConfig() tripcomputer.Config {
	trip := tripcomputer.DefaultConfig()
	trip.BatteryCapacityKWh = c.BatteryCapacityKWh
	trip.DefaultConsumptionWhKm = c.DefaultConsumptionWhKm
	trip.MaxRangeKm = c.MaxRangeKm
	trip.IdleSpeedKmh = c.IdleSpeedKmh
	return trip
}

// Calibration returns values that can be applied to running monitor
func (c Config) Calibration() monitor.Calibration {
	return monitor.Calibration{
		Trip:     c.TripConfig(),
		SOHAlpha: c.SOHAlpha,
	}
}

// MinFreeBytes returns minimum free disk space for trace recording
func (c Config) MinFreeBytes() uint64 {
	return uint64(c.MinFreeMB) * 1024 * 1024
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if present and flag not changed. Range is checked by Validate.
func (s *configSetter) setInt(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setFloat sets a float64 value if present and flag not changed. Range is checked by Validate.
func (s *configSetter) setFloat(flag string, value *float64, dst *float64) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

// setFloatFromString parses a string to float64 and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = f
	return nil
}
