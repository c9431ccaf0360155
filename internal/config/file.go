package config

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
// Numeric fields are pointers so that explicit zero in file is distinguishable from missing key.
type FileConfig struct {
	BatteryCapacityKWh     *float64 `toml:"battery_capacity_kwh"`
	DefaultConsumptionWhKm *float64 `toml:"default_consumption_wh_km"`
	MaxRangeKm             *float64 `toml:"max_range_km"`
	IdleSpeedKmh           *float64 `toml:"idle_speed_kmh"`
	SOHAlpha               *float64 `toml:"soh_alpha"`
	Interface              string   `toml:"interface"`
	Bitrate                *int     `toml:"bitrate"`
	SerialPort             string   `toml:"serial_port"`
	DBPath                 string   `toml:"db_path"`
	TraceDir               string   `toml:"trace_dir"`
	MinFreeMB              *int     `toml:"min_free_mb"`
	PollInterval           string   `toml:"poll_interval"`
	LogInterval            string   `toml:"log_interval"`
	TripIdleTimeout        string   `toml:"trip_idle_timeout"`
	LogLevel               string   `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.thinkcan/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".thinkcan", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setFloat("battery-capacity", fc.BatteryCapacityKWh, &cfg.BatteryCapacityKWh)
	s.setFloat("default-consumption", fc.DefaultConsumptionWhKm, &cfg.DefaultConsumptionWhKm)
	s.setFloat("max-range", fc.MaxRangeKm, &cfg.MaxRangeKm)
	s.setFloat("idle-speed", fc.IdleSpeedKmh, &cfg.IdleSpeedKmh)
	s.setFloat("soh-alpha", fc.SOHAlpha, &cfg.SOHAlpha)

	s.setString("interface", fc.Interface, &cfg.Interface)
	s.setInt("bitrate", fc.Bitrate, &cfg.Bitrate)
	s.setString("serial-port", fc.SerialPort, &cfg.SerialPort)
	s.setString("db", fc.DBPath, &cfg.DBPath)
	s.setString("trace-dir", fc.TraceDir, &cfg.TraceDir)
	s.setInt("min-free-mb", fc.MinFreeMB, &cfg.MinFreeMB)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("poll-interval", fc.PollInterval, &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("log-interval", fc.LogInterval, &cfg.LogInterval); err != nil {
		return err
	}
	if err := s.setDuration("trip-idle-timeout", fc.TripIdleTimeout, &cfg.TripIdleTimeout); err != nil {
		return err
	}
	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
