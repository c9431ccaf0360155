package config

import "os"

// ApplyEnvConfig applies TC_* environment variables to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	floats := []struct {
		flag string
		env  string
		dst  *float64
	}{
		{"battery-capacity", "TC_BATTERY_CAPACITY_KWH", &cfg.BatteryCapacityKWh},
		{"default-consumption", "TC_DEFAULT_CONSUMPTION_WH_KM", &cfg.DefaultConsumptionWhKm},
		{"max-range", "TC_MAX_RANGE_KM", &cfg.MaxRangeKm},
		{"idle-speed", "TC_IDLE_SPEED_KMH", &cfg.IdleSpeedKmh},
		{"soh-alpha", "TC_SOH_ALPHA", &cfg.SOHAlpha},
	}
	for _, f := range floats {
		if err := s.setFloatFromString(f.flag, os.Getenv(f.env), f.dst); err != nil {
			return err
		}
	}

	s.setString("interface", os.Getenv("TC_CAN_INTERFACE"), &cfg.Interface)
	s.setString("serial-port", os.Getenv("TC_SERIAL_PORT"), &cfg.SerialPort)
	s.setString("db", os.Getenv("TC_DB_PATH"), &cfg.DBPath)
	s.setString("trace-dir", os.Getenv("TC_TRACE_DIR"), &cfg.TraceDir)
	s.setString("log-level", os.Getenv("TC_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setIntFromString("bitrate", os.Getenv("TC_CAN_BITRATE"), &cfg.Bitrate); err != nil {
		return err
	}
	if err := s.setIntFromString("min-free-mb", os.Getenv("TC_MIN_FREE_MB"), &cfg.MinFreeMB); err != nil {
		return err
	}

	if err := s.setDuration("poll-interval", os.Getenv("TC_POLL_INTERVAL"), &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("log-interval", os.Getenv("TC_LOG_INTERVAL"), &cfg.LogInterval); err != nil {
		return err
	}
	if err := s.setDuration("trip-idle-timeout", os.Getenv("TC_TRIP_IDLE_TIMEOUT"), &cfg.TripIdleTimeout); err != nil {
		return err
	}
	return nil
}

// Load applies config file (when path is not empty) and environment on top of cfg and validates result.
func Load(cfg Config, path string, changed map[string]bool) (Config, error) {
	if path != "" {
		fc, err := LoadFileConfig(path)
		if err != nil {
			return cfg, err
		}
		if err := ApplyFileConfig(&cfg, fc, changed); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnvConfig(&cfg, changed); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
