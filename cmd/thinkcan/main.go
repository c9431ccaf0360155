package main

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcdash/thinkcan/internal/config"
	"github.com/tcdash/thinkcan/internal/logging"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// app holds configuration and streams shared by all commands
type app struct {
	cfg config.Config
	// base is configuration from defaults and flags only. Config reloads are applied on top of it.
	base    config.Config
	cfgPath string
	changed map[string]bool
	logger  zerolog.Logger

	in  io.Reader
	out io.Writer
	err io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{in: os.Stdin, out: os.Stdout, err: os.Stderr}
	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		// logger is not configured when config loading fails
		fmt.Fprintf(a.err, "# Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	a.cfg = config.DefaultConfig()
	a.logger = zerolog.Nop()

	root := &cobra.Command{
		Use:           "thinkcan",
		Short:         "ThinkCity EV CAN bus monitor, trace recorder and player",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.err)

	f := root.PersistentFlags()
	f.StringVar(&a.cfgPath, "config", "", "path to config file (default: $HOME/.thinkcan/config.toml)")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level (debug, info, warn, error)")

	f.Float64Var(&a.cfg.BatteryCapacityKWh, "battery-capacity", a.cfg.BatteryCapacityKWh, "usable battery capacity in kWh")
	f.Float64Var(&a.cfg.DefaultConsumptionWhKm, "default-consumption", a.cfg.DefaultConsumptionWhKm, "consumption in Wh/km used for range until enough samples are collected")
	f.Float64Var(&a.cfg.MaxRangeKm, "max-range", a.cfg.MaxRangeKm, "upper limit for calculated range in km")
	f.Float64Var(&a.cfg.IdleSpeedKmh, "idle-speed", a.cfg.IdleSpeedKmh, "speed in km/h at or below which consumption is not sampled")
	f.Float64Var(&a.cfg.SOHAlpha, "soh-alpha", a.cfg.SOHAlpha, "state of health smoothing factor")

	f.StringVar(&a.cfg.Interface, "interface", a.cfg.Interface, "SocketCAN interface name")
	f.IntVar(&a.cfg.Bitrate, "bitrate", a.cfg.Bitrate, "CAN bitrate for serial (slcan) adapters")
	f.StringVar(&a.cfg.SerialPort, "serial-port", a.cfg.SerialPort, "serial port of slcan adapter. When set it is used instead of SocketCAN interface")

	f.StringVar(&a.cfg.DBPath, "db", a.cfg.DBPath, "sqlite database path. Empty disables persistence")
	f.StringVar(&a.cfg.TraceDir, "trace-dir", a.cfg.TraceDir, "directory for recorded traces")
	f.IntVar(&a.cfg.MinFreeMB, "min-free-mb", a.cfg.MinFreeMB, "free disk space in MB required for recording")

	f.DurationVar(&a.cfg.PollInterval, "poll-interval", a.cfg.PollInterval, "bus polling interval")
	f.DurationVar(&a.cfg.LogInterval, "log-interval", a.cfg.LogInterval, "interval between persisted samples")
	f.DurationVar(&a.cfg.TripIdleTimeout, "trip-idle-timeout", a.cfg.TripIdleTimeout, "standstill time after which trip is ended")

	root.AddCommand(
		newMonitorCommand(a),
		newReplayCommand(a),
		newRecordCommand(a),
		newInfoCommand(a),
		newConvertCommand(a),
		newExportCommand(a),
		newPlotCommand(a),
	)
	return root
}

// loadConfig applies config file and environment on top of flags. Flags that were set explicitly take precedence.
func (a *app) loadConfig(cmd *cobra.Command) error {
	a.changed = map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { a.changed[f.Name] = true })

	cfgFile := a.cfgPath
	if cfgFile == "" {
		cfgFile = config.DefaultConfigPath()
		if cfgFile != "" && !config.FileExists(cfgFile) {
			cfgFile = ""
		}
	}
	a.cfgPath = cfgFile

	a.base = a.cfg
	cfg, err := config.Load(a.cfg, cfgFile, a.changed)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.LogLevel, a.err)
	if err != nil {
		return err
	}
	a.logger = logger
	a.logger.Debug().Interface("config", cfg).Str("config_file", cfgFile).Msg("configuration")
	return nil
}

// componentLogger returns sub logger for given component
func (a *app) componentLogger(name string) *zerolog.Logger {
	l := a.logger.With().Str("component", name).Logger()
	return &l
}
