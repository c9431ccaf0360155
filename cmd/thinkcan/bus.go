package main

import (
	"fmt"
	"github.com/tcdash/thinkcan"
	"github.com/tcdash/thinkcan/slcan"
	"github.com/tcdash/thinkcan/socketcan"
)

// openBus connects to slcan serial adapter when serial port is configured and to SocketCAN interface otherwise.
func (a *app) openBus() (thinkcan.Bus, error) {
	var bus thinkcan.Bus
	if a.cfg.SerialPort != "" {
		dev, err := slcan.Open(a.cfg.SerialPort, slcan.Config{
			Bitrate: a.cfg.Bitrate,
			Logger:  a.componentLogger("slcan"),
		})
		if err != nil {
			return nil, fmt.Errorf("serial port open failure: %w", err)
		}
		bus = dev
		a.logger.Info().Str("port", a.cfg.SerialPort).Int("bitrate", a.cfg.Bitrate).Msg("initializing slcan adapter")
	} else {
		bus = socketcan.NewDevice(socketcan.DeviceConfig{
			InterfaceName: a.cfg.Interface,
			Logger:        a.componentLogger("socketcan"),
		})
		a.logger.Info().Str("interface", a.cfg.Interface).Msg("initializing socketcan interface")
	}

	if err := bus.Initialize(); err != nil {
		bus.Close()
		return nil, err
	}
	return bus, nil
}
