package main

import (
	"context"
	"github.com/spf13/cobra"
	"github.com/tcdash/thinkcan/replay"
)

func newReplayCommand(a *app) *cobra.Command {
	var speed float64
	var loop bool
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Play trace file (.trc or candump .log) onto CAN bus with original timing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), a, args[0], speed, loop)
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 1, "playback speed multiplier")
	cmd.Flags().BoolVar(&loop, "loop", false, "restart playback from beginning when trace ends")
	return cmd
}

func runReplay(ctx context.Context, a *app, path string, speed float64, loop bool) error {
	player := replay.NewPlayer(replay.Config{Logger: a.componentLogger("replay")})
	if err := player.Load(path); err != nil {
		return err
	}
	if err := player.SetSpeed(speed); err != nil {
		return err
	}

	bus, err := a.openBus()
	if err != nil {
		return err
	}
	if err := player.Connect(bus); err != nil {
		bus.Close()
		return err
	}
	defer player.Disconnect()

	if err := player.Start(loop); err != nil {
		return err
	}
	a.logger.Info().Str("trace", path).Int("frames", player.Status().Total).Float64("speed", speed).Bool("loop", loop).Msg("playback started")

	select {
	case <-ctx.Done():
	case <-player.Done():
	}
	if _, err := player.Stop(); err != nil {
		return err
	}
	a.printJSON(player.Status())
	return nil
}
