package main

import (
	"fmt"
	"github.com/spf13/cobra"
	"github.com/tcdash/thinkcan/trace"
	"os"
	"path/filepath"
	"strings"
)

func newConvertCommand(a *app) *cobra.Command {
	var iface string
	cmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Convert between .trc and candump .log trace formats. Output format is chosen by extension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := trace.LoadFile(args[0], trace.ParseConfig{Logger: a.componentLogger("trace")})
			if err != nil {
				return err
			}
			if err := writeTraceFile(args[1], t, iface); err != nil {
				return err
			}
			a.logger.Info().Str("in", args[0]).Str("out", args[1]).Int("messages", t.Len()).Msg("trace converted")
			return nil
		},
	}
	cmd.Flags().StringVar(&iface, "iface", "can0", "interface name written into candump log")
	return cmd
}

// writeTraceFile writes trace as candump log when path has `.log` extension and as .trc file otherwise.
// Existing files are not overwritten.
func writeTraceFile(path string, t *trace.Trace, iface string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("output file create failure: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".log") {
		err = trace.WriteCandump(f, t, iface)
	} else {
		err = trace.Write(f, t)
	}
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("output file write failure: %w", err)
	}
	return nil
}

func formatID(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}
