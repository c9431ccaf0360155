package main

import (
	"github.com/spf13/cobra"
	"github.com/tcdash/thinkcan/decoder"
	"github.com/tcdash/thinkcan/trace"
)

type traceInfo struct {
	Summary    trace.Summary `json:"summary"`
	DecodedIDs []string      `json:"decoded_ids"`
	UnknownIDs []string      `json:"unknown_ids"`
	Decoder    decoder.Stats `json:"decoder"`
	ChemistryB bool          `json:"chemistry_b"`
}

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <file>",
		Short: "Print trace statistics and decoder coverage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := trace.LoadFile(args[0], trace.ParseConfig{Logger: a.componentLogger("trace")})
			if err != nil {
				return err
			}
			a.printJSON(inspectTrace(t, decoder.NewDecoderWithConfig(decoder.Config{Logger: a.componentLogger("decoder")})))
			return nil
		},
	}
}

// inspectTrace decodes every trace record and reports which arbitration IDs decoder understands
func inspectTrace(t *trace.Trace, dec *decoder.Decoder) traceInfo {
	info := traceInfo{
		Summary:    trace.Analyze(t),
		DecodedIDs: make([]string, 0),
		UnknownIDs: make([]string, 0),
	}
	for _, r := range t.Records {
		dec.DecodeFrame(r.Frame)
	}
	for _, id := range t.UniqueIDs() {
		if dec.IsKnown(id) {
			info.DecodedIDs = append(info.DecodedIDs, formatID(id))
		} else {
			info.UnknownIDs = append(info.UnknownIDs, formatID(id))
		}
	}
	info.Decoder = dec.Stats()
	info.ChemistryB = dec.ChemistryB()
	return info
}
