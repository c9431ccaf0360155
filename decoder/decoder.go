package decoder

import (
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tcdash/thinkcan"
	"sort"
	"sync/atomic"
)

// Config configures Decoder
type Config struct {
	// Logger receives diagnostics about frames that failed to decode. Defaults to no-op logger.
	Logger *zerolog.Logger
}

// Stats holds decoder counters since creation.
type Stats struct {
	Decoded uint64 `json:"decoded"`
	Unknown uint64 `json:"unknown"`
	Failed  uint64 `json:"failed"`
}

// Decoder decodes ThinkCity CAN frames into named signals. Decoder is safe for concurrent use.
type Decoder struct {
	logger  zerolog.Logger
	layouts map[uint32]layout

	// chemistryB is set when EnerDel battery pack frames (0x610, 0x611) have been seen. It never resets.
	chemistryB atomic.Bool

	decoded atomic.Uint64
	unknown atomic.Uint64
	failed  atomic.Uint64
}

// NewDecoder creates new instance of ThinkCity frame decoder
func NewDecoder() *Decoder {
	return NewDecoderWithConfig(Config{})
}

// NewDecoderWithConfig creates new instance of ThinkCity frame decoder with given config
func NewDecoderWithConfig(config Config) *Decoder {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Decoder{
		logger:  logger,
		layouts: layouts,
	}
}

// ChemistryB reports if EnerDel (lithium) battery pack has been detected on the bus.
func (d *Decoder) ChemistryB() bool {
	return d.chemistryB.Load()
}

// Stats returns counters of decoded, unknown and failed frames.
func (d *Decoder) Stats() Stats {
	return Stats{
		Decoded: d.decoded.Load(),
		Unknown: d.unknown.Load(),
		Failed:  d.failed.Load(),
	}
}

// IsKnown reports if decoder has layout for given arbitration ID
func (d *Decoder) IsKnown(id uint32) bool {
	_, ok := d.layouts[id]
	return ok
}

// KnownIDs returns sorted list of arbitration IDs decoder has layout for
func KnownIDs() []uint32 {
	result := make([]uint32, 0, len(layouts))
	for id := range layouts {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// DecodeFrame decodes frame payload. See Decode.
func (d *Decoder) DecodeFrame(f thinkcan.Frame) (thinkcan.SignalSet, bool) {
	return d.Decode(f.ID, f.Payload())
}

// Decode decodes payload of frame with given arbitration ID to signals. Payload shorter than 8 bytes is padded with
// zeroes. Returns false for unknown arbitration IDs and for frames that failed to decode.
func (d *Decoder) Decode(id uint32, data []byte) (result thinkcan.SignalSet, ok bool) {
	l, ok := d.layouts[id]
	if !ok {
		d.unknown.Add(1)
		return nil, false
	}
	if l.chemistryB {
		d.chemistryB.Store(true)
	}

	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Warn().
				Str("frame", fmt.Sprintf("0x%03X", id)).
				Hex("data", data).
				Interface("panic", r).
				Msg("frame decode failed")
			result, ok = nil, false
		}
	}()

	var p payload
	copy(p[:], data)
	result = l.decode(p)
	d.decoded.Add(1)

	return result, true
}
