package logging

import (
	"fmt"
	"github.com/rs/zerolog"
	"io"
	"time"
)

// New creates console logger writing to w with given minimum level (debug, info, warn, error, ...).
func New(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Logger(), nil
}
