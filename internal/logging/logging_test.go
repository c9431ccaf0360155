package logging

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNew(t *testing.T) {
	var testCases = []struct {
		name        string
		whenLevel   string
		expectDebug bool
		expectInfo  bool
		expectError string
	}{
		{name: "debug", whenLevel: "debug", expectDebug: true, expectInfo: true},
		{name: "info", whenLevel: "info", expectInfo: true},
		{name: "empty defaults to info", whenLevel: "", expectInfo: true},
		{name: "warn", whenLevel: "warn"},
		{name: "invalid", whenLevel: "chatty", expectError: "invalid log level: "},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			logger, err := New(tc.whenLevel, buf)
			if tc.expectError != "" {
				assert.ErrorContains(t, err, tc.expectError)
				return
			}
			require.NoError(t, err)

			logger.Debug().Msg("debug message")
			logger.Info().Str("bus", "can0").Msg("info message")

			assert.Equal(t, tc.expectDebug, bytes.Contains(buf.Bytes(), []byte("debug message")))
			assert.Equal(t, tc.expectInfo, bytes.Contains(buf.Bytes(), []byte("info message")))
			if tc.expectInfo {
				assert.Contains(t, buf.String(), "bus=can0")
			}
		})
	}
}
