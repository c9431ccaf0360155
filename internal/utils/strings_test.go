package utils

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestFormatSpaces(t *testing.T) {
	var testCases = []struct {
		name   string
		when   []byte
		expect string
	}{
		{name: "frame", when: []byte("t30120C5A\r"), expect: `t30120C5A\r`},
		{name: "error bell", when: []byte("\a"), expect: `\a`},
		{name: "tabs and newlines", when: []byte("a\tb\n"), expect: `a\tb\n`},
		{name: "empty", when: nil, expect: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, FormatSpaces(tc.when))
		})
	}
}
