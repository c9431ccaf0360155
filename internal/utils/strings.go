package utils

import "strings"

// FormatSpaces makes control characters in raw device bytes visible for logging
func FormatSpaces(s []byte) string {
	buf := strings.Builder{}
	buf.Grow(len(s))
	for _, c := range s {
		switch c {
		case '\a':
			buf.WriteString(`\a`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			buf.WriteByte(c)
		}
	}
	return buf.String()
}
