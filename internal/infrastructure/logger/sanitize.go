package logger

import (
	"fmt"
	"strings"
)

// Sanitize escapes control characters before a string sourced from job
// parameters or external tool output reaches a log line. Newlines could
// forge entries, ANSI escapes could drive the terminal; both get escaped
// while regular Unicode passes through.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString("\\n")
		case r == '\r':
			b.WriteString("\\r")
		case r == '\t':
			b.WriteString("\\t")
		case r < 32 || r == 127:
			fmt.Fprintf(&b, "\\x%02x", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
