package qemu

import "strings"

// EscapeMonitorArg escapes s for use inside a double-quoted monitor argument.
func EscapeMonitorArg(s string) string {
	return escape(s, false)
}

// EscapeShellArg escapes s for a double-quoted monitor argument that is in
// turn embedded in single quotes of a shell command line.
func EscapeShellArg(s string) string {
	return escape(s, true)
}

func escape(s string, shell bool) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		switch r {
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		case '\\', '"':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\'':
			if shell {
				b.WriteString(`'\''`)
			} else {
				b.WriteRune(r)
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
