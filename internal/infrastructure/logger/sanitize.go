package logger

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// maxFieldLength bounds untrusted values such as locators and subprocess output.
const maxFieldLength = 512

// SanitizeForLog escapes control characters in a string to prevent log injection attacks.
// It preserves Unicode characters (accented chars, emoji, CJK, etc.) while escaping:
// - Newlines (\n, \r) that could create fake log entries
// - Tabs (\t) that could misalign log output
// - Null bytes (\x00) that could truncate log entries
// - ANSI escape codes (\x1b) that could manipulate terminal output
// - Other control characters (< 32, 127) as hex escapes
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch r {
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		case '\t':
			result.WriteString("\\t")
		case '\x00':
			result.WriteString("\\x00")
		default:
			if r < 32 || r == 127 {
				result.WriteString(fmt.Sprintf("\\x%02x", r))
			} else {
				result.WriteRune(r)
			}
		}
	}
	return result.String()
}

// Truncate cuts s to at most maxFieldLength bytes on a rune boundary.
func Truncate(s string) string {
	if len(s) <= maxFieldLength {
		return s
	}
	cut := maxFieldLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// Untrusted returns a zap field whose value is truncated and sanitized.
func Untrusted(key, value string) zap.Field {
	return zap.String(key, SanitizeForLog(Truncate(value)))
}
