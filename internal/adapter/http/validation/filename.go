// Package validation turns untrusted titles into safe download names.
package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxFilenameLength = 255

// Characters that could break out of a quoted header value or name a path.
var dangerousChars = map[rune]bool{
	'"':  true,
	'\\': true,
	'/':  true,
	':':  true,
	'*':  true,
	'?':  true,
	'<':  true,
	'>':  true,
	'|':  true,
}

// SanitizeFilename replaces control and path characters with underscores,
// keeps Unicode, and truncates to 255 bytes while preserving the extension.
// Empty results become "file".
func SanitizeFilename(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if r < 32 || r == 127 || dangerousChars[r] {
			sb.WriteRune('_')
		} else {
			sb.WriteRune(r)
		}
	}

	result := strings.TrimSpace(sb.String())
	if strings.Trim(result, "_.") == "" {
		return "file"
	}
	if len(result) > maxFilenameLength {
		result = truncatePreservingExtension(result)
	}
	return result
}

// DownloadFilename names an MP3 after its title, falling back to the source key.
func DownloadFilename(title, sourceKey string) string {
	base := strings.TrimSpace(title)
	if base == "" {
		base = sourceKey
	}
	return SanitizeFilename(strings.TrimSuffix(base, ".mp3") + ".mp3")
}

func truncatePreservingExtension(name string) string {
	ext := filepath.Ext(name)
	if ext == "" || len(ext) >= maxFilenameLength {
		return truncateToBytes(name, maxFilenameLength)
	}
	base := name[:len(name)-len(ext)]
	return truncateToBytes(base, maxFilenameLength-len(ext)) + ext
}

// truncateToBytes cuts s to at most maxBytes without splitting a rune.
func truncateToBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// ContentDisposition returns an attachment or inline header value. Non-ASCII
// names get an ASCII fallback plus an RFC 5987 filename* parameter.
func ContentDisposition(filename string, inline bool) string {
	sanitized := SanitizeFilename(filename)

	disposition := "attachment"
	if inline {
		disposition = "inline"
	}

	ascii := asciiFallback(sanitized)
	if ascii == sanitized {
		return fmt.Sprintf("%s; filename=%q", disposition, sanitized)
	}
	return fmt.Sprintf("%s; filename=%q; filename*=UTF-8''%s", disposition, ascii, url.PathEscape(sanitized))
}

func asciiFallback(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r < utf8.RuneSelf {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
