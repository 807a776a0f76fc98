package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	DefaultQuality  = "128k"
	MaxTrimDuration = 6 * time.Hour
)

var Qualities = []string{"64k", "96k", "128k", "160k", "192k", "256k", "320k"}

var (
	videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	tokenPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	pathIDPattern  = regexp.MustCompile(`^/(?:embed|v|shorts|live)/([A-Za-z0-9_-]{11})`)
)

var knownHosts = []string{
	"youtube.com",
	"www.youtube.com",
	"m.youtube.com",
	"music.youtube.com",
	"youtube-nocookie.com",
	"www.youtube-nocookie.com",
}

// ParseLocator normalizes a caller locator into a source key. Accepted forms
// are watch/embed/shorts URLs, youtu.be short links, and bare tokens.
func ParseLocator(locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return "", NewValidationError("locator", "empty")
	}
	if len(locator) > 2048 {
		return "", NewValidationError("locator", "too long")
	}
	if tokenPattern.MatchString(locator) {
		return locator, nil
	}

	raw := locator
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", NewValidationError("locator", "unrecognized format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", NewValidationError("locator", "unsupported scheme")
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "youtu.be":
		id := strings.Trim(u.Path, "/")
		if videoIDPattern.MatchString(id) {
			return id, nil
		}
	case slices.Contains(knownHosts, host):
		if u.Path == "/watch" {
			if id := u.Query().Get("v"); videoIDPattern.MatchString(id) {
				return id, nil
			}
		}
		if m := pathIDPattern.FindStringSubmatch(u.Path); m != nil {
			return m[1], nil
		}
	default:
		return "", NewValidationError("locator", "unsupported host")
	}
	return "", NewValidationError("locator", "no media identifier found")
}

// NormalizeQuality returns the effective bitrate, falling back to the default.
func NormalizeQuality(q, fallback string) (string, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		q = fallback
	}
	if q == "" {
		q = DefaultQuality
	}
	if !strings.HasSuffix(q, "k") {
		q += "k"
	}
	if !slices.Contains(Qualities, q) {
		return "", NewValidationError("quality", "unsupported bitrate")
	}
	return q, nil
}

func (t Trim) Validate() error {
	if t.IsZero() {
		return nil
	}
	if t.Start < 0 {
		return NewValidationError("trim", "start must not be negative")
	}
	if t.Duration <= 0 {
		return NewValidationError("trim", "duration must be positive")
	}
	if t.Duration > MaxTrimDuration {
		return NewValidationError("trim", "duration too long")
	}
	return nil
}

// ArtifactKey derives the deterministic cache key for an artifact.
func ArtifactKey(sourceKey, quality string, trim Trim) string {
	raw := fmt.Sprintf("%s:%s:%d:%d", sourceKey, quality, trim.Start.Milliseconds(), trim.Duration.Milliseconds())
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PlaceholderTitle is used when metadata could not be resolved.
func PlaceholderTitle(sourceKey string) string {
	return "Audio " + sourceKey
}
