package stream

import (
	"fmt"
	"net/url"
	"strings"
)

// minStreamKeyLength is the sanity floor for the key segment embedded in an
// RTMP target. Real ingest keys are far longer; this only catches obviously
// truncated URLs before a transcode is spawned against them.
const minStreamKeyLength = 8

// ResolveTarget picks the effective RTMP destination for a stream: the
// override when supplied (playlist-level or instant-live), otherwise the
// record's own stored target. The result is validated and never recomputed
// after launch.
func ResolveTarget(override, stored string) (string, error) {
	target := strings.TrimSpace(override)
	if target == "" {
		target = strings.TrimSpace(stored)
	}
	if target == "" {
		return "", fmt.Errorf("%w: no destination configured", ErrInvalidTarget)
	}
	if err := ValidateTarget(target); err != nil {
		return "", err
	}
	return target, nil
}

// ValidateTarget checks that raw is an rtmp:// or rtmps:// URL with a host
// and an embedded stream key of plausible length.
func ValidateTarget(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "rtmp", "rtmps":
	default:
		return fmt.Errorf("%w: scheme %q not supported", ErrInvalidTarget, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	key := streamKey(parsed)
	if len(key) < minStreamKeyLength {
		return fmt.Errorf("%w: stream key too short", ErrInvalidTarget)
	}
	return nil
}

// RedactTarget masks the stream key for logs and command descriptions.
func RedactTarget(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Path == "" {
		return raw
	}
	key := streamKey(parsed)
	if key == "" {
		return raw
	}
	idx := strings.LastIndex(parsed.Path, key)
	if idx < 0 {
		return raw
	}
	parsed.Path = parsed.Path[:idx] + "****"
	// Keep the literal mask: without RawPath, String() re-escapes '*' to %2A.
	parsed.RawPath = parsed.Path
	return parsed.String()
}

// redactForLog strips query parameters and userinfo from a source URL before
// it reaches a log line. Tokens for hosted sources tend to live in the query.
func redactForLog(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

func streamKey(parsed *url.URL) string {
	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return ""
	}
	segments := strings.Split(path, "/")
	return segments[len(segments)-1]
}
