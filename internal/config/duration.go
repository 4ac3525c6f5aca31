package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a user supplied duration string. Empty input
// means unset and parses to zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: cannot parse duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative durations are not allowed", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d > 0 {
		return d, nil
	}
	return def, nil
}
