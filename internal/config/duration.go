package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// parseSpan is time.ParseDuration plus a leading whole-day component, so
// "2d", "1d12h" and "90m" are all accepted.
func parseSpan(s string) (time.Duration, error) {
	days, rest, ok := strings.Cut(s, "d")
	if !ok {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(days)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad day count %q", days)
	}
	d := time.Duration(n) * day
	if rest == "" {
		return d, nil
	}
	r, err := time.ParseDuration(rest)
	if err != nil {
		return 0, err
	}
	return d + r, nil
}

// ParseDurationField parses a non-negative duration; empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseSpan(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationList parses every entry, each of which must be positive.
// An empty list yields def.
func ParseDurationList(path string, raw []string, def []time.Duration) ([]time.Duration, error) {
	if len(raw) == 0 {
		return def, nil
	}
	out := make([]time.Duration, len(raw))
	for i, s := range raw {
		p := path + "[" + strconv.Itoa(i) + "]"
		d, err := ParseDurationField(p, s)
		if err != nil {
			return nil, err
		}
		if d == 0 {
			return nil, fmt.Errorf("%s: must be positive", p)
		}
		out[i] = d
	}
	return out, nil
}
