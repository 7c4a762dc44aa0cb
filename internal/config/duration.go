package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts Go duration strings plus the day and week units
// used by follow-up cadences: "30d", "1w", "1d12h", "2w3d".
// Day and week units must lead the string.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	var total time.Duration
	for {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) || (s[i] != 'd' && s[i] != 'w') {
			break
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, err
		}
		unit := 24 * time.Hour
		if s[i] == 'w' {
			unit *= 7
		}
		total += time.Duration(n) * unit
		s = s[i+1:]
	}
	if s == "" {
		if total == 0 && strings.TrimSpace(raw) == "" {
			return 0, fmt.Errorf("empty duration")
		}
		return total, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if total > 0 && d < 0 {
		return 0, fmt.Errorf("mixed signs in %q", raw)
	}
	return total + d, nil
}

// ParseDurationField parses an optional config duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
