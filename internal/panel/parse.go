package panel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tokenize splits command text into tokens. Single or double quotes group
// words and a backslash escapes the next byte:
//
//	/send 5511999990001 "bom dia, tudo bem?"
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			inQ, qChar = true, ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// commandName extracts "pause" from "/pause@funnel_bot".
func commandName(tok string) string {
	name := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}

// parseWhen reads a local date and time ("2026-03-20" "14:30", also
// "20/03/2026") in loc.
func parseWhen(date, clock string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04", "02/01/2006 15:04"} {
		if t, err := time.ParseInLocation(layout, date+" "+clock, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date/time %q %q (use YYYY-MM-DD HH:MM)", date, clock)
}

// parseDur accepts Go durations plus a day suffix ("3d", "1d12h").
func parseDur(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return days + d, nil
}
