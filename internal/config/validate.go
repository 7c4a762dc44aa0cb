package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks structure that does not depend on runtime state: bot ids,
// hour ranges, limit signs, duration syntax and known timezones.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if len(cfg.Bots) == 0 {
		add("bots: at least one bot is required")
	}
	ids := make(map[string]bool, len(cfg.Bots))
	for i, b := range cfg.Bots {
		id := strings.TrimSpace(b.ID)
		switch {
		case id == "":
			add("bots[%d].id: required", i)
		case strings.ContainsAny(id, "/\\: "):
			add("bots[%d].id: %q must not contain '/', '\\', ':' or spaces", i, id)
		case ids[id]:
			add("bots[%d].id: duplicate %q", i, id)
		}
		ids[id] = true
		if !b.Disabled && strings.TrimSpace(b.Telegram.Token) == "" {
			add("bots[%d].telegram.token: required (or set FUNNELBOT_%s_TOKEN)", i, envKey(id))
		}
		if _, err := ParseDurationField(fmt.Sprintf("bots[%d].telegram.poll_timeout", i), b.Telegram.PollTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	e := cfg.Engagement
	if tz := strings.TrimSpace(e.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("engagement.timezone: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %w", err)
		}
	}
	if e.Window != (WindowConfig{}) {
		if e.Window.StartHour < 0 || e.Window.StartHour > 23 || e.Window.EndHour < 1 || e.Window.EndHour > 24 {
			add("engagement.window: hours must be within 0..24")
		} else if e.Window.StartHour >= e.Window.EndHour {
			add("engagement.window: start_hour must be before end_hour")
		}
	}
	l := e.Limits
	if l.PerMinute < 0 || l.PerHour < 0 || l.PerDay < 0 || l.PerContactPerDay < 0 {
		add("engagement.limits: values must be >= 0")
	}
	if e.MinYearFollowUp != nil && *e.MinYearFollowUp < 0 {
		add("engagement.min_year_follow_up: must be >= 0")
	}
	for i, s := range e.StepDelays {
		if _, err := ParseDurationField(fmt.Sprintf("engagement.step_delays[%d]", i), s); err != nil {
			errs = append(errs, err)
		}
	}
	for i, o := range e.AgendaOffsets {
		if strings.TrimSpace(o.Key) == "" {
			add("engagement.agenda_offsets[%d].key: required", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("engagement.agenda_offsets[%d].before", i), o.Before); err != nil {
			errs = append(errs, err)
		}
	}
	durations := map[string]string{
		"engagement.fallback_delay":       e.FallbackDelay,
		"engagement.dedup_window":         e.DedupWindow,
		"engagement.agenda_retention":     e.AgendaRetention,
		"engagement.client_loop.interval": e.ClientLoop.Interval,
		"engagement.tick_interval":        e.TickInterval,
		"engagement.pause_for":            e.PauseFor,
		"engagement.manual_off_for":       e.ManualOffFor,
		"engagement.remove_pause_for":     e.RemovePauseFor,
		"queue.poll_interval":             cfg.Queue.PollInterval,
		"queue.send_timeout":              cfg.Queue.SendTimeout,
		"queue.jitter_min":                cfg.Queue.JitterMin,
		"queue.jitter_max":                cfg.Queue.JitterMax,
		"storage.busy_timeout":            cfg.Storage.BusyTimeout,
		"http.read_timeout":               cfg.HTTP.ReadTimeout,
		"http.write_timeout":              cfg.HTTP.WriteTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Queue.MaxRetries != nil && *cfg.Queue.MaxRetries < 0 {
		add("queue.max_retries: must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "memory", "mem":
	case "redis":
		if strings.TrimSpace(cfg.Storage.URL) == "" {
			add("storage.url: required for redis driver")
		}
	default:
		add("storage.driver: unknown %q", cfg.Storage.Driver)
	}

	if cfg.HTTP.Enabled && !isLoopbackAddr(cfg.HTTP.Addr) && strings.TrimSpace(cfg.HTTP.Token) == "" {
		add("http.token: required when http.addr is not loopback")
	}

	return errors.Join(errs...)
}

func isLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}
