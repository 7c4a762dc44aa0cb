package app

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"funnelbot/internal/config"
	"funnelbot/internal/engage"
	"funnelbot/internal/ratelimit"
	"funnelbot/internal/scheduler"
	"funnelbot/internal/sendqueue"
	logx "funnelbot/pkg/logx"
)

const (
	defaultTimezone    = "America/Sao_Paulo"
	defaultTick        = 5 * time.Second
	defaultMaintenance = "@hourly"
)

// CheckConfig runs the checks that need more than the config file itself:
// timezone lookup, schedule syntax and the merged engagement settings.
func CheckConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := location(cfg); err != nil {
		return err
	}
	if _, err := tickInterval(cfg); err != nil {
		return err
	}
	if _, err := scheduler.ParseSchedule(maintenanceSpec(cfg)); err != nil {
		return fmt.Errorf("scheduler.maintenance: %w", err)
	}
	_, _, err := mapEngagement(cfg)
	return err
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			ChatID:     l.Alerts.ChatID,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func location(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Engagement.Timezone)
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("engagement.timezone: %w", err)
	}
	return loc, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Engagement.Timezone)
	}
	if tz == "" {
		tz = defaultTimezone
	}
	return scheduler.Config{Timezone: tz, DefaultTimeout: time.Minute}
}

func tickInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("engagement.tick_interval", cfg.Engagement.TickInterval, defaultTick)
}

func maintenanceSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Maintenance); s != "" {
		return s
	}
	return defaultMaintenance
}

// mapEngagement layers the file config over the built-in defaults. The
// result is the base that operator overrides are applied on.
func mapEngagement(cfg *config.Config) (engage.Settings, sendqueue.Config, error) {
	e := cfg.Engagement
	s := engage.DefaultSettings()
	var errs []error
	dur := func(path, raw string, dst *engage.Duration) {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if d > 0 {
			*dst = engage.Duration(d)
		}
	}

	if e.Window != (config.WindowConfig{}) {
		s.Window = ratelimit.Window{StartHour: e.Window.StartHour, EndHour: e.Window.EndHour}
	}
	setPositive(&s.Limits.PerMinute, e.Limits.PerMinute)
	setPositive(&s.Limits.PerHour, e.Limits.PerHour)
	setPositive(&s.Limits.PerDay, e.Limits.PerDay)
	setPositive(&s.Limits.PerContactPerDay, e.Limits.PerContactPerDay)
	if e.MinYearFollowUp != nil {
		s.MinYear = *e.MinYearFollowUp
	}

	if len(e.StepDelays) > 0 {
		delays := make([]engage.Duration, 0, len(e.StepDelays))
		for i, raw := range e.StepDelays {
			d, err := config.ParseDurationField(fmt.Sprintf("engagement.step_delays[%d]", i), raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			delays = append(delays, engage.Duration(d))
		}
		s.StepDelays = delays
	}
	dur("engagement.fallback_delay", e.FallbackDelay, &s.FallbackDelay)
	dur("engagement.dedup_window", e.DedupWindow, &s.DedupWindow)
	dur("engagement.agenda_retention", e.AgendaRetention, &s.AgendaRetention)
	if len(e.AgendaOffsets) > 0 {
		offs := make([]engage.Offset, 0, len(e.AgendaOffsets))
		for i, o := range e.AgendaOffsets {
			d, err := config.ParseDurationField(fmt.Sprintf("engagement.agenda_offsets[%d].before", i), o.Before)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			offs = append(offs, engage.Offset{Key: strings.TrimSpace(o.Key), Before: engage.Duration(d)})
		}
		s.AgendaOffsets = offs
	}

	if e.ClientLoop.Enabled != nil {
		s.ClientLoop = *e.ClientLoop.Enabled
	}
	dur("engagement.client_loop.interval", e.ClientLoop.Interval, &s.ClientInterval)
	if k := strings.TrimSpace(e.ClientLoop.Key); k != "" {
		s.ClientKey = k
	}
	dur("engagement.pause_for", e.PauseFor, &s.PauseFor)
	dur("engagement.manual_off_for", e.ManualOffFor, &s.ManualOffFor)
	dur("engagement.remove_pause_for", e.RemovePauseFor, &s.RemovePauseFor)
	s.CountryCode = strings.TrimSpace(e.CountryCode)

	w := e.Commands
	setWord(&s.Commands.Stop, w.Stop)
	setWord(&s.Commands.Pause, w.Pause)
	setWord(&s.Commands.Client, w.Client)
	setWord(&s.Commands.Remove, w.Remove)
	setWord(&s.Commands.BotOff, w.BotOff)
	maps.Copy(s.Messages, e.Messages)
	for k, q := range e.Quotes {
		s.Quotes[k] = engage.Quote{Title: q.Title, Template: q.Template}
	}

	qc := cfg.Queue
	q := sendqueue.DefaultConfig()
	var err error
	if q.PollInterval, err = config.ParseDurationOrDefault("queue.poll_interval", qc.PollInterval, q.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if q.SendTimeout, err = config.ParseDurationOrDefault("queue.send_timeout", qc.SendTimeout, q.SendTimeout); err != nil {
		errs = append(errs, err)
	}
	if qc.MaxRetries != nil {
		q.MaxRetries = *qc.MaxRetries
	}
	// Jitter lives in Settings so operators can tune it at runtime.
	dur("queue.jitter_min", qc.JitterMin, &s.JitterMin)
	dur("queue.jitter_max", qc.JitterMax, &s.JitterMax)

	if len(errs) == 0 {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("engagement: %w", err))
		}
	}
	if len(errs) > 0 {
		return engage.Settings{}, sendqueue.Config{}, errors.Join(errs...)
	}
	return s, q, nil
}

func setPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setWord(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
