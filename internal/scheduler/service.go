package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	logx "funnelbot/pkg/logx"
)

const defaultHistory = 50

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply installs a new config. A timezone change restarts the cron runner
// and re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start starts triggering. Jobs receive a context derived from ctx, so
// cancelling it aborts running jobs.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering and waits for running jobs or ctx. Definitions are
// kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		// running jobs get their context cancelled below
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// AddSchedule parses schedule and registers either a cron or an interval job.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "*/10 * * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

// AddCron registers job under name, replacing any schedule with that name.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.add(name, spec, timeout, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("schedule %q: interval must be > 0", name)
	}
	return s.add(name, "@every "+every.String(), timeout, job)
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so hot reloads never duplicate a schedule.
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It reports whether a schedule existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.run(d) })

	// Interval schedules get a random first-run delay to avoid a burst right
	// after start.
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok && !s.cfg.NoSpread {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) run(d *scheduleDef) {
	s.mu.Lock()
	parent := s.ctx
	timeout := d.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	start := time.Now()
	err := d.job(ctx)
	took := time.Since(start)

	s.mu.Lock()
	d.runs++
	d.lastRun = start
	d.lastTook = took
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	s.mu.Unlock()

	item := HistoryItem{Name: d.name, Started: start, Duration: took}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Trace("scheduled job done", logx.String("name", d.name), logx.Duration("took", took))
	}
	s.pushHistory(item)
}

func (s *Service) pushHistory(it HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	if limit <= 0 {
		limit = defaultHistory
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if over := len(s.history) - limit; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists the next n fire times of spec for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
