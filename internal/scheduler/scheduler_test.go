package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	logx "funnelbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every", raw: "EVERY: 5s", kind: SpecInterval, source: "duration", duration: 5 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "00:00", "01:75", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now, "sales.tick")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter = %s", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %s, want %s", first, want)
	}
	if second := sched.Next(first); second.Sub(first) != time.Minute {
		t.Fatalf("second run %s after first", second.Sub(first))
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddCron("x", "not cron", 0, job); err == nil {
		t.Fatal("bad cron accepted")
	}
	if err := s.AddInterval("x", 0, 0, job); err == nil {
		t.Fatal("zero interval accepted")
	}
	if err := s.AddInterval(" ", time.Second, 0, job); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.AddDaily("x", "7h", 0, job); err == nil {
		t.Fatal("bad daily time accepted")
	}
}

func TestRunsAndRecordsHistory(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(Config{Timezone: "UTC", NoSpread: true, DefaultTimeout: time.Second}, logx.Nop())
	var runs atomic.Int32
	boom := errors.New("boom")
	if err := s.AddInterval("tick", time.Second, 0, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		runs.Add(1)
		return boom
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDaily("nightly", "03:00", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.Stop(stopCtx)
	stopCancel()

	if runs.Load() == 0 {
		t.Fatal("interval job never ran")
	}
	snap := s.Snapshot()
	if snap.Running || snap.Timezone != "UTC" || len(snap.Schedules) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	var tick ScheduleInfo
	for _, it := range snap.Schedules {
		if it.Name == "tick" {
			tick = it
		}
	}
	if tick.Runs == 0 || tick.LastError != "boom" {
		t.Fatalf("tick = %+v", tick)
	}
	if len(snap.History) == 0 || snap.History[0].Error != "boom" {
		t.Fatalf("history = %+v", snap.History)
	}
}

func TestRemoveAndUpsert(t *testing.T) {
	t.Parallel()
	s := New(Config{NoSpread: true}, logx.Nop())
	job := func(context.Context) error { return nil }
	_ = s.AddSchedule("a", "5m", 0, job)
	_ = s.AddSchedule("a", "*/10 * * * * *", 0, job)
	_ = s.AddSchedule("b", "@daily", 0, job)

	snap := s.Snapshot()
	if len(snap.Schedules) != 2 || snap.Schedules[0].Spec != "*/10 * * * * *" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("Remove should report the first removal only")
	}
	if len(s.Snapshot().Schedules) != 1 {
		t.Fatal("schedule not removed")
	}
}
