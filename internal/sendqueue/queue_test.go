package sendqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"funnelbot/internal/eventbus"
	"funnelbot/internal/ratelimit"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string // "handle:text"
	fail  map[string]error
	block chan struct{} // when set, Send waits on it
}

func (f *fakeSender) Send(ctx context.Context, handle, text string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[handle]; err != nil {
		return err
	}
	f.sent = append(f.sent, handle+":"+text)
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestQueue(t *testing.T, s Sender, g Gate, c *clock, h Hooks) *Queue {
	t.Helper()
	cfg := Config{PollInterval: 10 * time.Millisecond, SendTimeout: time.Second, MaxRetries: 1}
	return New(s, g, cfg, WithClock(c.Now), WithHooks(h))
}

func openGate(l ratelimit.Limits) *ratelimit.Gate {
	return ratelimit.NewGate(time.UTC, ratelimit.Window{StartHour: 0, EndHour: 24}, l, nil)
}

var start = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestEnqueueDedupAndLen(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	q := newTestQueue(t, &fakeSender{}, openGate(ratelimit.DefaultLimits()), c, Hooks{})

	if _, err := q.Enqueue(Intent{Handle: "a", Text: "hi", Kind: KindFollowUp, Meta: "step0"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(Intent{Handle: "a", Text: "hi", Kind: KindFollowUp, Meta: "step0"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("dup err = %v", err)
	}
	if _, err := q.Enqueue(Intent{Handle: "a", Text: "", Kind: KindFollowUp}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("empty text err = %v", err)
	}
	if _, err := q.Enqueue(Intent{Handle: "a", Text: "x", Kind: KindAgenda, Meta: "agenda0"}); err != nil {
		t.Fatalf("Enqueue agenda: %v", err)
	}
	if q.Len() != 2 || !q.Has("a", KindFollowUp, "step0") {
		t.Fatalf("Len=%d", q.Len())
	}
}

func TestCycleSendsInOrderAndCommits(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	s := &fakeSender{}
	g := openGate(ratelimit.DefaultLimits())
	var sentHook []string
	q := newTestQueue(t, s, g, c, Hooks{OnSent: func(it Intent, _ time.Time) { sentHook = append(sentHook, it.Meta) }})

	for _, m := range []string{"step0", "step1"} {
		if _, err := q.Enqueue(Intent{Handle: "h-" + m, Text: m, Kind: KindFollowUp, Meta: m}); err != nil {
			t.Fatal(err)
		}
	}
	if n := q.Cycle(context.Background()); n != 2 {
		t.Fatalf("Cycle sent %d, want 2", n)
	}
	got := s.Sent()
	if len(got) != 2 || got[0] != "h-step0:step0" || got[1] != "h-step1:step1" {
		t.Fatalf("sent = %v", got)
	}
	if len(sentHook) != 2 || q.Len() != 0 {
		t.Fatalf("hook=%v len=%d", sentHook, q.Len())
	}
	if u := g.Usage(start); u.Minute != 2 {
		t.Fatalf("committed minute = %d", u.Minute)
	}
	// key released: the same intent can be queued again
	if _, err := q.Enqueue(Intent{Handle: "h-step0", Text: "x", Kind: KindFollowUp, Meta: "step0"}); err != nil {
		t.Fatalf("re-enqueue after send: %v", err)
	}
}

func TestGlobalDenialStopsCycleAndKeepsOrder(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	s := &fakeSender{}
	g := openGate(ratelimit.Limits{PerMinute: 1})
	q := newTestQueue(t, s, g, c, Hooks{})
	for _, h := range []string{"a", "b", "c"} {
		_, _ = q.Enqueue(Intent{Handle: h, Text: "t", Kind: KindFollowUp, Meta: "step0"})
	}
	if n := q.Cycle(context.Background()); n != 1 {
		t.Fatalf("sent %d, want 1", n)
	}
	if q.Len() != 2 || q.Stats().LastDenial != string(ratelimit.ReasonLimitMinute) {
		t.Fatalf("len=%d stats=%+v", q.Len(), q.Stats())
	}
	if p := q.Pending(); p[0].Handle != "b" || p[1].Handle != "c" {
		t.Fatalf("pending order = %v", p)
	}
	c.Add(time.Minute)
	if n := q.Cycle(context.Background()); n != 1 {
		t.Fatalf("second cycle sent %d", n)
	}
	if p := q.Pending(); len(p) != 1 || p[0].Handle != "c" {
		t.Fatalf("pending = %v", p)
	}
}

func TestOutsideWindowSendsNothing(t *testing.T) {
	t.Parallel()
	c := &clock{t: start} // 12:00 UTC
	g := ratelimit.NewGate(time.UTC, ratelimit.Window{StartHour: 13, EndHour: 14}, ratelimit.DefaultLimits(), nil)
	s := &fakeSender{}
	q := newTestQueue(t, s, g, c, Hooks{})
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindImmediate})
	if n := q.Cycle(context.Background()); n != 0 || q.Len() != 1 {
		t.Fatalf("sent=%d len=%d", n, q.Len())
	}
	c.Add(time.Hour)
	if n := q.Cycle(context.Background()); n != 1 {
		t.Fatalf("inside window sent=%d", n)
	}
}

func TestContactDenialSkipsToNext(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	s := &fakeSender{}
	g := openGate(ratelimit.Limits{PerContactPerDay: 1})
	g.Commit("a", start)
	q := newTestQueue(t, s, g, c, Hooks{})
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindFollowUp, Meta: "step1"})
	_, _ = q.Enqueue(Intent{Handle: "b", Text: "t", Kind: KindFollowUp, Meta: "step0"})
	if n := q.Cycle(context.Background()); n != 1 {
		t.Fatalf("sent %d", n)
	}
	if got := s.Sent(); len(got) != 1 || got[0] != "b:t" {
		t.Fatalf("sent = %v", got)
	}
	if p := q.Pending(); len(p) != 1 || p[0].Handle != "a" {
		t.Fatalf("pending = %v", p)
	}
}

func TestFailureRetriesOnceThenDrops(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	boom := errors.New("socket closed")
	s := &fakeSender{fail: map[string]error{"a": boom}}
	g := openGate(ratelimit.DefaultLimits())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var dropped []Intent
	cfg := Config{PollInterval: 10 * time.Millisecond, SendTimeout: time.Second, MaxRetries: 1}
	q := New(s, g, cfg, WithClock(c.Now), WithBus(bus), WithHooks(Hooks{
		OnDropped: func(it Intent, err error) { dropped = append(dropped, it) },
	}))
	done := make(chan Result, 1)
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindDeferred, Done: done})

	q.Cycle(context.Background())
	if q.Len() != 1 || q.Pending()[0].Attempts != 1 {
		t.Fatalf("after first failure: len=%d", q.Len())
	}
	// the retry is not due within the same poll period
	q.Cycle(context.Background())
	if q.Stats().Failed != 1 {
		t.Fatalf("retried too early: %+v", q.Stats())
	}
	c.Add(20 * time.Millisecond)
	q.Cycle(context.Background())

	st := q.Stats()
	if st.Failed != 2 || st.Dropped != 1 || q.Len() != 0 || st.LastError == "" {
		t.Fatalf("stats = %+v len=%d", st, q.Len())
	}
	if len(dropped) != 1 {
		t.Fatalf("OnDropped calls = %d", len(dropped))
	}
	if u := g.Usage(c.Now()); u.TotalSent != 0 {
		t.Fatal("failed sends must not commit")
	}
	select {
	case r := <-done:
		if r.Sent() || !errors.Is(r.Err, boom) {
			t.Fatalf("result = %+v", r)
		}
	default:
		t.Fatal("no result delivered")
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{eventbus.SendFailed, eventbus.SendFailed, eventbus.SendDropped}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v", types)
		}
	}
}

func TestNoRetryDropsImmediately(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	s := &fakeSender{fail: map[string]error{"a": NoRetry(errors.New("forbidden"))}}
	q := newTestQueue(t, s, openGate(ratelimit.DefaultLimits()), c, Hooks{})
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindQuote})
	q.Cycle(context.Background())
	if st := q.Stats(); st.Dropped != 1 || q.Len() != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	s := &fakeSender{block: make(chan struct{})}
	cfg := Config{PollInterval: 10 * time.Millisecond, SendTimeout: 20 * time.Millisecond, MaxRetries: 0}
	q := New(s, openGate(ratelimit.DefaultLimits()), cfg, WithClock(c.Now))
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindFollowUp, Meta: "step0"})
	q.Cycle(context.Background())
	st := q.Stats()
	if st.Dropped != 1 || !strings.Contains(st.LastError, "timed out") {
		t.Fatalf("stats = %+v", st)
	}
}

// slowSender ignores ctx and reports success after delay.
type slowSender struct {
	delay    time.Duration
	returned chan struct{}
}

func (s *slowSender) Send(_ context.Context, _, _ string) error {
	time.Sleep(s.delay)
	close(s.returned)
	return nil
}

func TestSendTimeoutBoundsSenderIgnoringContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := &clock{t: start}
	s := &slowSender{delay: 500 * time.Millisecond, returned: make(chan struct{})}
	g := openGate(ratelimit.Limits{PerMinute: 10, PerHour: 10, PerDay: 10, PerContactPerDay: 1})
	cfg := Config{PollInterval: 10 * time.Millisecond, SendTimeout: 50 * time.Millisecond, MaxRetries: 0}
	var sent int
	q := New(s, g, cfg, WithClock(c.Now), WithHooks(Hooks{OnSent: func(Intent, time.Time) { sent++ }}))
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindFollowUp, Meta: "step0"})

	began := time.Now()
	if n := q.Cycle(context.Background()); n != 0 {
		t.Fatalf("Cycle sent %d", n)
	}
	if took := time.Since(began); took >= 400*time.Millisecond {
		t.Fatalf("cycle held the lane for %s", took)
	}
	st := q.Stats()
	if st.Sent != 0 || st.Failed != 1 || st.Dropped != 1 || !strings.Contains(st.LastError, "timed out") {
		t.Fatalf("stats = %+v", st)
	}
	if sent != 0 || q.Len() != 0 {
		t.Fatalf("OnSent calls=%d len=%d", sent, q.Len())
	}

	// The abandoned send still succeeded, so the contact's daily slot is used.
	<-s.returned
	deadline := time.Now().Add(time.Second)
	for g.Check("a", c.Now()).Allowed {
		if time.Now().After(deadline) {
			t.Fatal("late success never charged the gate")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSuccessfulSendChargesGate(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	s := &fakeSender{}
	g := openGate(ratelimit.Limits{PerMinute: 10, PerHour: 10, PerDay: 10, PerContactPerDay: 1})
	cfg := Config{PollInterval: 10 * time.Millisecond, SendTimeout: time.Second, MaxRetries: 1}
	q := New(s, g, cfg, WithClock(c.Now))
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindFollowUp, Meta: "step0"})
	if n := q.Cycle(context.Background()); n != 1 {
		t.Fatalf("Cycle sent %d", n)
	}
	if st := q.Stats(); st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if g.Check("a", c.Now()).Allowed {
		t.Fatal("successful send not committed")
	}
}

func TestEnqueueRechecksAllowUnderLock(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	var mu sync.Mutex
	calls := 0
	// The first call passes and the contact is blocked right after it, as a
	// Block racing with Enqueue would do.
	allow := func(string) bool {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls == 1
	}
	q := newTestQueue(t, &fakeSender{}, openGate(ratelimit.DefaultLimits()), c, Hooks{Allow: allow})
	if _, err := q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindFollowUp, Meta: "step0"}); !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v", err)
	}
	if q.Len() != 0 || q.Has("a", KindFollowUp, "step0") {
		t.Fatalf("blocked intent queued, len=%d", q.Len())
	}
}

func TestGuardDropsBlockedContacts(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	s := &fakeSender{}
	var mu sync.Mutex
	blocked := map[string]bool{}
	allow := func(h string) bool {
		mu.Lock()
		defer mu.Unlock()
		return !blocked[h]
	}
	q := newTestQueue(t, s, openGate(ratelimit.DefaultLimits()), c, Hooks{Allow: allow})

	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindFollowUp, Meta: "step0"})
	mu.Lock()
	blocked["a"] = true
	mu.Unlock()
	if _, err := q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindAgenda, Meta: "agenda0"}); !errors.Is(err, ErrBlocked) {
		t.Fatalf("enqueue blocked err = %v", err)
	}
	q.Cycle(context.Background())
	if len(s.Sent()) != 0 || q.Len() != 0 {
		t.Fatalf("blocked contact sent=%v len=%d", s.Sent(), q.Len())
	}
}

func TestCancelStripsPendingByKind(t *testing.T) {
	t.Parallel()
	c := &clock{t: start}
	q := newTestQueue(t, &fakeSender{}, openGate(ratelimit.DefaultLimits()), c, Hooks{})
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindFollowUp, Meta: "step0"})
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindAgenda, Meta: "agenda0"})
	_, _ = q.Enqueue(Intent{Handle: "b", Text: "t", Kind: KindAgenda, Meta: "agenda0"})

	if n := q.Cancel("a", KindAgenda); n != 1 {
		t.Fatalf("cancelled %d", n)
	}
	if q.Has("a", KindAgenda, "agenda0") || !q.Has("a", KindFollowUp, "step0") {
		t.Fatal("wrong intents removed")
	}
	if n := q.Cancel("a"); n != 1 || q.Len() != 1 {
		t.Fatalf("cancel all: n=%d len=%d", n, q.Len())
	}
}

func TestCancelDuringJitterDropsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := &clock{t: start}
	s := &fakeSender{}
	cfg := Config{PollInterval: 10 * time.Millisecond, SendTimeout: time.Second, JitterMin: 100 * time.Millisecond, JitterMax: 100 * time.Millisecond}
	q := New(s, openGate(ratelimit.DefaultLimits()), cfg, WithClock(c.Now))
	done := make(chan Result, 1)
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindFollowUp, Meta: "step0", Done: done})

	cycled := make(chan struct{})
	go func() {
		q.Cycle(context.Background())
		close(cycled)
	}()
	deadline := time.Now().Add(time.Second)
	for !q.Stats().InFlight && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	q.Cancel("a")
	<-cycled

	if len(s.Sent()) != 0 {
		t.Fatalf("cancelled intent was sent: %v", s.Sent())
	}
	if r := <-done; !errors.Is(r.Err, ErrCancelled) {
		t.Fatalf("result = %+v", r)
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d", q.Len())
	}
}

func TestRunDrainsOnWakeAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := &fakeSender{}
	cfg := Config{PollInterval: time.Hour, SendTimeout: time.Second}
	q := New(s, openGate(ratelimit.DefaultLimits()), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(stopped)
	}()

	done := make(chan Result, 1)
	_, _ = q.Enqueue(Intent{Handle: "a", Text: "t", Kind: KindImmediate, Done: done})
	select {
	case r := <-done:
		if !r.Sent() {
			t.Fatalf("result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue did not wake the worker")
	}
	cancel()
	<-stopped
}
