package funnel

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"funnelbot/internal/contact"
	"funnelbot/internal/ratelimit"
	"funnelbot/internal/sendqueue"
	"funnelbot/internal/storage"
	logx "funnelbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeQueue mimics the dedup and cancel semantics of sendqueue.Queue.
type fakeQueue struct {
	mu    sync.Mutex
	items []sendqueue.Intent
}

func (f *fakeQueue) Enqueue(it sendqueue.Intent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.items {
		if x.Key() == it.Key() {
			return "", sendqueue.ErrDuplicate
		}
	}
	f.items = append(f.items, it)
	return it.Key(), nil
}

func (f *fakeQueue) Cancel(handle string, kinds ...sendqueue.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	kept := f.items[:0]
	for _, x := range f.items {
		if x.Handle == handle && (len(kinds) == 0 || slices.Contains(kinds, x.Kind)) {
			n++
			continue
		}
		kept = append(kept, x)
	}
	f.items = kept
	return n
}

// take removes and returns everything queued, as a worker would.
func (f *fakeQueue) take() []sendqueue.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.items
	f.items = nil
	return out
}

func (f *fakeQueue) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Messages = map[string]string{
		"step0":      "Oi {{NOME}}!",
		"step1":      "step one",
		"step2":      "step two",
		"step3":      "step three",
		"postSale30": "tudo certo com o {{veiculo}}?",
		"agenda0":    "faltam 7 dias: {{ DATA }}",
		"agenda1":    "faltam 3 dias: {{DATA}}",
		"agenda2":    "amanha: {{DATA}} {{HORA}}",
	}
	return p
}

func TestRender(t *testing.T) {
	t.Parallel()
	cases := []struct {
		tpl  string
		data map[string]string
		want string
	}{
		{"Oi {{NOME}}", map[string]string{"NOME": "Ana"}, "Oi Ana"},
		{"{{ nome }}/{{Nome}}", map[string]string{"nome": "Bia"}, "Bia/Bia"},
		{"valor: {{VALOR}}.", nil, "valor: ."},
		{"{{not-a-key}}", map[string]string{"X": "y"}, "{{not-a-key}}"},
		{"", map[string]string{"A": "b"}, ""},
	}
	for _, tc := range cases {
		if got := Render(tc.tpl, tc.data); got != tc.want {
			t.Fatalf("Render(%q) = %q, want %q", tc.tpl, got, tc.want)
		}
	}
}

func TestPolicyDelay(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	cases := map[int]time.Duration{0: 0, 1: 24 * time.Hour, 3: 72 * time.Hour, 4: 24 * time.Hour, 9: 24 * time.Hour}
	for idx, want := range cases {
		if got := p.Delay(idx); got != want {
			t.Fatalf("Delay(%d) = %s, want %s", idx, got, want)
		}
	}
}

func TestFollowUpFirstStepScenario(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	f := NewFollowUp(book, q, logx.Nop())
	p := testPolicy()

	_, _ = book.Update("1", t0, func(r *contact.Record) error { r.Name = "Ana"; return nil })
	if n := f.Scan(p, t0); n != 1 {
		t.Fatalf("Scan enqueued %d", n)
	}
	it := q.take()[0]
	if it.Meta != "step0" || it.Text != "Oi Ana!" {
		t.Fatalf("intent = %+v", it)
	}

	r, err := f.OnSent("1", it.Meta, p, t0)
	if err != nil {
		t.Fatalf("OnSent: %v", err)
	}
	if r.StepIndex != 1 || r.Stage != contact.StageNegotiating || !r.NextEligibleAt.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("after step0: %+v", r)
	}

	if n := f.Scan(p, t0.Add(time.Hour)); n != 0 {
		t.Fatalf("tick one hour later enqueued %d", n)
	}
	if n := f.Scan(p, t0.Add(24*time.Hour)); n != 1 || q.take()[0].Meta != "step1" {
		t.Fatal("step1 not enqueued when due")
	}
}

func TestFollowUpTickIsIdempotent(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	f := NewFollowUp(book, q, logx.Nop())
	p := testPolicy()
	for _, h := range []string{"1", "2", "3"} {
		_, _ = book.Ensure(h, t0)
	}
	first := f.Scan(p, t0)
	second := f.Scan(p, t0)
	if first != 3 || second != 0 || q.len() != 3 {
		t.Fatalf("first=%d second=%d queued=%d", first, second, q.len())
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, handle, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, handle+":"+text)
	s.mu.Unlock()
	return nil
}

// A tick running while the worker applies a confirmed send must not enqueue
// the same step again.
func TestFollowUpTickDuringSendConfirmation(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	p := testPolicy()
	gate := ratelimit.NewGate(time.UTC, ratelimit.Window{StartHour: 0, EndHour: 24}, ratelimit.DefaultLimits(), nil)
	s := &recordingSender{}

	var (
		f          *FollowUp
		inProgress int
	)
	hooks := sendqueue.Hooks{
		Allow: func(h string) bool { return !book.IsBlocked(h) },
		OnSent: func(it sendqueue.Intent, at time.Time) {
			inProgress += f.Scan(p, at)
			if _, err := f.OnSent(it.Handle, it.Meta, p, at); err != nil {
				t.Errorf("OnSent: %v", err)
			}
		},
	}
	cfg := sendqueue.Config{PollInterval: 10 * time.Millisecond, SendTimeout: time.Second}
	q := sendqueue.New(s, gate, cfg, sendqueue.WithClock(func() time.Time { return t0 }), sendqueue.WithHooks(hooks))
	f = NewFollowUp(book, q, logx.Nop())

	_, _ = book.Update("1", t0, func(r *contact.Record) error { r.Name = "Ana"; return nil })
	if n := f.Scan(p, t0); n != 1 {
		t.Fatalf("Scan enqueued %d", n)
	}
	for range 3 {
		q.Cycle(context.Background())
		f.Scan(p, t0)
	}

	if inProgress != 0 {
		t.Fatalf("tick during confirmation enqueued %d", inProgress)
	}
	s.mu.Lock()
	sent := append([]string(nil), s.sent...)
	s.mu.Unlock()
	if len(sent) != 1 || sent[0] != "1:Oi Ana!" {
		t.Fatalf("sent = %q", sent)
	}
	if r, _ := book.Get("1"); r.StepIndex != 1 {
		t.Fatalf("StepIndex = %d", r.StepIndex)
	}
}

func TestFollowUpDedupWindow(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	f := NewFollowUp(book, q, logx.Nop())
	p := testPolicy()
	// step0 was just sent but the index has not advanced (operator reset)
	_, _ = book.Update("1", t0, func(r *contact.Record) error { r.MarkSent("step0", t0); return nil })
	if n := f.Scan(p, t0.Add(5*time.Minute)); n != 0 {
		t.Fatal("step re-sent inside dedup window")
	}
	if n := f.Scan(p, t0.Add(11*time.Minute)); n != 1 {
		t.Fatal("step not sent after dedup window")
	}
}

func TestFollowUpExclusions(t *testing.T) {
	t.Parallel()
	p := testPolicy()
	f := NewFollowUp(contact.NewBook(nil, logx.Nop()), &fakeQueue{}, logx.Nop())
	cases := []struct {
		name string
		mut  func(r *contact.Record)
		want Exclusion
		key  string
	}{
		{"fresh", func(r *contact.Record) {}, "", "step0"},
		{"blocked", func(r *contact.Record) { r.Blocked = true }, ExclBlocked, ""},
		{"paused", func(r *contact.Record) { r.PausedUntil = t0.Add(time.Hour) }, ExclSuppressed, ""},
		{"pause expired", func(r *contact.Record) { r.PausedUntil = t0.Add(-time.Second) }, "", "step0"},
		{"manual off", func(r *contact.Record) { r.ManualOffUntil = t0.Add(time.Hour) }, ExclSuppressed, ""},
		{"not due", func(r *contact.Record) { r.NextEligibleAt = t0.Add(time.Minute) }, ExclNotDue, ""},
		{"old car", func(r *contact.Record) { r.DetectedYear = 2019 }, ExclMinYear, ""},
		{"new car", func(r *contact.Record) { r.DetectedYear = 2023 }, "", "step0"},
		{"deferred", func(r *contact.Record) { r.Stage = contact.StageDeferredStart }, ExclDeferred, ""},
		{"finished", func(r *contact.Record) { r.StepIndex = 4 }, ExclFinished, ""},
		{"client loop", func(r *contact.Record) { r.IsClient = true; r.StepIndex = 4 }, "", "postSale30"},
	}
	for _, tc := range cases {
		r := contact.New("1", t0)
		tc.mut(r)
		key, excl := f.NextKey(r, p, t0)
		if excl != tc.want || key != tc.key {
			t.Fatalf("%s: got (%q,%q) want (%q,%q)", tc.name, key, excl, tc.key, tc.want)
		}
	}
}

func TestMinYearContactStaysReadable(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	f := NewFollowUp(book, q, logx.Nop())
	p := testPolicy()
	_, _ = book.Update("old", t0, func(r *contact.Record) error { r.DetectedYear = 2019; return nil })
	for d := time.Duration(0); d < 60*24*time.Hour; d += 24 * time.Hour {
		if n := f.Scan(p, t0.Add(d)); n != 0 {
			t.Fatalf("enqueued follow-up for old car at +%s", d)
		}
	}
	if r, ok := book.Get("old"); !ok || r.DetectedYear != 2019 {
		t.Fatal("contact not readable")
	}
}

func TestFollowUpExtraOnceThenStop(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	f := NewFollowUp(book, q, logx.Nop())
	p := testPolicy()
	p.Messages[KeyExtra] = "last try"
	_, _ = book.Update("1", t0, func(r *contact.Record) error { r.StepIndex = 4; return nil })

	if n := f.Scan(p, t0); n != 1 {
		t.Fatal("extra not enqueued")
	}
	it := q.take()[0]
	if it.Meta != KeyExtra {
		t.Fatalf("meta = %q", it.Meta)
	}
	_, _ = f.OnSent("1", it.Meta, p, t0)
	if n := f.Scan(p, t0.Add(365*24*time.Hour)); n != 0 {
		t.Fatal("funnel did not terminate after extra")
	}
}

func TestFollowUpClientLoop(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	f := NewFollowUp(book, q, logx.Nop())
	p := testPolicy()
	_, _ = book.Update("1", t0, func(r *contact.Record) error {
		r.IsClient = true
		r.DetectedModel = "Hilux"
		return nil
	})
	for i := 0; i < 3; i++ {
		now := t0.Add(time.Duration(i) * p.ClientInterval)
		if n := f.Scan(p, now); n != 1 {
			t.Fatalf("loop %d: enqueued %d", i, n)
		}
		it := q.take()[0]
		if it.Text != "tudo certo com o Hilux?" {
			t.Fatalf("text = %q", it.Text)
		}
		r, _ := f.OnSent("1", it.Meta, p, now)
		if !r.NextEligibleAt.Equal(now.Add(p.ClientInterval)) || r.StepIndex != 0 {
			t.Fatalf("loop %d record = %+v", i, r)
		}
	}
	p.ClientLoop = false
	if n := f.Scan(p, t0.Add(10*p.ClientInterval)); n != 0 {
		t.Fatal("client loop disabled but still sending")
	}
}

func TestFollowUpEmptyMessageIsNotAFault(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	f := NewFollowUp(book, q, logx.Nop())
	p := testPolicy()
	delete(p.Messages, "step0")
	_, _ = book.Ensure("1", t0)
	if n := f.Scan(p, t0); n != 0 {
		t.Fatal("enqueued with empty text")
	}
	r, _ := book.Get("1")
	if r.StepIndex != 0 {
		t.Fatal("index advanced on configuration gap")
	}
}

func TestFollowUpOnDroppedBacksOff(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	f := NewFollowUp(book, &fakeQueue{}, logx.Nop())
	p := testPolicy()
	_, _ = book.Ensure("1", t0)
	f.OnDropped("1", p, t0)
	r, _ := book.Get("1")
	if !r.NextEligibleAt.Equal(t0.Add(p.DedupWindow)) {
		t.Fatalf("NextEligibleAt = %s", r.NextEligibleAt)
	}
}

func TestAgendaScheduleOffsets(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	a := NewAgenda(nil, book, &fakeQueue{}, logx.Nop())
	appt := t0.Add(10 * 24 * time.Hour)

	es, err := a.Schedule("1", appt, map[string]string{"DATA": "20/03"}, DefaultOffsets(), t0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	want := []time.Time{appt.Add(-7 * 24 * time.Hour), appt.Add(-3 * 24 * time.Hour), appt.Add(-24 * time.Hour)}
	if len(es) != 3 {
		t.Fatalf("entries = %d", len(es))
	}
	for i := range want {
		if !es[i].FiresAt.Equal(want[i]) {
			t.Fatalf("entry %d fires %s, want %s", i, es[i].FiresAt, want[i])
		}
	}
	if r, _ := book.Get("1"); r.Stage != contact.StageScheduled {
		t.Fatalf("stage = %s", r.Stage)
	}

	// appointment in 2 days: the 7d and 3d reminders are already past
	es, _ = a.Schedule("1", t0.Add(2*24*time.Hour), nil, DefaultOffsets(), t0)
	if len(es) != 1 || es[0].OffsetKey != "agenda2" {
		t.Fatalf("entries = %+v", es)
	}
	if got := a.For("1"); len(got) != 1 {
		t.Fatalf("unsent sequence not replaced: %d entries", len(got))
	}
	if _, err := a.Schedule("1", t0.Add(-time.Hour), nil, DefaultOffsets(), t0); err == nil {
		t.Fatal("past appointment accepted")
	}
}

func TestAgendaProcessSendsOnceAndPrunes(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	a := NewAgenda(nil, book, q, logx.Nop())
	p := testPolicy()
	appt := t0.Add(8 * 24 * time.Hour)
	_, _ = a.Schedule("1", appt, map[string]string{"data": "18/03"}, DefaultOffsets(), t0)

	fire := appt.Add(-7 * 24 * time.Hour)
	if n := a.Process(p, fire.Add(-time.Second)); n != 0 {
		t.Fatal("fired early")
	}
	if n := a.Process(p, fire); n != 1 {
		t.Fatal("due entry not enqueued")
	}
	if n := a.Process(p, fire); n != 0 {
		t.Fatal("entry enqueued twice")
	}
	it := q.take()[0]
	if it.Text != "faltam 7 dias: 18/03" {
		t.Fatalf("text = %q", it.Text)
	}
	if !a.MarkSent("1", it.Meta, fire) {
		t.Fatal("MarkSent found nothing")
	}
	if n := a.Process(p, fire.Add(time.Minute)); n != 0 {
		t.Fatal("sent entry enqueued again")
	}
	if n := a.Prune(fire.Add(6*24*time.Hour), p.AgendaRetention); n != 0 {
		t.Fatal("pruned before retention")
	}
	if n := a.Prune(fire.Add(7*24*time.Hour), p.AgendaRetention); n != 1 {
		t.Fatal("sent entry not pruned after retention")
	}
}

func TestAgendaCancelStripsQueue(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	a := NewAgenda(nil, book, q, logx.Nop())
	p := testPolicy()
	appt := t0.Add(8 * 24 * time.Hour)
	_, _ = a.Schedule("1", appt, nil, DefaultOffsets(), t0)
	a.Process(p, appt.Add(-7*24*time.Hour))
	_, _ = q.Enqueue(sendqueue.Intent{Handle: "1", Text: "x", Kind: sendqueue.KindFollowUp, Meta: "step0"})

	if n := a.Cancel("1"); n != 3 {
		t.Fatalf("cancelled %d entries", n)
	}
	if a.HasPending("1") {
		t.Fatal("entries left")
	}
	left := q.take()
	if len(left) != 1 || left[0].Kind != sendqueue.KindFollowUp {
		t.Fatalf("queue after cancel = %+v", left)
	}
}

func TestAgendaBlockedAndPaused(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	a := NewAgenda(nil, book, q, logx.Nop())
	p := testPolicy()
	appt := t0.Add(8 * 24 * time.Hour)
	_, _ = a.Schedule("b", appt, nil, DefaultOffsets(), t0)
	_, _ = a.Schedule("p", appt, nil, DefaultOffsets(), t0)
	_, _ = book.Block("b", "manual", t0)
	_, _ = book.Update("p", t0, func(r *contact.Record) error { r.PausedUntil = appt; return nil })

	if n := a.Process(p, appt.Add(-7*24*time.Hour)); n != 0 {
		t.Fatalf("enqueued %d", n)
	}
	if got := a.For("b"); len(got) != 2 {
		t.Fatalf("blocked contact's due entry not discarded: %d left", len(got))
	}
	if got := a.For("p"); len(got) != 3 {
		t.Fatal("paused contact's entries should wait")
	}
	if _, err := a.Schedule("b", appt, nil, DefaultOffsets(), t0); err == nil {
		t.Fatal("scheduled agenda for blocked contact")
	}
}

func TestAgendaAbandonsAfterFailures(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	a := NewAgenda(nil, book, q, logx.Nop())
	p := testPolicy()
	p.MaxFailures = 2
	appt := t0.Add(2 * 24 * time.Hour)
	_, _ = a.Schedule("1", appt, nil, DefaultOffsets(), t0)
	fire := appt.Add(-24 * time.Hour)
	for i := 0; i < 2; i++ {
		a.Process(p, fire)
		it := q.take()[0]
		a.OnDropped("1", it.Meta, p)
	}
	if a.HasPending("1") {
		t.Fatal("entry not abandoned")
	}
}

func TestDeferredLifecycle(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	d := NewDeferred(nil, book, q, logx.Nop())
	p := testPolicy()
	at := t0.Add(time.Hour)

	if _, err := d.Schedule("1", at, "", t0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// overwrite: one job per contact
	if _, err := d.Schedule("1", at.Add(time.Minute), "ola", t0); err != nil {
		t.Fatal(err)
	}
	if len(d.All()) != 1 {
		t.Fatal("more than one job for a contact")
	}
	r, _ := book.Get("1")
	if r.Stage != contact.StageDeferredStart {
		t.Fatalf("stage = %s", r.Stage)
	}
	// the follow-up funnel leaves it alone meanwhile
	if n := NewFollowUp(book, q, logx.Nop()).Scan(p, at); n != 0 {
		t.Fatal("follow-up ran for a deferred contact")
	}

	fire := at.Add(time.Minute)
	if n := d.Process(p, fire); n != 1 {
		t.Fatal("due job not enqueued")
	}
	if n := d.Process(p, fire.Add(5*time.Second)); n != 0 {
		t.Fatal("in-flight job enqueued again")
	}
	it := q.take()[0]
	if it.Text != "ola" || it.Kind != sendqueue.KindDeferred {
		t.Fatalf("intent = %+v", it)
	}
	r, err := d.OnSent("1", it.Meta, p, fire)
	if err != nil {
		t.Fatalf("OnSent: %v", err)
	}
	if r.StepIndex != 1 || r.Stage != contact.StageNegotiating || !r.NextEligibleAt.Equal(fire.Add(24*time.Hour)) {
		t.Fatalf("record = %+v", r)
	}
	if !r.SentWithin("step0", fire, time.Minute) {
		t.Fatal("step0 not marked")
	}
	if _, ok := d.Get("1"); ok {
		t.Fatal("job not deleted")
	}
}

func TestDeferredFallsBackToStep0AndHandlesBlocks(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	d := NewDeferred(nil, book, q, logx.Nop())
	p := testPolicy()
	_, _ = d.Schedule("a", t0, "", t0)
	_, _ = d.Schedule("b", t0, "x", t0)
	_, _ = d.Schedule("c", t0, "y", t0)
	_, _ = book.Block("b", "manual", t0)
	_, _ = book.Update("c", t0, func(r *contact.Record) error { r.ManualOffUntil = t0.Add(time.Hour); return nil })

	if n := d.Process(p, t0); n != 1 {
		t.Fatalf("enqueued %d", n)
	}
	if it := q.take()[0]; it.Handle != "a" || it.Text != "Oi !" {
		t.Fatalf("intent = %+v", it)
	}
	if _, ok := d.Get("b"); ok {
		t.Fatal("blocked contact's job not deleted")
	}
	if _, ok := d.Get("c"); !ok {
		t.Fatal("manual-off contact's job should wait")
	}
}

func TestDeferredRetryAfterDrop(t *testing.T) {
	t.Parallel()
	book := contact.NewBook(nil, logx.Nop())
	q := &fakeQueue{}
	d := NewDeferred(nil, book, q, logx.Nop())
	p := testPolicy()
	_, _ = d.Schedule("a", t0, "hi", t0)
	d.Process(p, t0)
	it := q.take()[0]
	d.OnDropped("a", it.Meta, p)
	if n := d.Process(p, t0.Add(5*time.Second)); n != 1 {
		t.Fatal("dropped job not retried on a later tick")
	}
	if d.Cancel("a", t0) != true {
		t.Fatal("Cancel returned false")
	}
	if r, _ := book.Get("a"); r.Stage != contact.StageNew {
		t.Fatalf("stage after cancel = %s", r.Stage)
	}
}

func TestEnginesPersist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	book := contact.NewBook(mem, logx.Nop())
	q := &fakeQueue{}
	a := NewAgenda(mem, book, q, logx.Nop())
	d := NewDeferred(mem, book, q, logx.Nop())
	appt := t0.Add(10 * 24 * time.Hour)
	_, _ = a.Schedule("1", appt, map[string]string{"DATA": "x"}, DefaultOffsets(), t0)
	_, _ = d.Schedule("2", t0.Add(time.Hour), "hey", t0)
	if err := a.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	a2 := NewAgenda(mem, book, q, logx.Nop())
	d2 := NewDeferred(mem, book, q, logx.Nop())
	if err := a2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if es := a2.For("1"); len(es) != 3 || es[0].Data["DATA"] != "x" {
		t.Fatalf("agenda = %+v", es)
	}
	if j, ok := d2.Get("2"); !ok || j.Text != "hey" {
		t.Fatalf("deferred = %+v", j)
	}
}
