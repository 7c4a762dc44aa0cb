package funnel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"funnelbot/internal/contact"
	"funnelbot/internal/sendqueue"
	"funnelbot/internal/storage"
	logx "funnelbot/pkg/logx"
)

const keyDeferred = "deferred"

// DeferredJob sends Text at FiresAt and then hands the contact to the
// follow-up funnel at step 1.
type DeferredJob struct {
	Handle    string    `json:"handle"`
	FiresAt   time.Time `json:"fires_at"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Failures  int       `json:"failures,omitempty"`
}

func (j DeferredJob) meta() string { return unixMeta(j.FiresAt) }

// Deferred owns at most one pending start job per contact.
type Deferred struct {
	kv   storage.KV
	q    Queue
	book *contact.Book
	log  logx.Logger

	mu       sync.Mutex
	jobs     map[string]DeferredJob
	inflight map[string]string // handle -> meta of the enqueued job
	version  uint64
	saved    uint64
}

func NewDeferred(kv storage.KV, book *contact.Book, q Queue, log logx.Logger) *Deferred {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deferred{
		kv:       kv,
		q:        q,
		book:     book,
		log:      log,
		jobs:     map[string]DeferredJob{},
		inflight: map[string]string{},
	}
}

// Schedule overwrites any pending job of the contact and moves it to the
// deferred_start stage.
func (d *Deferred) Schedule(handle string, firesAt time.Time, text string, now time.Time) (DeferredJob, error) {
	if handle == "" {
		return DeferredJob{}, contact.ErrEmptyHandle
	}
	if firesAt.Before(now) {
		return DeferredJob{}, ErrPastInstant
	}
	if d.book.IsBlocked(handle) {
		return DeferredJob{}, sendqueue.ErrBlocked
	}
	job := DeferredJob{Handle: handle, FiresAt: firesAt, Text: strings.TrimSpace(text), CreatedAt: now}

	d.q.Cancel(handle, sendqueue.KindDeferred)
	d.mu.Lock()
	d.jobs[handle] = job
	delete(d.inflight, handle)
	d.version++
	d.mu.Unlock()

	_, err := d.book.Update(handle, now, func(r *contact.Record) error {
		r.Stage = contact.StageDeferredStart
		return nil
	})
	return job, err
}

// Cancel deletes the pending job. A contact still parked in deferred_start
// goes back to new.
func (d *Deferred) Cancel(handle string, now time.Time) bool {
	d.mu.Lock()
	_, ok := d.jobs[handle]
	delete(d.jobs, handle)
	delete(d.inflight, handle)
	if ok {
		d.version++
	}
	d.mu.Unlock()

	d.q.Cancel(handle, sendqueue.KindDeferred)
	if ok {
		_, _ = d.book.Mutate(handle, now, func(r *contact.Record) error {
			if r.Stage == contact.StageDeferredStart {
				r.Stage = contact.StageNew
			}
			return nil
		})
	}
	return ok
}

func (d *Deferred) Get(handle string) (DeferredJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[handle]
	return j, ok
}

func (d *Deferred) All() []DeferredJob {
	d.mu.Lock()
	out := make([]DeferredJob, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FiresAt.Before(out[j].FiresAt) })
	return out
}

// Process enqueues due jobs once. The in-flight marker keeps later ticks from
// enqueueing the same job while its send is pending. Jobs of blocked
// contacts are deleted; jobs of paused contacts wait.
func (d *Deferred) Process(p Policy, now time.Time) int {
	var due []DeferredJob
	d.mu.Lock()
	for h, j := range d.jobs {
		if _, busy := d.inflight[h]; busy || j.FiresAt.After(now) {
			continue
		}
		due = append(due, j)
	}
	d.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].FiresAt.Before(due[j].FiresAt) })

	n := 0
	for _, j := range due {
		if d.book.IsBlocked(j.Handle) {
			d.drop(j.Handle, "blocked")
			continue
		}
		if r, ok := d.book.Get(j.Handle); ok && r.Suppressed(now) {
			continue
		}
		text := j.Text
		if text == "" {
			text = p.Text(StepKey(0))
			if r, ok := d.book.Get(j.Handle); ok {
				text = Render(text, ContactData(r))
			}
		}
		if strings.TrimSpace(text) == "" {
			d.log.Debug("deferred start skipped: empty message", logx.Handle(j.Handle))
			continue
		}
		_, err := d.q.Enqueue(sendqueue.Intent{Handle: j.Handle, Text: text, Kind: sendqueue.KindDeferred, Meta: j.meta()})
		switch {
		case err == nil, errors.Is(err, sendqueue.ErrDuplicate):
			d.mu.Lock()
			d.inflight[j.Handle] = j.meta()
			d.mu.Unlock()
			if err == nil {
				n++
			}
		case errors.Is(err, sendqueue.ErrBlocked):
			d.drop(j.Handle, "blocked")
		default:
			d.log.Warn("deferred enqueue failed", logx.Handle(j.Handle), logx.Err(err))
		}
	}
	return n
}

// OnSent completes the job: it is deleted and the contact continues at step 1
// as if step 0 had just been sent.
func (d *Deferred) OnSent(handle, meta string, p Policy, at time.Time) (*contact.Record, error) {
	d.mu.Lock()
	if j, ok := d.jobs[handle]; ok && j.meta() == meta {
		delete(d.jobs, handle)
		d.version++
	}
	if d.inflight[handle] == meta {
		delete(d.inflight, handle)
	}
	d.mu.Unlock()

	return d.book.Mutate(handle, at, func(r *contact.Record) error {
		r.Stage = contact.StageNegotiating
		r.StepIndex = 1
		r.MarkSent(StepKey(0), at)
		r.NextEligibleAt = at.Add(p.Delay(1))
		r.LastOutboundAt = at
		return nil
	})
}

// OnDropped releases the in-flight marker so a later tick retries the job,
// until it has failed p.MaxFailures times.
func (d *Deferred) OnDropped(handle, meta string, p Policy) {
	d.mu.Lock()
	if d.inflight[handle] == meta {
		delete(d.inflight, handle)
	}
	j, ok := d.jobs[handle]
	abandon := false
	if ok && j.meta() == meta {
		j.Failures++
		d.jobs[handle] = j
		d.version++
		abandon = j.Failures >= p.maxFailures()
	}
	d.mu.Unlock()
	if abandon {
		d.drop(handle, "failed")
	}
}

// Release forgets the in-flight marker after the queued intent was
// cancelled, so a later tick enqueues the job again.
func (d *Deferred) Release(handle string) {
	d.mu.Lock()
	delete(d.inflight, handle)
	d.mu.Unlock()
}

func (d *Deferred) drop(handle, why string) {
	d.mu.Lock()
	_, ok := d.jobs[handle]
	delete(d.jobs, handle)
	delete(d.inflight, handle)
	if ok {
		d.version++
	}
	d.mu.Unlock()
	if ok {
		d.log.Info("deferred start dropped", logx.Handle(handle), logx.String("reason", why))
	}
}

func (d *Deferred) Load(ctx context.Context) error {
	if d.kv == nil {
		return nil
	}
	var m map[string]DeferredJob
	if _, err := d.kv.Load(ctx, keyDeferred, &m); err != nil {
		return fmt.Errorf("load deferred: %w", err)
	}
	if m == nil {
		m = map[string]DeferredJob{}
	}
	d.mu.Lock()
	d.jobs = m
	d.inflight = map[string]string{}
	d.saved = d.version
	d.mu.Unlock()
	return nil
}

func (d *Deferred) Flush(ctx context.Context) error {
	if d.kv == nil {
		return nil
	}
	d.mu.Lock()
	if d.version == d.saved {
		d.mu.Unlock()
		return nil
	}
	v := d.version
	snap := make(map[string]DeferredJob, len(d.jobs))
	for h, j := range d.jobs {
		snap[h] = j
	}
	d.mu.Unlock()

	if err := d.kv.Save(ctx, keyDeferred, snap); err != nil {
		return fmt.Errorf("save deferred: %w", err)
	}
	d.mu.Lock()
	if v > d.saved {
		d.saved = v
	}
	d.mu.Unlock()
	return nil
}
