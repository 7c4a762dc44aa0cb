package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"funnelbot/internal/eventbus"
	logx "funnelbot/pkg/logx"
)

type Option func(*Queue)

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(q *Queue) { q.bus = bus } }
func WithHooks(h Hooks) Option { return func(q *Queue) { q.hooks = h } }

// WithClock replaces time.Now. Tests use it to drive windows and retries.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// Queue is a FIFO of intents drained by exactly one worker (Run or Cycle).
type Queue struct {
	sender Sender
	gate   Gate
	bus    eventbus.Bus
	log    logx.Logger
	hooks  Hooks
	now    func() time.Time

	wake chan struct{}

	// cycleMu serializes cycles so at most one send is ever in flight.
	cycleMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	items     []Intent
	keys      map[string]struct{} // pending and in-flight
	inflight  *Intent
	cancelled bool // in-flight intent was cancelled during its jitter
	rng       *rand.Rand
	stats     Stats
}

func New(sender Sender, gate Gate, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		sender: sender,
		gate:   gate,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		cfg:    cfg.withDefaults(),
		keys:   map[string]struct{}{},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(q)
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	return q
}

// Configure swaps timing settings. Queued intents are kept.
func (q *Queue) Configure(cfg Config) {
	q.mu.Lock()
	bot := q.cfg.Bot
	q.cfg = cfg.withDefaults()
	if q.cfg.Bot == "" {
		q.cfg.Bot = bot
	}
	q.mu.Unlock()
}

// Enqueue appends an intent. It rejects intents for blocked contacts and
// intents whose dedup key is already pending or in flight.
func (q *Queue) Enqueue(it Intent) (string, error) {
	if it.Handle == "" {
		return "", ErrEmptyHandle
	}
	if it.Text == "" {
		return "", ErrEmptyText
	}
	if q.hooks.Allow != nil && !q.hooks.Allow(it.Handle) {
		return "", ErrBlocked
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	// Checked again under mu so a Block plus Cancel cannot slip in between.
	if q.hooks.Allow != nil && !q.hooks.Allow(it.Handle) {
		q.mu.Unlock()
		return "", ErrBlocked
	}
	k := it.Key()
	if _, dup := q.keys[k]; dup {
		q.mu.Unlock()
		return "", ErrDuplicate
	}
	q.keys[k] = struct{}{}
	q.items = append(q.items, it)
	q.mu.Unlock()

	q.Wake()
	return it.ID, nil
}

// Wake asks the worker to run a cycle without waiting for the poll interval.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len counts pending and in-flight intents.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.inflight != nil {
		n++
	}
	return n
}

// Has reports whether an intent with this dedup key is pending or in flight.
func (q *Queue) Has(handle string, kind Kind, meta string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.keys[Intent{Handle: handle, Kind: kind, Meta: meta}.Key()]
	return ok
}

// Pending returns a copy of the queued intents in order.
func (q *Queue) Pending() []Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Intent, len(q.items))
	for i, it := range q.items {
		it.Done = nil
		out[i] = it
	}
	return out
}

// Cancel synchronously removes every pending intent for handle whose kind is
// in kinds (all kinds when none are given). An in-flight intent that has not
// reached the channel yet is dropped after its jitter delay.
func (q *Queue) Cancel(handle string, kinds ...Kind) int {
	match := func(it Intent) bool {
		return it.Handle == handle && (len(kinds) == 0 || slices.Contains(kinds, it.Kind))
	}

	q.mu.Lock()
	var removed []Intent
	kept := q.items[:0]
	for _, it := range q.items {
		if match(it) {
			removed = append(removed, it)
			delete(q.keys, it.Key())
			continue
		}
		kept = append(kept, it)
	}
	clear(q.items[len(kept):])
	q.items = kept
	if q.inflight != nil && match(*q.inflight) {
		q.cancelled = true
	}
	q.mu.Unlock()

	for _, it := range removed {
		notify(it, Result{Intent: it, Err: ErrCancelled})
	}
	return len(removed)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.items)
	s.InFlight = q.inflight != nil
	return s
}

// LastError returns the most recent send failure message.
func (q *Queue) LastError() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats.LastError
}

// Run drains the queue on every poll interval and on Wake until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	every := q.cfg.PollInterval
	q.mu.Unlock()
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-q.wake:
		}
		q.Cycle(ctx)

		q.mu.Lock()
		next := q.cfg.PollInterval
		q.mu.Unlock()
		if next != every {
			every = next
			t.Reset(every)
		}
	}
}

// Cycle makes one pass over the items that were queued when it started. It
// stops early on a global denial and returns the number of intents sent.
// Skipped intents keep their place at the front of the queue.
func (q *Queue) Cycle(ctx context.Context) int {
	q.cycleMu.Lock()
	defer q.cycleMu.Unlock()

	q.mu.Lock()
	budget := len(q.items)
	q.mu.Unlock()

	front, sent := 0, 0
	for ; budget > 0 && ctx.Err() == nil; budget-- {
		it, ok := q.pop(front)
		if !ok {
			break
		}
		switch q.process(ctx, it) {
		case outcomeSent:
			sent++
		case outcomeSkip:
			if q.park(it, front) {
				front++
			}
		case outcomeStop:
			q.park(it, front)
			return sent
		}
	}
	return sent
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkip
	outcomeStop
	outcomeDone // dropped, cancelled or parked for retry
)

// pop marks items[i] in flight and removes it from the pending list.
func (q *Queue) pop(i int) (Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i >= len(q.items) {
		return Intent{}, false
	}
	it := q.items[i]
	q.items = slices.Delete(q.items, i, i+1)
	q.inflight = &it
	q.cancelled = false
	return it, true
}

// park returns the in-flight intent to the pending list at index i (at the
// end when i < 0) unless it was cancelled meanwhile. Clearing in-flight and
// re-inserting happen under one lock so Cancel never misses the intent.
func (q *Queue) park(it Intent, i int) bool {
	q.mu.Lock()
	cancelled := q.cancelled
	q.inflight = nil
	q.cancelled = false
	if cancelled {
		delete(q.keys, it.Key())
		q.mu.Unlock()
		notify(it, Result{Intent: it, Err: ErrCancelled})
		return false
	}
	if i < 0 || i > len(q.items) {
		i = len(q.items)
	}
	q.items = slices.Insert(q.items, i, it)
	q.mu.Unlock()
	return true
}

// finish clears the in-flight slot and releases the dedup key.
func (q *Queue) finish(it Intent) {
	q.mu.Lock()
	q.inflight = nil
	q.cancelled = false
	delete(q.keys, it.Key())
	q.mu.Unlock()
}

func (q *Queue) process(ctx context.Context, it Intent) outcome {
	now := q.now()
	if !it.NotBefore.IsZero() && now.Before(it.NotBefore) {
		return outcomeSkip
	}
	if !q.allowed(it) {
		q.finish(it)
		notify(it, Result{Intent: it, Err: ErrBlocked})
		return outcomeDone
	}

	d := q.gate.Check(it.Handle, now)
	if !d.Allowed {
		q.mu.Lock()
		q.stats.LastDenial = string(d.Reason)
		q.mu.Unlock()
		if d.Reason.Global() {
			q.log.Trace("send deferred", logx.String("reason", string(d.Reason)))
			return outcomeStop
		}
		return outcomeSkip
	}

	if !q.sleepJitter(ctx) {
		return outcomeStop
	}
	q.mu.Lock()
	cancelled := q.cancelled
	cfg := q.cfg
	q.mu.Unlock()
	if cancelled {
		q.finish(it)
		notify(it, Result{Intent: it, Err: ErrCancelled})
		return outcomeDone
	}
	if !q.allowed(it) {
		q.finish(it)
		notify(it, Result{Intent: it, Err: ErrBlocked})
		return outcomeDone
	}

	err := q.deliver(ctx, it, cfg.SendTimeout)
	if err == nil {
		at := q.now()
		q.gate.Commit(it.Handle, at)
		// The dedup key stays held until the engines have recorded the send,
		// so a concurrent tick cannot enqueue the same step again.
		if q.hooks.OnSent != nil {
			q.hooks.OnSent(it, at)
		}
		q.finish(it)
		q.mu.Lock()
		q.stats.Sent++
		q.mu.Unlock()
		q.publish(eventbus.SendSent, it, map[string]any{"kind": string(it.Kind), "meta": it.Meta})
		notify(it, Result{Intent: it, SentAt: at})
		return outcomeSent
	}

	q.onFailure(it, err, cfg)
	return outcomeDone
}

// deliver runs one Send bounded by timeout. The in-flight send completes even
// if the worker is being stopped. A Sender still running at the deadline is
// abandoned and the lane moves on; if it later succeeds the gate is still
// charged for it.
func (q *Queue) deliver(ctx context.Context, it Intent, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	done := make(chan error)
	late := make(chan struct{})
	go func() {
		defer cancel()
		err := q.sender.Send(sctx, it.Handle, it.Text)
		select {
		case done <- err:
		case <-late:
			q.lateResult(it, err)
		}
	}()

	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		close(late)
		return fmt.Errorf("abandoned after %s: %w", timeout, context.DeadlineExceeded)
	}
}

func (q *Queue) lateResult(it Intent, err error) {
	if err != nil {
		q.log.Debug("abandoned send failed", logx.Handle(it.Handle), logx.String("kind", string(it.Kind)), logx.Err(err))
		return
	}
	q.gate.Commit(it.Handle, q.now())
	q.log.Warn("send completed after timeout",
		logx.Handle(it.Handle),
		logx.String("kind", string(it.Kind)),
		logx.String("meta", it.Meta),
	)
}

func (q *Queue) onFailure(it Intent, err error, cfg Config) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("send timed out: %w", err)
	}
	now := q.now()
	it.Attempts++

	q.mu.Lock()
	q.stats.Failed++
	q.stats.LastError = err.Error()
	q.stats.LastErrorAt = now
	q.mu.Unlock()
	q.publish(eventbus.SendFailed, it, map[string]any{"kind": string(it.Kind), "meta": it.Meta, "attempt": it.Attempts, "error": err.Error()})

	if it.Attempts <= cfg.MaxRetries && !IsNoRetry(err) {
		it.NotBefore = now.Add(cfg.PollInterval)
		if !q.park(it, -1) {
			return
		}
		q.log.Debug("send failed; retry queued", logx.Handle(it.Handle), logx.String("kind", string(it.Kind)), logx.Int("attempt", it.Attempts), logx.Err(err))
		return
	}

	if q.hooks.OnDropped != nil {
		q.hooks.OnDropped(it, err)
	}
	q.finish(it)
	q.mu.Lock()
	q.stats.Dropped++
	q.mu.Unlock()
	q.log.Warn("send dropped",
		logx.Handle(it.Handle),
		logx.String("kind", string(it.Kind)),
		logx.String("meta", it.Meta),
		logx.Int("attempts", it.Attempts),
		logx.Err(err),
	)
	q.publish(eventbus.SendDropped, it, map[string]any{"kind": string(it.Kind), "meta": it.Meta, "attempts": it.Attempts, "error": err.Error()})
	notify(it, Result{Intent: it, Err: err})
}

func (q *Queue) allowed(it Intent) bool {
	return q.hooks.Allow == nil || q.hooks.Allow(it.Handle)
}

func (q *Queue) sleepJitter(ctx context.Context) bool {
	q.mu.Lock()
	d := q.cfg.JitterMin
	if span := q.cfg.JitterMax - q.cfg.JitterMin; span > 0 {
		d += time.Duration(q.rng.Int63n(int64(span) + 1))
	}
	q.mu.Unlock()
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (q *Queue) publish(typ string, it Intent, data map[string]any) {
	if q.bus == nil {
		return
	}
	q.mu.Lock()
	bot := q.cfg.Bot
	q.mu.Unlock()
	data["intent_id"] = it.ID
	q.bus.Publish(eventbus.Event{Type: typ, Time: q.now(), Bot: bot, Handle: it.Handle, Data: data})
}

func notify(it Intent, r Result) {
	if it.Done == nil {
		return
	}
	select {
	case it.Done <- r:
	default:
	}
}
