package funnel

import (
	"errors"
	"fmt"
	"time"

	"funnelbot/internal/contact"
	"funnelbot/internal/sendqueue"
	logx "funnelbot/pkg/logx"
)

// FollowUp advances contacts through the finite step list, then either
// sends the one-shot extra message or, for clients, loops on a long interval.
type FollowUp struct {
	book *contact.Book
	q    Queue
	log  logx.Logger
}

func NewFollowUp(book *contact.Book, q Queue, log logx.Logger) *FollowUp {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FollowUp{book: book, q: q, log: log}
}

// Exclusion explains why a contact gets no follow-up right now.
type Exclusion string

const (
	ExclBlocked    Exclusion = "blocked"
	ExclSuppressed Exclusion = "paused"
	ExclNotDue     Exclusion = "not_due"
	ExclMinYear    Exclusion = "min_year"
	ExclClient     Exclusion = "client"
	ExclDeferred   Exclusion = "deferred_start"
	ExclFinished   Exclusion = "finished"
)

// NextKey resolves the message key due for r, or the reason there is none.
func (f *FollowUp) NextKey(r *contact.Record, p Policy, now time.Time) (string, Exclusion) {
	switch {
	case r.Blocked:
		return "", ExclBlocked
	case r.Suppressed(now):
		return "", ExclSuppressed
	case r.Stage == contact.StageDeferredStart:
		return "", ExclDeferred
	case !r.Due(now):
		return "", ExclNotDue
	case r.BelowYear(p.MinYear):
		return "", ExclMinYear
	}
	if r.IsClient {
		if !p.ClientLoop {
			return "", ExclClient
		}
		return p.clientKey(), ""
	}
	if r.StepIndex < p.Steps {
		return StepKey(r.StepIndex), ""
	}
	if _, sent := r.Dedupe[KeyExtra]; !sent && p.Text(KeyExtra) != "" {
		return KeyExtra, ""
	}
	return "", ExclFinished
}

// Scan enqueues at most one intent per eligible contact and returns how
// many were enqueued. Each record is read from the book at decision time.
func (f *FollowUp) Scan(p Policy, now time.Time) int {
	n := 0
	for _, h := range f.book.Handles() {
		r, ok := f.book.Get(h)
		if !ok {
			continue
		}
		key, excl := f.NextKey(r, p, now)
		if excl != "" {
			continue
		}
		err := f.send(r, key, p, now)
		switch {
		case err == nil:
			n++
		case errors.Is(err, sendqueue.ErrDuplicate), errors.Is(err, ErrDeduped):
		case errors.Is(err, ErrEmptyMessage):
			f.log.Debug("follow-up skipped: empty message", logx.Handle(h), logx.String("key", key))
		default:
			f.log.Warn("follow-up enqueue failed", logx.Handle(h), logx.String("key", key), logx.Err(err))
		}
	}
	return n
}

// SendStep enqueues the message due for the contact, if any.
func (f *FollowUp) SendStep(handle string, p Policy, now time.Time) error {
	r, ok := f.book.Get(handle)
	if !ok {
		return contact.ErrNotFound
	}
	key, excl := f.NextKey(r, p, now)
	if excl != "" {
		return fmt.Errorf("%w: %s", ErrNotEligible, excl)
	}
	return f.send(r, key, p, now)
}

func (f *FollowUp) send(r *contact.Record, key string, p Policy, now time.Time) error {
	if r.SentWithin(key, now, p.DedupWindow) {
		return ErrDeduped
	}
	text := Render(p.Text(key), ContactData(r))
	if text == "" {
		return ErrEmptyMessage
	}
	_, err := f.q.Enqueue(sendqueue.Intent{Handle: r.Handle, Text: text, Kind: sendqueue.KindFollowUp, Meta: key})
	return err
}

// OnSent applies a confirmed follow-up send. A stale key (the operator moved
// the contact meanwhile) only records the dedup marker.
func (f *FollowUp) OnSent(handle, key string, p Policy, at time.Time) (*contact.Record, error) {
	return f.book.Mutate(handle, at, func(r *contact.Record) error {
		r.MarkSent(key, at)
		r.LastOutboundAt = at
		switch {
		case r.IsClient && key == p.clientKey():
			r.NextEligibleAt = at.Add(p.ClientInterval)
		case key == StepKey(r.StepIndex):
			r.StepIndex++
			r.AdvanceStage()
			r.NextEligibleAt = at.Add(p.Delay(r.StepIndex))
		}
		return nil
	})
}

// OnDropped backs the contact off for one dedup window so a failing channel
// is not hammered every tick.
func (f *FollowUp) OnDropped(handle string, p Policy, now time.Time) {
	backoff := p.DedupWindow
	if backoff <= 0 {
		backoff = 10 * time.Minute
	}
	_, err := f.book.Mutate(handle, now, func(r *contact.Record) error {
		if next := now.Add(backoff); r.NextEligibleAt.Before(next) {
			r.NextEligibleAt = next
		}
		return nil
	})
	if err != nil {
		f.log.Debug("follow-up backoff not applied", logx.Handle(handle), logx.Err(err))
	}
}
