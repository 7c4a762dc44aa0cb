package engage

import (
	"strings"
	"time"

	"funnelbot/internal/contact"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/funnel"
	"funnelbot/internal/sendqueue"
	logx "funnelbot/pkg/logx"
)

// automatic is every intent kind a scheduling engine produces.
var automatic = []sendqueue.Kind{sendqueue.KindFollowUp, sendqueue.KindAgenda, sendqueue.KindDeferred}

// Handle normalizes a raw phone-like key the way contacts are stored.
func (b *Bot) Handle(raw string) (string, error) {
	b.mu.RLock()
	cc := b.settings.CountryCode
	b.mu.RUnlock()
	h := contact.NormalizeHandle(raw, cc)
	if h == "" {
		return "", contact.ErrEmptyHandle
	}
	return h, nil
}

// strip removes the contact's automatic intents from the queue. The
// deferred engine forgets its in-flight marker so the job is retried once
// the contact is eligible again.
func (b *Bot) strip(handle string) int {
	n := b.queue.Cancel(handle, automatic...)
	b.deferred.Release(handle)
	return n
}

func durOr(d time.Duration, def Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def.D()
}

// Pause excludes the contact from automatic sends for d (PauseFor when d <= 0).
func (b *Bot) Pause(raw string, d time.Duration) (*contact.Record, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return nil, err
	}
	d = durOr(d, b.Settings().PauseFor)
	now := b.now()
	r, err := b.book.Update(h, now, func(r *contact.Record) error {
		r.PausedUntil = now.Add(d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	n := b.strip(h)
	b.publish(eventbus.ContactPaused, h, map[string]any{"until": r.PausedUntil, "stripped": n})
	b.log.Info("contact paused", logx.Handle(h), logx.Duration("for", d))
	return r, nil
}

// ManualOff hands the conversation to the seller for d (ManualOffFor when d <= 0).
func (b *Bot) ManualOff(raw string, d time.Duration) (*contact.Record, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return nil, err
	}
	d = durOr(d, b.Settings().ManualOffFor)
	now := b.now()
	r, err := b.book.Update(h, now, func(r *contact.Record) error {
		r.ManualOffUntil = now.Add(d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	n := b.strip(h)
	b.publish(eventbus.ContactManualOff, h, map[string]any{"until": r.ManualOffUntil, "stripped": n})
	b.log.Info("contact manual off", logx.Handle(h), logx.Duration("for", d))
	return r, nil
}

// Block excludes the contact permanently. Every queued intent of the
// contact is stripped and its agenda and deferred start are discarded.
func (b *Bot) Block(raw, reason string) (*contact.Record, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	now := b.now()
	r, err := b.book.Block(h, reason, now)
	if err != nil {
		return nil, err
	}
	n := b.queue.Cancel(h)
	b.agenda.Cancel(h)
	b.deferred.Cancel(h, now)
	b.publish(eventbus.ContactBlocked, h, map[string]any{"reason": reason, "stripped": n})
	b.log.Info("contact blocked", logx.Handle(h), logx.String("reason", reason))
	return r, nil
}

// Unblock lifts a block. The contact stays in stage lost until an operator
// moves it.
func (b *Bot) Unblock(raw string) (*contact.Record, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return nil, err
	}
	r, err := b.book.Unblock(h, b.now())
	if err != nil {
		return nil, err
	}
	b.publish(eventbus.ContactUpdated, h, map[string]any{"blocked": false})
	return r, nil
}

// MarkAsClient closes the deal and switches the contact to the post-sale loop.
func (b *Bot) MarkAsClient(raw string) (*contact.Record, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return nil, err
	}
	s := b.Settings()
	now := b.now()
	b.deferred.Cancel(h, now)
	r, err := b.book.Update(h, now, func(r *contact.Record) error {
		r.IsClient = true
		r.Stage = contact.StageClosed
		r.NextEligibleAt = now.Add(s.ClientInterval.D())
		return nil
	})
	if err != nil {
		return nil, err
	}
	n := b.strip(h)
	b.publish(eventbus.ContactClient, h, map[string]any{"next": r.NextEligibleAt, "stripped": n})
	b.log.Info("contact marked as client", logx.Handle(h))
	return r, nil
}

// RemoveFromFunnel marks the contact lost, clears its scheduling and pauses
// it for RemovePauseFor. History fields are kept.
func (b *Bot) RemoveFromFunnel(raw string) (*contact.Record, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return nil, err
	}
	s := b.Settings()
	now := b.now()
	b.agenda.Cancel(h)
	b.deferred.Cancel(h, now)
	r, err := b.book.Update(h, now, func(r *contact.Record) error {
		r.Stage = contact.StageLost
		r.NextEligibleAt = time.Time{}
		r.ManualOffUntil = time.Time{}
		r.PausedUntil = now.Add(s.RemovePauseFor.D())
		return nil
	})
	if err != nil {
		return nil, err
	}
	n := b.strip(h)
	b.publish(eventbus.ContactRemoved, h, map[string]any{"stripped": n})
	b.log.Info("contact removed from funnel", logx.Handle(h))
	return r, nil
}

// UpdateContact applies an operator edit. Queued follow-ups are dropped
// since the step or timing they were computed from may have changed.
func (b *Bot) UpdateContact(raw string, patch contact.Patch) (*contact.Record, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return nil, err
	}
	r, err := b.book.Update(h, b.now(), patch.Apply)
	if err != nil {
		return nil, err
	}
	b.queue.Cancel(h, sendqueue.KindFollowUp)
	b.publish(eventbus.ContactUpdated, h, nil)
	return r, nil
}

// ScheduleAgenda replaces the contact's reminder sequence for an
// appointment at the configured offsets.
func (b *Bot) ScheduleAgenda(raw string, appointment time.Time, data map[string]string) ([]funnel.AgendaEntry, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return nil, err
	}
	p := b.policy()
	es, err := b.agenda.Schedule(h, appointment, data, p.AgendaOffsets, b.now())
	if err != nil {
		return nil, err
	}
	b.publish(eventbus.AgendaScheduled, h, map[string]any{"appointment": appointment, "entries": len(es)})
	b.log.Info("agenda scheduled", logx.Handle(h), logx.Time("appointment", appointment), logx.Int("entries", len(es)))
	return es, nil
}

func (b *Bot) CancelAgenda(raw string) (int, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return 0, err
	}
	n := b.agenda.Cancel(h)
	b.publish(eventbus.AgendaCancelled, h, map[string]any{"entries": n})
	return n, nil
}

// ScheduleDeferredStart programs the first message of a contact. An empty
// text sends the step0 message.
func (b *Bot) ScheduleDeferredStart(raw string, at time.Time, text string) (funnel.DeferredJob, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return funnel.DeferredJob{}, err
	}
	j, err := b.deferred.Schedule(h, at, text, b.now())
	if err != nil {
		return funnel.DeferredJob{}, err
	}
	b.publish(eventbus.DeferredScheduled, h, map[string]any{"at": at})
	b.log.Info("deferred start scheduled", logx.Handle(h), logx.Time("at", at))
	return j, nil
}

func (b *Bot) CancelDeferredStart(raw string) (bool, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return false, err
	}
	ok := b.deferred.Cancel(h, b.now())
	if ok {
		b.publish(eventbus.DeferredCancelled, h, nil)
	}
	return ok, nil
}

// Contacts returns every record ordered by handle.
func (b *Bot) Contacts() []*contact.Record { return b.book.Snapshot() }

// ContactDetail is a record plus the scheduling state around it.
type ContactDetail struct {
	Record     *contact.Record      `json:"record"`
	Agenda     []funnel.AgendaEntry `json:"agenda,omitempty"`
	Deferred   *funnel.DeferredJob  `json:"deferred,omitempty"`
	NextKey    string               `json:"next_key,omitempty"`
	Exclusion  string               `json:"exclusion,omitempty"`
	SentToday  int                  `json:"sent_today"`
	BlockEntry *contact.BlockEntry  `json:"block,omitempty"`
}

func (b *Bot) Contact(raw string) (ContactDetail, error) {
	h, err := b.Handle(raw)
	if err != nil {
		return ContactDetail{}, err
	}
	r, ok := b.book.Get(h)
	if !ok {
		return ContactDetail{}, contact.ErrNotFound
	}
	now := b.now()
	key, excl := b.follow.NextKey(r, b.policy(), now)
	d := ContactDetail{
		Record:    r,
		Agenda:    b.agenda.For(h),
		NextKey:   key,
		Exclusion: string(excl),
		SentToday: b.gate.ContactToday(h, now),
	}
	if j, ok := b.deferred.Get(h); ok {
		d.Deferred = &j
	}
	if e, ok := b.book.Blocklist()[h]; ok {
		d.BlockEntry = &e
	}
	return d, nil
}
