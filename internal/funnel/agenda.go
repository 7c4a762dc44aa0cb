package funnel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"funnelbot/internal/contact"
	"funnelbot/internal/sendqueue"
	"funnelbot/internal/storage"
	logx "funnelbot/pkg/logx"
)

const keyAgendas = "agendas"

// AgendaEntry is one reminder of an appointment sequence.
type AgendaEntry struct {
	Handle      string            `json:"handle"`
	OffsetKey   string            `json:"offset_key"`
	Appointment time.Time         `json:"appointment"`
	FiresAt     time.Time         `json:"fires_at"`
	Data        map[string]string `json:"data,omitempty"`
	Sent        bool              `json:"sent,omitempty"`
	SentAt      time.Time         `json:"sent_at,omitzero"`
	Failures    int               `json:"failures,omitempty"`
}

// meta identifies the entry inside the send queue.
func (e AgendaEntry) meta() string { return e.OffsetKey + "@" + unixMeta(e.FiresAt) }

// Agenda owns appointment reminder sequences, at most one per contact.
type Agenda struct {
	kv   storage.KV
	q    Queue
	book *contact.Book
	log  logx.Logger

	mu      sync.Mutex
	entries map[string][]AgendaEntry
	version uint64
	saved   uint64
}

func NewAgenda(kv storage.KV, book *contact.Book, q Queue, log logx.Logger) *Agenda {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Agenda{kv: kv, q: q, book: book, log: log, entries: map[string][]AgendaEntry{}}
}

// Schedule replaces the contact's unsent reminders with a new sequence
// anchored at appointment. Offsets whose fire time already passed are
// dropped. Sent entries of an earlier sequence stay until pruned.
func (a *Agenda) Schedule(handle string, appointment time.Time, data map[string]string, offsets []Offset, now time.Time) ([]AgendaEntry, error) {
	if handle == "" {
		return nil, contact.ErrEmptyHandle
	}
	if !appointment.After(now) {
		return nil, ErrPastInstant
	}
	if a.book.IsBlocked(handle) {
		return nil, sendqueue.ErrBlocked
	}
	var fresh []AgendaEntry
	for _, o := range offsets {
		at := appointment.Add(-o.Before)
		if at.Before(now) {
			continue
		}
		fresh = append(fresh, AgendaEntry{
			Handle:      handle,
			OffsetKey:   o.Key,
			Appointment: appointment,
			FiresAt:     at,
			Data:        maps.Clone(data),
		})
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].FiresAt.Before(fresh[j].FiresAt) })

	a.mu.Lock()
	kept := make([]AgendaEntry, 0, len(a.entries[handle])+len(fresh))
	for _, e := range a.entries[handle] {
		if e.Sent {
			kept = append(kept, e)
		}
	}
	kept = append(kept, fresh...)
	a.entries[handle] = kept
	a.version++
	a.mu.Unlock()

	// intents of the replaced sequence must not fire
	a.q.Cancel(handle, sendqueue.KindAgenda)

	_, err := a.book.Update(handle, now, func(r *contact.Record) error {
		r.Stage = contact.StageScheduled
		return nil
	})
	return cloneEntries(fresh), err
}

// Cancel removes all unsent reminders of the contact and strips its queued
// agenda intents. It returns how many entries were removed.
func (a *Agenda) Cancel(handle string) int {
	a.mu.Lock()
	n := 0
	var kept []AgendaEntry
	for _, e := range a.entries[handle] {
		if e.Sent {
			kept = append(kept, e)
			continue
		}
		n++
	}
	if len(kept) == 0 {
		delete(a.entries, handle)
	} else {
		a.entries[handle] = kept
	}
	if n > 0 {
		a.version++
	}
	a.mu.Unlock()

	a.q.Cancel(handle, sendqueue.KindAgenda)
	return n
}

// For returns the contact's entries ordered by fire time.
func (a *Agenda) For(handle string) []AgendaEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneEntries(a.entries[handle])
}

// HasPending reports whether the contact has unsent reminders.
func (a *Agenda) HasPending(handle string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries[handle] {
		if !e.Sent {
			return true
		}
	}
	return false
}

func (a *Agenda) All() map[string][]AgendaEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]AgendaEntry, len(a.entries))
	for h, es := range a.entries {
		out[h] = cloneEntries(es)
	}
	return out
}

// Process enqueues every due, unsent entry. Entries of blocked contacts are
// discarded; entries of paused contacts wait.
func (a *Agenda) Process(p Policy, now time.Time) int {
	var due []AgendaEntry
	a.mu.Lock()
	for _, es := range a.entries {
		for _, e := range es {
			if !e.Sent && !e.FiresAt.After(now) {
				due = append(due, e)
			}
		}
	}
	a.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].FiresAt.Before(due[j].FiresAt) })

	n := 0
	for _, e := range due {
		if a.book.IsBlocked(e.Handle) {
			a.remove(e.Handle, e.meta())
			continue
		}
		if r, ok := a.book.Get(e.Handle); ok && r.Suppressed(now) {
			continue
		}
		text := Render(p.Text(e.OffsetKey), e.Data)
		if strings.TrimSpace(text) == "" {
			a.log.Debug("agenda skipped: empty message", logx.Handle(e.Handle), logx.String("key", e.OffsetKey))
			continue
		}
		_, err := a.q.Enqueue(sendqueue.Intent{Handle: e.Handle, Text: text, Kind: sendqueue.KindAgenda, Meta: e.meta()})
		switch {
		case err == nil:
			n++
		case errors.Is(err, sendqueue.ErrDuplicate):
		case errors.Is(err, sendqueue.ErrBlocked):
			a.remove(e.Handle, e.meta())
		default:
			a.log.Warn("agenda enqueue failed", logx.Handle(e.Handle), logx.Err(err))
		}
	}
	return n
}

// MarkSent flags the entry identified by meta as sent.
func (a *Agenda) MarkSent(handle, meta string, at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range a.entries[handle] {
		if e.meta() == meta && !e.Sent {
			a.entries[handle][i].Sent = true
			a.entries[handle][i].SentAt = at
			a.version++
			return true
		}
	}
	return false
}

// OnDropped counts a failed delivery. After p.MaxFailures the entry is
// abandoned so a dead handle does not retry forever.
func (a *Agenda) OnDropped(handle, meta string, p Policy) {
	a.mu.Lock()
	abandon := false
	for i, e := range a.entries[handle] {
		if e.meta() == meta && !e.Sent {
			a.entries[handle][i].Failures++
			abandon = a.entries[handle][i].Failures >= p.maxFailures()
			a.version++
			break
		}
	}
	a.mu.Unlock()
	if abandon {
		a.log.Warn("agenda entry abandoned", logx.Handle(handle), logx.String("entry", meta))
		a.remove(handle, meta)
	}
}

func (a *Agenda) remove(handle, meta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	es := a.entries[handle]
	for i, e := range es {
		if e.meta() == meta {
			es = append(es[:i:i], es[i+1:]...)
			break
		}
	}
	if len(es) == 0 {
		delete(a.entries, handle)
	} else {
		a.entries[handle] = es
	}
	a.version++
}

// Prune removes sent entries older than retention (measured from fire time).
func (a *Agenda) Prune(now time.Time, retention time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for h, es := range a.entries {
		kept := es[:0]
		for _, e := range es {
			if e.Sent && now.Sub(e.FiresAt) >= retention {
				n++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(a.entries, h)
		} else {
			a.entries[h] = kept
		}
	}
	if n > 0 {
		a.version++
	}
	return n
}

func (a *Agenda) Load(ctx context.Context) error {
	if a.kv == nil {
		return nil
	}
	var m map[string][]AgendaEntry
	if _, err := a.kv.Load(ctx, keyAgendas, &m); err != nil {
		return fmt.Errorf("load agendas: %w", err)
	}
	if m == nil {
		m = map[string][]AgendaEntry{}
	}
	a.mu.Lock()
	a.entries = m
	a.saved = a.version
	a.mu.Unlock()
	return nil
}

func (a *Agenda) Flush(ctx context.Context) error {
	if a.kv == nil {
		return nil
	}
	a.mu.Lock()
	if a.version == a.saved {
		a.mu.Unlock()
		return nil
	}
	v := a.version
	snap := make(map[string][]AgendaEntry, len(a.entries))
	for h, es := range a.entries {
		snap[h] = cloneEntries(es)
	}
	a.mu.Unlock()

	if err := a.kv.Save(ctx, keyAgendas, snap); err != nil {
		return fmt.Errorf("save agendas: %w", err)
	}
	a.mu.Lock()
	if v > a.saved {
		a.saved = v
	}
	a.mu.Unlock()
	return nil
}

func cloneEntries(es []AgendaEntry) []AgendaEntry {
	if es == nil {
		return nil
	}
	out := make([]AgendaEntry, len(es))
	for i, e := range es {
		e.Data = maps.Clone(e.Data)
		out[i] = e
	}
	return out
}
