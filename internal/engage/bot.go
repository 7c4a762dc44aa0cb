// Package engage is the per-bot engagement runtime: it owns the contact
// book, the admission gate, the send queue and the three funnel engines,
// and exposes the operator surface used by the chat panel and the HTTP API.
package engage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"funnelbot/internal/contact"
	"funnelbot/internal/eventbus"
	"funnelbot/internal/funnel"
	"funnelbot/internal/ratelimit"
	"funnelbot/internal/sendqueue"
	"funnelbot/internal/storage"
	"funnelbot/internal/transport"
	logx "funnelbot/pkg/logx"
)

var (
	ErrUnknownQuote    = errors.New("engage: unknown quote")
	ErrInvalidSettings = errors.New("engage: invalid settings")
)

// DeniedError is returned by immediate sends the gate refuses right now.
type DeniedError struct{ Reason ratelimit.Reason }

func (e *DeniedError) Error() string { return "engage: send denied: " + string(e.Reason) }

// Config is the static part of a bot: identity, location and queue timing.
// Settings are the file defaults; persisted overrides are applied by Load.
type Config struct {
	ID       string
	Location *time.Location
	Settings Settings
	Queue    sendqueue.Config
}

type Option func(*Bot)

func WithLogger(log logx.Logger) Option { return func(b *Bot) { b.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(b *Bot) { b.bus = bus } }

// WithClock replaces time.Now for the bot and its queue.
func WithClock(now func() time.Time) Option { return func(b *Bot) { b.now = now } }

type Bot struct {
	id  string
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	loc *time.Location
	ch  transport.Sender
	kv  storage.KV

	book     *contact.Book
	gate     *ratelimit.Gate
	queue    *sendqueue.Queue
	follow   *funnel.FollowUp
	agenda   *funnel.Agenda
	deferred *funnel.Deferred

	mu        sync.RWMutex
	base      Settings
	overrides SettingsPatch
	settings  Settings
	qcfg      sendqueue.Config

	// tickMu keeps ticks from overlapping.
	tickMu    sync.Mutex
	stateMu   sync.Mutex
	lastTick  time.Time
	ticks     uint64
	lastErr   string
	lastErrAt time.Time
}

func New(cfg Config, ch transport.Sender, kv storage.KV, opts ...Option) *Bot {
	b := &Bot{id: cfg.ID, loc: cfg.Location, ch: ch, kv: kv, now: time.Now}
	if b.loc == nil {
		b.loc = time.Local
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	b.log = b.log.With(logx.String("bot", cfg.ID))

	s := cfg.Settings
	if s.Messages == nil && len(s.StepDelays) == 0 {
		s = DefaultSettings()
	}
	b.base = s.Clone()
	b.settings = s.Clone()
	b.qcfg = cfg.Queue
	b.qcfg.Bot = cfg.ID

	b.book = contact.NewBook(kv, b.log.With(logx.Comp("book")))
	b.gate = ratelimit.NewGate(b.loc, s.Window, s.Limits, kv)
	if ch != nil {
		b.gate.SetConnectivity(ch.Connected)
	}

	qopts := []sendqueue.Option{
		sendqueue.WithLogger(b.log.With(logx.Comp("sendqueue"))),
		sendqueue.WithHooks(sendqueue.Hooks{
			Allow:     func(h string) bool { return !b.book.IsBlocked(h) },
			OnSent:    b.onSent,
			OnDropped: b.onDropped,
		}),
		sendqueue.WithClock(func() time.Time { return b.now() }),
	}
	if b.bus != nil {
		qopts = append(qopts, sendqueue.WithBus(b.bus))
	}
	b.queue = sendqueue.New(ch, b.gate, b.queueConfig(s), qopts...)

	elog := b.log.With(logx.Comp("funnel"))
	b.follow = funnel.NewFollowUp(b.book, b.queue, elog)
	b.agenda = funnel.NewAgenda(kv, b.book, b.queue, elog)
	b.deferred = funnel.NewDeferred(kv, b.book, b.queue, elog)
	return b
}

func (b *Bot) ID() string { return b.id }

// Location is the bot's business timezone (window hours, operator dates).
func (b *Bot) Location() *time.Location { return b.loc }

// Now is the bot clock.
func (b *Bot) Now() time.Time { return b.now() }

// Queue exposes the send lane so the runtime can run its worker.
func (b *Bot) Queue() *sendqueue.Queue { return b.queue }

func (b *Bot) Book() *contact.Book { return b.book }

// Load restores durable state: contacts, counters, agendas, deferred jobs and
// operator overrides.
func (b *Bot) Load(ctx context.Context) error {
	if err := b.book.Load(ctx); err != nil {
		return err
	}
	if err := b.gate.Load(ctx); err != nil {
		return err
	}
	if err := b.agenda.Load(ctx); err != nil {
		return err
	}
	if err := b.deferred.Load(ctx); err != nil {
		return err
	}
	if b.kv == nil {
		return nil
	}
	var p SettingsPatch
	if _, err := b.kv.Load(ctx, keySettings, &p); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	eff := p.Apply(b.base)
	if err := eff.Validate(); err != nil {
		b.log.Warn("stored settings rejected; using file defaults", logx.Err(err))
		return nil
	}
	b.overrides = p
	b.applyLocked(eff)
	return nil
}

// Flush persists whatever changed since the last flush.
func (b *Bot) Flush(ctx context.Context) error {
	return errors.Join(
		b.book.Flush(ctx),
		b.gate.Flush(ctx),
		b.agenda.Flush(ctx),
		b.deferred.Flush(ctx),
	)
}

// Run drives the send worker until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	return b.queue.Run(ctx)
}

// Settings returns the effective settings.
func (b *Bot) Settings() Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings.Clone()
}

func (b *Bot) policy() funnel.Policy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings.Policy()
}

func (b *Bot) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings.Enabled
}

// Reconfigure installs new file defaults (a config reload). Operator
// overrides stay on top.
func (b *Bot) Reconfigure(base Settings, q sendqueue.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	eff := b.overrides.Apply(base)
	if err := eff.Validate(); err != nil {
		return err
	}
	b.base = base.Clone()
	q.Bot = b.id
	b.qcfg = q
	b.applyLocked(eff)
	return nil
}

// UpdateSettings merges patch into the persisted overrides. An invalid
// result changes nothing.
func (b *Bot) UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	b.mu.Lock()
	merged := b.overrides.Merge(patch)
	eff := merged.Apply(b.base)
	if err := eff.Validate(); err != nil {
		b.mu.Unlock()
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	b.overrides = merged
	b.applyLocked(eff)
	b.mu.Unlock()

	if err := b.saveOverrides(ctx, merged); err != nil {
		return eff, err
	}
	b.publish(eventbus.BotSettingsUpdated, "", nil)
	b.log.Info("settings updated")
	return eff.Clone(), nil
}

func (b *Bot) SetEnabled(ctx context.Context, enabled bool) error {
	_, err := b.UpdateSettings(ctx, SettingsPatch{Enabled: &enabled})
	b.publish(eventbus.BotEnabled, "", map[string]any{"enabled": enabled})
	return err
}

func (b *Bot) saveOverrides(ctx context.Context, p SettingsPatch) error {
	if b.kv == nil {
		return nil
	}
	if err := b.kv.Save(ctx, keySettings, p); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (b *Bot) applyLocked(s Settings) {
	b.settings = s.Clone()
	b.gate.Configure(s.Window, s.Limits)
	b.queue.Configure(b.queueConfig(s))
}

func (b *Bot) queueConfig(s Settings) sendqueue.Config {
	q := b.qcfg
	q.JitterMin = s.JitterMin.D()
	q.JitterMax = s.JitterMax.D()
	return q
}

// Tick runs one scheduling pass: deferred starts, then agenda reminders,
// then follow-ups. It never sends; it only enqueues. A disabled bot only
// persists what operator actions changed.
func (b *Bot) Tick(ctx context.Context) error {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()
	now := b.now()
	if b.Enabled() {
		p := b.policy()
		d := b.deferred.Process(p, now)
		a := b.agenda.Process(p, now)
		f := b.follow.Scan(p, now)
		if d+a+f > 0 {
			b.log.Debug("tick enqueued", logx.Int("deferred", d), logx.Int("agenda", a), logx.Int("followup", f))
			b.queue.Wake()
		}
	}

	err := b.Flush(ctx)
	b.stateMu.Lock()
	b.lastTick = now
	b.ticks++
	b.stateMu.Unlock()
	if err != nil {
		b.recordError(err)
		b.log.Warn("tick persist failed", logx.Err(err))
		return err
	}
	return nil
}

// Maintain prunes stale counter buckets and old sent agenda entries.
func (b *Bot) Maintain(ctx context.Context) error {
	now := b.now()
	p := b.policy()
	buckets := b.gate.Prune(now)
	entries := b.agenda.Prune(now, p.AgendaRetention)
	if buckets+entries > 0 {
		b.log.Debug("maintenance pruned", logx.Int("buckets", buckets), logx.Int("agenda_entries", entries))
	}
	if err := b.Flush(ctx); err != nil {
		b.recordError(err)
		return err
	}
	return nil
}

func (b *Bot) recordError(err error) {
	b.stateMu.Lock()
	b.lastErr = err.Error()
	b.lastErrAt = b.now()
	b.stateMu.Unlock()
}

// onSent routes a confirmed send back to the engine that produced it.
func (b *Bot) onSent(it sendqueue.Intent, at time.Time) {
	p := b.policy()
	var err error
	switch it.Kind {
	case sendqueue.KindFollowUp:
		_, err = b.follow.OnSent(it.Handle, it.Meta, p, at)
	case sendqueue.KindAgenda:
		b.agenda.MarkSent(it.Handle, it.Meta, at)
		err = b.touchOutbound(it.Handle, at)
	case sendqueue.KindDeferred:
		_, err = b.deferred.OnSent(it.Handle, it.Meta, p, at)
	case sendqueue.KindQuote, sendqueue.KindConfirm, sendqueue.KindImmediate:
		_, err = b.book.Update(it.Handle, at, func(r *contact.Record) error {
			r.LastOutboundAt = at
			if key, _, _ := strings.Cut(it.Meta, "@"); key != "" {
				r.MarkSent(key, at)
			}
			return nil
		})
	}
	if err != nil {
		b.log.Warn("post-send update failed", logx.Handle(it.Handle), logx.String("kind", string(it.Kind)), logx.Err(err))
	}
}

func (b *Bot) onDropped(it sendqueue.Intent, err error) {
	b.recordError(err)
	p := b.policy()
	switch it.Kind {
	case sendqueue.KindFollowUp:
		b.follow.OnDropped(it.Handle, p, b.now())
	case sendqueue.KindAgenda:
		b.agenda.OnDropped(it.Handle, it.Meta, p)
	case sendqueue.KindDeferred:
		b.deferred.OnDropped(it.Handle, it.Meta, p)
	}
}

func (b *Bot) touchOutbound(handle string, at time.Time) error {
	_, err := b.book.Mutate(handle, at, func(r *contact.Record) error {
		r.LastOutboundAt = at
		return nil
	})
	if errors.Is(err, contact.ErrNotFound) {
		return nil
	}
	return err
}

func (b *Bot) publish(typ, handle string, data map[string]any) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{Type: typ, Time: b.now(), Bot: b.id, Handle: handle, Data: data})
}

// Status is the operator-facing summary.
type Status struct {
	Bot         string    `json:"bot"`
	Connected   bool      `json:"connected"`
	Enabled     bool      `json:"enabled"`
	QueueSize   int       `json:"queue_size"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
	LastTick    time.Time `json:"last_tick,omitzero"`
	Contacts    int       `json:"contacts"`
}

func (b *Bot) Status() Status {
	st := Status{
		Bot:       b.id,
		Connected: b.ch != nil && b.ch.Connected(),
		Enabled:   b.Enabled(),
		QueueSize: b.queue.Len(),
		Contacts:  b.book.Len(),
	}
	b.stateMu.Lock()
	st.LastError, st.LastErrorAt, st.LastTick = b.lastErr, b.lastErrAt, b.lastTick
	b.stateMu.Unlock()
	if qs := b.queue.Stats(); qs.LastError != "" && qs.LastErrorAt.After(st.LastErrorAt) {
		st.LastError, st.LastErrorAt = qs.LastError, qs.LastErrorAt
	}
	return st
}

// Stats is the detailed operational snapshot.
type Stats struct {
	Status
	Usage    ratelimit.Usage    `json:"usage"`
	Queue    sendqueue.Stats    `json:"queue"`
	Stages   map[string]int     `json:"stages"`
	Blocked  int                `json:"blocked"`
	Clients  int                `json:"clients"`
	Agendas  int                `json:"agendas_pending"`
	Deferred int                `json:"deferred_pending"`
	Ticks    uint64             `json:"ticks"`
	Pending  []sendqueue.Intent `json:"pending,omitempty"`
}

func (b *Bot) Stats() Stats {
	now := b.now()
	s := Stats{
		Status:   b.Status(),
		Usage:    b.gate.Usage(now),
		Queue:    b.queue.Stats(),
		Stages:   map[string]int{},
		Deferred: len(b.deferred.All()),
		Pending:  b.queue.Pending(),
	}
	for _, r := range b.book.Snapshot() {
		s.Stages[string(r.Stage)]++
		if r.Blocked {
			s.Blocked++
		}
		if r.IsClient {
			s.Clients++
		}
	}
	for _, es := range b.agenda.All() {
		for _, e := range es {
			if !e.Sent {
				s.Agendas++
			}
		}
	}
	b.stateMu.Lock()
	s.Ticks = b.ticks
	b.stateMu.Unlock()
	return s
}
