package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funnelbot/internal/storage"
)

const keyCounters = "counters"

type Reason string

const (
	ReasonOutsideWindow   Reason = "outside_window"
	ReasonNotConnected    Reason = "not_connected"
	ReasonLimitMinute     Reason = "limit_minute"
	ReasonLimitHour       Reason = "limit_hour"
	ReasonLimitDay        Reason = "limit_day"
	ReasonLimitContactDay Reason = "limit_contact_day"
)

// Global reports whether the denial applies to every contact, meaning no
// other queued item can pass this cycle either.
func (r Reason) Global() bool {
	return r != "" && r != ReasonLimitContactDay
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

// Window is an allowed-hours range in the business location. EndHour is
// exclusive; 24 means midnight.
type Window struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

func DefaultWindow() Window { return Window{StartHour: 9, EndHour: 22} }

func (w Window) Contains(now time.Time, loc *time.Location) bool {
	h := now.In(loc).Hour()
	return h >= w.StartHour && h < w.EndHour
}

func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 1 || w.EndHour > 24 || w.StartHour >= w.EndHour {
		return fmt.Errorf("invalid window %d..%d", w.StartHour, w.EndHour)
	}
	return nil
}

// Limits are ceilings per scope. A value <= 0 disables that scope.
type Limits struct {
	PerMinute        int `json:"per_minute"`
	PerHour          int `json:"per_hour"`
	PerDay           int `json:"per_day"`
	PerContactPerDay int `json:"per_contact_per_day"`
}

func DefaultLimits() Limits {
	return Limits{PerMinute: 8, PerHour: 120, PerDay: 400, PerContactPerDay: 2}
}

// Usage is a read-only view of the current buckets.
type Usage struct {
	Minute    int   `json:"minute"`
	Hour      int   `json:"hour"`
	Day       int   `json:"day"`
	TotalSent int64 `json:"total_sent"`
}

// Gate answers "may I send to this handle now" and records sends.
// Check never mutates; Commit is the only writer of the counters.
type Gate struct {
	kv storage.KV

	mu        sync.Mutex
	loc       *time.Location
	window    Window
	limits    Limits
	connected func() bool
	c         Counters
	version   uint64
	saved     uint64
}

func NewGate(loc *time.Location, w Window, l Limits, kv storage.KV) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{kv: kv, loc: loc, window: w, limits: l, c: NewCounters()}
}

// Configure swaps window and limits. Counters are kept.
func (g *Gate) Configure(w Window, l Limits) {
	g.mu.Lock()
	g.window = w
	g.limits = l
	g.mu.Unlock()
}

// SetConnectivity installs the probe consulted on every Check. Without one
// the channel is assumed connected.
func (g *Gate) SetConnectivity(fn func() bool) {
	g.mu.Lock()
	g.connected = fn
	g.mu.Unlock()
}

func (g *Gate) Location() *time.Location {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loc
}

// Check evaluates, in order: window, connectivity, minute, hour, day and
// contact-day ceilings.
func (g *Gate) Check(handle string, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.window.Contains(now, g.loc) {
		return deny(ReasonOutsideWindow)
	}
	if g.connected != nil && !g.connected() {
		return deny(ReasonNotConnected)
	}
	k := keysFor(handle, now, g.loc)
	l := g.limits
	switch {
	case over(g.c.ByMinute[k.minute], l.PerMinute):
		return deny(ReasonLimitMinute)
	case over(g.c.ByHour[k.hour], l.PerHour):
		return deny(ReasonLimitHour)
	case over(g.c.ByDay[k.day], l.PerDay):
		return deny(ReasonLimitDay)
	case over(g.c.ByContactDay[k.contactDay], l.PerContactPerDay):
		return deny(ReasonLimitContactDay)
	}
	return allow()
}

func over(n, limit int) bool { return limit > 0 && n >= limit }

// Commit records one successful send to handle in all four scopes.
func (g *Gate) Commit(handle string, now time.Time) {
	g.mu.Lock()
	g.c.prune(now, g.loc)
	g.c.add(keysFor(handle, now, g.loc))
	g.version++
	g.mu.Unlock()
}

// Prune drops stale buckets and returns how many were removed.
func (g *Gate) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.c.prune(now, g.loc)
	if n > 0 {
		g.version++
	}
	return n
}

func (g *Gate) Usage(now time.Time) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := keysFor("", now, g.loc)
	return Usage{
		Minute:    g.c.ByMinute[k.minute],
		Hour:      g.c.ByHour[k.hour],
		Day:       g.c.ByDay[k.day],
		TotalSent: g.c.TotalSent,
	}
}

// ContactToday returns how many sends handle received in the current day bucket.
func (g *Gate) ContactToday(handle string, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.c.ByContactDay[keysFor(handle, now, g.loc).contactDay]
}

func (g *Gate) Load(ctx context.Context) error {
	if g.kv == nil {
		return nil
	}
	c := NewCounters()
	if _, err := g.kv.Load(ctx, keyCounters, &c); err != nil {
		return fmt.Errorf("load counters: %w", err)
	}
	c.ensure()
	g.mu.Lock()
	g.c = c
	g.saved = g.version
	g.mu.Unlock()
	return nil
}

// Flush persists counters when they changed. Restoring them is idempotent.
func (g *Gate) Flush(ctx context.Context) error {
	if g.kv == nil {
		return nil
	}
	g.mu.Lock()
	if g.version == g.saved {
		g.mu.Unlock()
		return nil
	}
	v := g.version
	c := g.c.clone()
	g.mu.Unlock()

	if err := g.kv.Save(ctx, keyCounters, c); err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	g.mu.Lock()
	if v > g.saved {
		g.saved = v
	}
	g.mu.Unlock()
	return nil
}
