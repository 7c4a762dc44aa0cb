// Package sendqueue is the single outbound lane. Producers enqueue intents;
// one worker drains them in order, consulting the admission gate before
// every send and committing counters only after the channel accepted it.
package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funnelbot/internal/ratelimit"
)

var (
	ErrDuplicate   = errors.New("sendqueue: intent already queued")
	ErrEmptyHandle = errors.New("sendqueue: empty handle")
	ErrEmptyText   = errors.New("sendqueue: empty text")
	ErrBlocked     = errors.New("sendqueue: contact blocked")
	ErrCancelled   = errors.New("sendqueue: intent cancelled")
)

type Kind string

const (
	KindFollowUp  Kind = "followup"
	KindAgenda    Kind = "agenda"
	KindDeferred  Kind = "deferred"
	KindImmediate Kind = "immediate"
	KindConfirm   Kind = "confirm"
	KindQuote     Kind = "quote"
)

// Intent is one queued send. Meta distinguishes intents of the same kind for
// one contact (a step key, an agenda entry) and is part of the dedup key.
type Intent struct {
	ID         string    `json:"id"`
	Handle     string    `json:"handle"`
	Text       string    `json:"text"`
	Kind       Kind      `json:"kind"`
	Meta       string    `json:"meta,omitempty"`
	Attempts   int       `json:"attempts"`
	NotBefore  time.Time `json:"not_before,omitzero"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Done, when set, receives exactly one Result with the final outcome.
	// It must be buffered; the worker never blocks on it.
	Done chan<- Result `json:"-"`
}

func (i Intent) Key() string { return i.Handle + "|" + string(i.Kind) + "|" + i.Meta }

// Result is the final outcome of an intent: sent, or dropped with Err.
type Result struct {
	Intent Intent
	SentAt time.Time
	Err    error
}

func (r Result) Sent() bool { return r.Err == nil && !r.SentAt.IsZero() }

// Sender delivers text to a handle. It is the channel collaborator.
type Sender interface {
	Send(ctx context.Context, handle, text string) error
}

// Gate is the admission control consulted before each send.
type Gate interface {
	Check(handle string, now time.Time) ratelimit.Decision
	Commit(handle string, now time.Time)
}

// Hooks connect the queue to the engines that produced the intents.
type Hooks struct {
	// Allow is consulted by Enqueue under the queue lock and again before
	// and after the jitter delay. Returning false drops the intent (the
	// contact got blocked while it waited). It must not call into the queue.
	Allow func(handle string) bool
	// OnSent runs after Commit, from the worker goroutine, while the
	// intent's dedup key is still held.
	OnSent func(it Intent, at time.Time)
	// OnDropped runs when an intent is given up after its retries, also
	// before the key is released.
	OnDropped func(it Intent, err error)
}

type Config struct {
	// Bot tags published events.
	Bot          string
	PollInterval time.Duration
	SendTimeout  time.Duration
	JitterMin    time.Duration
	JitterMax    time.Duration
	// MaxRetries is the number of automatic re-enqueues after a failed send.
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		SendTimeout:  30 * time.Second,
		JitterMin:    1200 * time.Millisecond,
		JitterMax:    2800 * time.Millisecond,
		MaxRetries:   1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.JitterMin < 0 {
		c.JitterMin = 0
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Stats is an operational snapshot.
type Stats struct {
	Pending     int       `json:"pending"`
	InFlight    bool      `json:"in_flight"`
	Sent        uint64    `json:"sent"`
	Failed      uint64    `json:"failed"`
	Dropped     uint64    `json:"dropped"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
	LastDenial  string    `json:"last_denial,omitempty"`
}

// NoRetry marks a send error as permanent so the queue drops the intent
// without using its retry.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
