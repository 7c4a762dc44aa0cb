// Package funnel holds the three scheduling streams that feed the send
// queue: stepped follow-up, anchored agenda reminders and deferred starts.
// The engines never send; they decide what is due and enqueue intents.
package funnel

import (
	"errors"
	"strconv"
	"time"

	"funnelbot/internal/sendqueue"
)

var (
	// ErrEmptyMessage is a configuration gap: the message key has no text.
	ErrEmptyMessage = errors.New("funnel: message text is empty")
	ErrDeduped      = errors.New("funnel: step sent within dedup window")
	ErrNotEligible  = errors.New("funnel: contact not eligible")
	ErrPastInstant  = errors.New("funnel: instant is in the past")
)

// Message keys with a fixed meaning.
const (
	KeyExtra           = "extra"
	KeyConfirmTemplate = "confirmTemplate"
	DefaultClientKey   = "postSale30"
)

// Offset is one agenda reminder: fire Before the appointment using the
// message at Key.
type Offset struct {
	Key    string        `json:"key"`
	Before time.Duration `json:"before"`
}

func DefaultOffsets() []Offset {
	return []Offset{
		{Key: "agenda0", Before: 7 * 24 * time.Hour},
		{Key: "agenda1", Before: 3 * 24 * time.Hour},
		{Key: "agenda2", Before: 24 * time.Hour},
	}
}

// Policy is the settings snapshot an engine acts on during one tick or one
// operator call. Engines keep no settings of their own.
type Policy struct {
	// Steps is K, the number of finite follow-up steps (keys step0..stepK-1).
	Steps         int
	StepDelays    []time.Duration
	FallbackDelay time.Duration
	DedupWindow   time.Duration
	// MinYear excludes contacts whose detected year is older. 0 disables.
	MinYear int

	ClientLoop     bool
	ClientInterval time.Duration
	ClientKey      string

	AgendaOffsets   []Offset
	AgendaRetention time.Duration

	// MaxFailures is how many dropped sends an agenda entry or deferred job
	// survives before it is abandoned.
	MaxFailures int

	Messages map[string]string
}

func DefaultPolicy() Policy {
	return Policy{
		Steps:           4,
		StepDelays:      []time.Duration{0, 24 * time.Hour, 48 * time.Hour, 72 * time.Hour},
		FallbackDelay:   24 * time.Hour,
		DedupWindow:     10 * time.Minute,
		MinYear:         2022,
		ClientLoop:      true,
		ClientInterval:  30 * 24 * time.Hour,
		ClientKey:       DefaultClientKey,
		AgendaOffsets:   DefaultOffsets(),
		AgendaRetention: 7 * 24 * time.Hour,
		MaxFailures:     3,
		Messages:        map[string]string{},
	}
}

// StepKey returns "step<idx>".
func StepKey(idx int) string { return "step" + strconv.Itoa(idx) }

// Delay is the wait after reaching step index idx.
func (p Policy) Delay(idx int) time.Duration {
	if idx >= 0 && idx < len(p.StepDelays) {
		return p.StepDelays[idx]
	}
	return p.FallbackDelay
}

func (p Policy) Text(key string) string { return p.Messages[key] }

func (p Policy) clientKey() string {
	if p.ClientKey == "" {
		return DefaultClientKey
	}
	return p.ClientKey
}

func (p Policy) maxFailures() int {
	if p.MaxFailures <= 0 {
		return 1
	}
	return p.MaxFailures
}

// Queue is the part of the send queue the engines use.
type Queue interface {
	Enqueue(it sendqueue.Intent) (string, error)
	Cancel(handle string, kinds ...sendqueue.Kind) int
}

func unixMeta(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }
