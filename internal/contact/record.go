// Package contact holds per-contact engagement state and the mutex-guarded
// Book that owns it.
package contact

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

type Stage string

const (
	StageNew           Stage = "new"
	StageNegotiating   Stage = "negotiating"
	StageQuoted        Stage = "quoted"
	StageScheduled     Stage = "scheduled_appointment"
	StageClosed        Stage = "closed"
	StageLost          Stage = "lost"
	StageDeferredStart Stage = "deferred_start"
)

var stages = []Stage{
	StageNew, StageNegotiating, StageQuoted, StageScheduled,
	StageClosed, StageLost, StageDeferredStart,
}

func (s Stage) Valid() bool { return slices.Contains(stages, s) }

func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, raw)
	}
	return s, nil
}

var (
	ErrEmptyHandle  = errors.New("contact: empty handle")
	ErrInvalidStage = errors.New("contact: invalid stage")
	ErrNegativeStep = errors.New("contact: negative step index")
	ErrNotFound     = errors.New("contact: not found")
)

// Record is the engagement state of one contact.
//
// Zero timestamps mean "unset": a zero NextEligibleAt is immediately eligible
// and zero PausedUntil/ManualOffUntil never suppress.
type Record struct {
	Handle   string `json:"handle"`
	PhoneKey string `json:"phone_key,omitempty"`
	Name     string `json:"name,omitempty"`

	Stage          Stage     `json:"stage"`
	StepIndex      int       `json:"step_index"`
	NextEligibleAt time.Time `json:"next_eligible_at,omitzero"`
	PausedUntil    time.Time `json:"paused_until,omitzero"`
	ManualOffUntil time.Time `json:"manual_off_until,omitzero"`

	Blocked     bool   `json:"blocked,omitempty"`
	BlockReason string `json:"block_reason,omitempty"`
	IsClient    bool   `json:"is_client,omitempty"`

	// Dedupe maps a message key to the instant it was last sent.
	Dedupe map[string]time.Time `json:"dedupe,omitempty"`

	DetectedYear  int    `json:"detected_year,omitempty"`
	DetectedModel string `json:"detected_model,omitempty"`

	Notes string   `json:"notes,omitempty"`
	Tags  []string `json:"tags,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastInboundAt  time.Time `json:"last_inbound_at,omitzero"`
	LastOutboundAt time.Time `json:"last_outbound_at,omitzero"`
}

func New(handle string, now time.Time) *Record {
	return &Record{
		Handle:    handle,
		PhoneKey:  handle,
		Stage:     StageNew,
		Dedupe:    map[string]time.Time{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Dedupe = maps.Clone(r.Dedupe)
	c.Tags = slices.Clone(r.Tags)
	return &c
}

func (r *Record) Validate() error {
	if strings.TrimSpace(r.Handle) == "" {
		return ErrEmptyHandle
	}
	if !r.Stage.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStage, r.Stage)
	}
	if r.StepIndex < 0 {
		return ErrNegativeStep
	}
	return nil
}

func (r *Record) Paused(now time.Time) bool {
	return !r.PausedUntil.IsZero() && now.Before(r.PausedUntil)
}

func (r *Record) ManualOff(now time.Time) bool {
	return !r.ManualOffUntil.IsZero() && now.Before(r.ManualOffUntil)
}

// Suppressed reports whether automatic sends are currently excluded for a
// soft, time-bounded reason.
func (r *Record) Suppressed(now time.Time) bool {
	return r.Paused(now) || r.ManualOff(now)
}

// Due reports whether NextEligibleAt has been reached.
func (r *Record) Due(now time.Time) bool {
	return r.NextEligibleAt.IsZero() || !now.Before(r.NextEligibleAt)
}

// SentWithin reports whether key was sent less than window before now.
func (r *Record) SentWithin(key string, now time.Time, window time.Duration) bool {
	at, ok := r.Dedupe[key]
	if !ok || at.IsZero() || window <= 0 {
		return false
	}
	return now.Sub(at) < window
}

func (r *Record) MarkSent(key string, now time.Time) {
	if r.Dedupe == nil {
		r.Dedupe = map[string]time.Time{}
	}
	r.Dedupe[key] = now
}

// BelowYear reports whether a detected car year is older than minYear.
// An unknown year or a zero threshold never excludes.
func (r *Record) BelowYear(minYear int) bool {
	return minYear > 0 && r.DetectedYear > 0 && r.DetectedYear < minYear
}

// AdvanceStage moves a new contact to negotiating. Other stages are kept.
func (r *Record) AdvanceStage() {
	if r.Stage == StageNew || r.Stage == "" {
		r.Stage = StageNegotiating
	}
}

// ObserveCar merges detected car attributes: the first year wins and a longer
// model replaces a shorter one.
func (r *Record) ObserveCar(c Car) {
	if c.Year > 0 && r.DetectedYear == 0 {
		r.DetectedYear = c.Year
	}
	if c.Model != "" && len(c.Model) > len(r.DetectedModel) {
		r.DetectedModel = c.Model
	}
}

// Patch is a partial update applied by operators. Nil fields are untouched.
type Patch struct {
	Name           *string    `json:"name,omitempty"`
	Stage          *Stage     `json:"stage,omitempty"`
	StepIndex      *int       `json:"step_index,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	IsClient       *bool      `json:"is_client,omitempty"`
	DetectedYear   *int       `json:"detected_year,omitempty"`
	DetectedModel  *string    `json:"detected_model,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
}

// Apply copies set fields onto r and validates the result.
func (p Patch) Apply(r *Record) error {
	next := r.Clone()
	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
	}
	if p.Stage != nil {
		next.Stage = *p.Stage
	}
	if p.StepIndex != nil {
		next.StepIndex = *p.StepIndex
	}
	if p.NextEligibleAt != nil {
		next.NextEligibleAt = *p.NextEligibleAt
	}
	if p.IsClient != nil {
		next.IsClient = *p.IsClient
	}
	if p.DetectedYear != nil {
		next.DetectedYear = *p.DetectedYear
	}
	if p.DetectedModel != nil {
		next.DetectedModel = strings.TrimSpace(*p.DetectedModel)
	}
	if p.Notes != nil {
		next.Notes = *p.Notes
	}
	if p.Tags != nil {
		next.Tags = slices.Clone(p.Tags)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*r = *next
	return nil
}
