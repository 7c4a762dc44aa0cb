package contact

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"funnelbot/internal/storage"
	logx "funnelbot/pkg/logx"
)

const (
	keyContacts = "contacts"
	keyBlocked  = "blocked"
)

// BlockEntry is the blocklist record kept per handle, independent of the
// contact record so a block survives record edits.
type BlockEntry struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Handle string    `json:"handle"`
}

// Book is the single owner of contact records. Callers only ever see clones;
// every mutation goes through Update or one of its wrappers under mu.
type Book struct {
	kv  storage.KV
	log logx.Logger

	mu      sync.Mutex
	records map[string]*Record
	blocked map[string]BlockEntry
	version uint64 // bumped on every change
	saved   uint64 // last version persisted
}

func NewBook(kv storage.KV, log logx.Logger) *Book {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Book{
		kv:      kv,
		log:     log,
		records: map[string]*Record{},
		blocked: map[string]BlockEntry{},
	}
}

// Load replaces in-memory state with the persisted documents. Records that
// fail validation are skipped with a warning.
func (b *Book) Load(ctx context.Context) error {
	if b.kv == nil {
		return nil
	}
	var recs map[string]*Record
	if _, err := b.kv.Load(ctx, keyContacts, &recs); err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	var blocked map[string]BlockEntry
	if _, err := b.kv.Load(ctx, keyBlocked, &blocked); err != nil {
		return fmt.Errorf("load blocklist: %w", err)
	}

	next := make(map[string]*Record, len(recs))
	for h, r := range recs {
		if r == nil {
			continue
		}
		if r.Handle == "" {
			r.Handle = h
		}
		if err := r.Validate(); err != nil {
			b.log.Warn("skipping invalid contact", logx.Handle(h), logx.Err(err))
			continue
		}
		if r.Dedupe == nil {
			r.Dedupe = map[string]time.Time{}
		}
		next[r.Handle] = r
	}
	if blocked == nil {
		blocked = map[string]BlockEntry{}
	}
	for h := range blocked {
		if r, ok := next[h]; ok {
			r.Blocked = true
		}
	}

	b.mu.Lock()
	b.records = next
	b.blocked = blocked
	b.saved = b.version
	b.mu.Unlock()
	return nil
}

// Flush persists contacts and the blocklist when they changed since the last
// successful flush.
func (b *Book) Flush(ctx context.Context) error {
	if b.kv == nil {
		return nil
	}
	b.mu.Lock()
	if b.version == b.saved {
		b.mu.Unlock()
		return nil
	}
	v := b.version
	recs := make(map[string]*Record, len(b.records))
	for h, r := range b.records {
		recs[h] = r.Clone()
	}
	blocked := maps.Clone(b.blocked)
	b.mu.Unlock()

	if err := b.kv.Save(ctx, keyContacts, recs); err != nil {
		return fmt.Errorf("save contacts: %w", err)
	}
	if err := b.kv.Save(ctx, keyBlocked, blocked); err != nil {
		return fmt.Errorf("save blocklist: %w", err)
	}

	b.mu.Lock()
	if v > b.saved {
		b.saved = v
	}
	b.mu.Unlock()
	return nil
}

// Dirty reports whether there are unflushed changes.
func (b *Book) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version != b.saved
}

func (b *Book) Get(handle string) (*Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[handle]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Ensure returns the record for handle, creating it on first reference.
func (b *Book) Ensure(handle string, now time.Time) (*Record, error) {
	return b.Update(handle, now, func(*Record) error { return nil })
}

// Update runs fn on a copy of the record (created lazily) and commits the
// copy when fn returns nil and the result validates. UpdatedAt is set to now.
func (b *Book) Update(handle string, now time.Time, fn func(r *Record) error) (*Record, error) {
	return b.update(handle, now, true, fn)
}

// Mutate is Update for existing records only. It returns ErrNotFound
// instead of creating one.
func (b *Book) Mutate(handle string, now time.Time, fn func(r *Record) error) (*Record, error) {
	return b.update(handle, now, false, fn)
}

func (b *Book) update(handle string, now time.Time, create bool, fn func(r *Record) error) (*Record, error) {
	if handle == "" {
		return nil, ErrEmptyHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateLocked(handle, now, create, fn)
}

func (b *Book) updateLocked(handle string, now time.Time, create bool, fn func(r *Record) error) (*Record, error) {
	cur, ok := b.records[handle]
	var next *Record
	switch {
	case ok:
		next = cur.Clone()
	case create:
		next = New(handle, now)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Handle = handle
	next.UpdatedAt = now
	if _, blocked := b.blocked[handle]; blocked {
		next.Blocked = true
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	b.records[handle] = next
	b.version++
	return next.Clone(), nil
}

// Block marks the contact blocked and lost and records it in the blocklist.
// Both land together or not at all.
func (b *Book) Block(handle, reason string, now time.Time) (*Record, error) {
	if handle == "" {
		return nil, ErrEmptyHandle
	}
	if reason == "" {
		reason = "manual"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.updateLocked(handle, now, true, func(r *Record) error {
		r.Blocked = true
		r.BlockReason = reason
		r.Stage = StageLost
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.blocked[handle] = BlockEntry{At: now, Reason: reason, Handle: handle}
	return r, nil
}

// Unblock removes a block set by Block. The stage is left as is. A
// blocklist entry without a record is still removed, and ErrNotFound is
// returned.
func (b *Book) Unblock(handle string, now time.Time) (*Record, error) {
	if handle == "" {
		return nil, ErrEmptyHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, listed := b.blocked[handle]
	delete(b.blocked, handle)
	r, err := b.updateLocked(handle, now, false, func(r *Record) error {
		r.Blocked = false
		r.BlockReason = ""
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound) && listed:
		b.version++
	case listed:
		b.blocked[handle] = entry
	}
	return r, err
}

// IsBlocked consults both the blocklist and the record flag.
func (b *Book) IsBlocked(handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blocked[handle]; ok {
		return true
	}
	r, ok := b.records[handle]
	return ok && r.Blocked
}

func (b *Book) Blocklist() map[string]BlockEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.blocked)
}

// Snapshot returns clones of all records sorted by handle.
func (b *Book) Snapshot() []*Record {
	b.mu.Lock()
	out := make([]*Record, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r.Clone())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (b *Book) Handles() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.records))
	for h := range b.records {
		out = append(out, h)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
