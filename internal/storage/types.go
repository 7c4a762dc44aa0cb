package storage

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrEmptyKey = errors.New("storage key is empty")
)

// DefaultAuditMax caps the audit log; older entries are trimmed.
const DefaultAuditMax = 50000

// Config configures storage.
//
// Driver values:
//   - "file": one JSON document per key under Path, audit as JSON Lines
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis at URL, keys under Namespace
//   - "memory": process-local, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	URL         string
	Namespace   string
	BusyTimeout time.Duration // sqlite only; 0 means default
	AuditMax    int
}

// AuditEntry records one engagement event. Keep it compact and schema-stable.
type AuditEntry struct {
	ID     string         `json:"id"`
	At     time.Time      `json:"at"`
	Bot    string         `json:"bot,omitempty"`
	Action string         `json:"action"`
	Handle string         `json:"handle,omitempty"`
	Actor  string         `json:"actor,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// KV stores JSON documents by key.
//
// Load decodes the stored document into out and reports whether the key
// existed. A missing key is not an error.
type KV interface {
	Load(ctx context.Context, key string, out any) (bool, error)
	Save(ctx context.Context, key string, v any) error
}

// Store is the persistence API used by the bot runtime.
type Store interface {
	KV
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewAuditID returns a lexicographically sortable id for an entry at t.
func NewAuditID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// stamp fills ID and At when the caller left them empty.
func stamp(e AuditEntry) AuditEntry {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.ID == "" {
		e.ID = NewAuditID(e.At)
	}
	return e
}

func auditMax(n int) int {
	if n <= 0 {
		return DefaultAuditMax
	}
	return n
}
