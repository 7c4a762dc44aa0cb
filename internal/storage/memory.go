package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is a process-local Store. Documents are kept JSON-encoded so
// callers observe the same copy semantics as the durable drivers.
type Memory struct {
	mu    sync.Mutex
	docs  map[string][]byte
	audit []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}}
}

func (m *Memory) Load(ctx context.Context, key string, out any) (bool, error) {
	_ = ctx
	if key == "" {
		return false, ErrEmptyKey
	}
	m.mu.Lock()
	raw, ok := m.docs[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *Memory) Save(ctx context.Context, key string, v any) error {
	_ = ctx
	if key == "" {
		return ErrEmptyKey
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	e = stamp(e)
	m.mu.Lock()
	m.audit = append(m.audit, e)
	if len(m.audit) > DefaultAuditMax {
		m.audit = append([]AuditEntry(nil), m.audit[len(m.audit)-DefaultAuditMax:]...)
	}
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

// Keys lists stored document keys.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.docs))
	for k := range m.docs {
		out = append(out, k)
	}
	return out
}

func (m *Memory) Close() error { return nil }
