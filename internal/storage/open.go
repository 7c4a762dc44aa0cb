package storage

import (
	"context"
	"errors"
	"strings"

	logx "funnelbot/pkg/logx"
)

// Open initializes the configured store. An empty driver selects "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Prefixed scopes every key of st under "<prefix>/" and tags audit entries
// with prefix as the bot id. Closing the returned store is a no-op; the
// underlying store is owned by whoever opened it.
func Prefixed(st Store, prefix string) Store {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return st
	}
	return &prefixed{inner: st, prefix: prefix}
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p *prefixed) key(k string) string { return p.prefix + "/" + k }

func (p *prefixed) Load(ctx context.Context, key string, out any) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}
	return p.inner.Load(ctx, p.key(key), out)
}

func (p *prefixed) Save(ctx context.Context, key string, v any) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return p.inner.Save(ctx, p.key(key), v)
}

func (p *prefixed) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.Bot == "" {
		e.Bot = p.prefix
	}
	return p.inner.AppendAudit(ctx, e)
}

func (p *prefixed) Close() error { return nil }
