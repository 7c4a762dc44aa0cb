package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "funnelbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	auditMax   int
	opCount    atomic.Uint64
	trimEvery  uint64
	closedFlag atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, auditMax: auditMax(cfg.AuditMax), trimEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closedFlag.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context, key string, out any) (bool, error) {
	if s.closedFlag.Load() {
		return false, ErrClosed
	}
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (s *sqliteStore) Save(ctx context.Context, key string, v any) error {
	if s.closedFlag.Load() {
		return ErrClosed
	}
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, raw, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s.closedFlag.Load() {
		return ErrClosed
	}
	e = stamp(e)
	var detail any
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return err
		}
		detail = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, bot, action, handle, actor, detail) VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Bot), e.Action, nullStr(e.Handle), nullStr(e.Actor), detail,
	)
	if err == nil && s.opCount.Add(1)%s.trimEvery == 0 {
		tctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if terr := s.trimAudit(tctx); terr != nil {
			s.log.Debug("audit trim failed", logx.Err(terr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) trimAudit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE rowid <= (SELECT MAX(rowid) FROM audit) - ?`, s.auditMax)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
