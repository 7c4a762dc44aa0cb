package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "funnelbot/pkg/logx"
)

// fileStore keeps one JSON document per key.
//
// Layout under the root directory:
//   - <key>.json    (written via temp file + rename)
//   - audit.jsonl   (append-only JSON Lines, compacted past the cap)
type fileStore struct {
	log  logx.Logger
	root string

	mu        sync.Mutex
	auditFile *os.File
	auditPath string
	auditN    int
	auditMax  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	auditPath := filepath.Join(root, "audit.jsonl")
	n, _ := countLines(auditPath)
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:       log,
		root:      root,
		auditFile: af,
		auditPath: auditPath,
		auditN:    n,
		auditMax:  auditMax(cfg.AuditMax),
	}, nil
}

func (s *fileStore) path(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrEmptyKey
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.New("invalid storage key: " + key)
	}
	return filepath.Join(s.root, clean+".json"), nil
}

func (s *fileStore) Load(ctx context.Context, key string, out any) (bool, error) {
	_ = ctx
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (s *fileStore) Save(ctx context.Context, key string, v any) error {
	_ = ctx
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(p, b)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	e = stamp(e)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.auditFile).Encode(e); err != nil {
		return err
	}
	s.auditN++
	if s.auditN > s.auditMax+s.auditMax/10 {
		if err := s.compactAuditLocked(); err != nil {
			s.log.Debug("audit compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactAuditLocked rewrites the audit file keeping the newest auditMax lines.
func (s *fileStore) compactAuditLocked() error {
	lines, err := readLines(s.auditPath)
	if err != nil {
		return err
	}
	if len(lines) > s.auditMax {
		lines = lines[len(lines)-s.auditMax:]
	}
	buf := []byte(strings.Join(lines, "\n") + "\n")
	if err := s.auditFile.Close(); err != nil {
		return err
	}
	s.auditFile = nil
	if err := writeAtomic(s.auditPath, buf); err != nil {
		return err
	}
	f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.auditFile = f
	s.auditN = len(lines)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func countLines(path string) (int, error) {
	lines, err := readLines(path)
	return len(lines), err
}
