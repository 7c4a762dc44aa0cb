package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "funnelbot/pkg/logx"
)

type redisStore struct {
	client    *redis.Client
	log       logx.Logger
	namespace string
	auditMax  int
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	ns := strings.Trim(strings.TrimSpace(cfg.Namespace), ":")
	if ns == "" {
		ns = "funnelbot"
	}
	return &redisStore{client: client, log: log, namespace: ns, auditMax: auditMax(cfg.AuditMax)}, nil
}

func (s *redisStore) key(k string) string {
	return s.namespace + ":" + strings.ReplaceAll(k, "/", ":")
}

func (s *redisStore) Load(ctx context.Context, key string, out any) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (s *redisStore) Save(ctx context.Context, key string, v any) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), raw, 0).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	e = stamp(e)
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	k := s.key("audit")
	if e.Bot != "" {
		k = s.key(e.Bot + "/audit")
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, k, raw)
		p.LTrim(ctx, k, int64(-s.auditMax), -1)
		return nil
	})
	return err
}

func (s *redisStore) Close() error { return s.client.Close() }
