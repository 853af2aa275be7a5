package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "rolecast/pkg/logx"
)

// redisStore keeps audit entries in a capped list (newest at the head) and
// subscribers as JSON values in a hash keyed by user id.
type redisStore struct {
	client *redis.Client
	log    logx.Logger
	max    int

	auditKey string
	subsKey  string
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, cfg, log), nil
}

func newRedisStore(client *redis.Client, cfg Config, log logx.Logger) *redisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "rolecast:"
	}
	return &redisStore{
		client:   client,
		log:      log,
		max:      cfg.auditMax(),
		auditKey: prefix + "audit",
		subsKey:  prefix + "subscribers",
	}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey, b)
	pipe.LTrim(ctx, s.auditKey, 0, int64(s.max-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	raw, err := s.client.LRange(ctx, s.auditKey, 0, int64(clampLimit(limit, s.max)-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Debug("skipping corrupt audit entry", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *redisStore) PutSubscriber(ctx context.Context, sub Subscriber) error {
	if strings.TrimSpace(sub.UserID) == "" {
		return errors.New("subscriber user id required")
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.subsKey, sub.UserID, b).Err()
}

func (s *redisStore) GetSubscriber(ctx context.Context, userID string) (Subscriber, error) {
	raw, err := s.client.HGet(ctx, s.subsKey, strings.TrimSpace(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, err
	}
	var sub Subscriber
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

func (s *redisStore) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	all, err := s.client.HGetAll(ctx, s.subsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Subscriber, 0, len(all))
	for id, raw := range all {
		var sub Subscriber
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			s.log.Debug("skipping corrupt subscriber", logx.String("user_id", id), logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	sortSubscribers(out)
	return out, nil
}
