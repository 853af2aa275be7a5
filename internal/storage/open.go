package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	logx "rolecast/pkg/logx"
)

// Store is the persistence API used by the audit sink, the subscriber service and the HTTP API.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// ListAudit returns up to limit entries, newest first.
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	PutSubscriber(ctx context.Context, s Subscriber) error
	// GetSubscriber returns ErrNotFound for unknown ids.
	GetSubscriber(ctx context.Context, userID string) (Subscriber, error)
	// ListSubscribers returns all subscribers ordered by subscription time.
	ListSubscribers(ctx context.Context) ([]Subscriber, error)

	Close() error
}

// Open initializes the configured store. It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func sortSubscribers(subs []Subscriber) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].SubscribedAt.Equal(subs[j].SubscribedAt) {
			return subs[i].SubscribedAt.Before(subs[j].SubscribedAt)
		}
		return subs[i].UserID < subs[j].UserID
	})
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
