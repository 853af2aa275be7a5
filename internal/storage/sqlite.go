package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "rolecast/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
	max int

	opCount    atomic.Uint64
	pruneEvery uint64
}

type auditRow struct {
	ID         string         `db:"id"`
	AtMS       int64          `db:"at_ms"`
	Kind       string         `db:"kind"`
	Group      string         `db:"grp"`
	MessageRef string         `db:"message_ref"`
	ScheduleID sql.NullString `db:"schedule_id"`
	OK         int            `db:"ok"`
	Fail       int            `db:"fail"`
	Err        sql.NullString `db:"err"`
	TookMS     int64          `db:"took_ms"`
}

type subscriberRow struct {
	UserID       string `db:"user_id"`
	Username     string `db:"username"`
	Active       bool   `db:"active"`
	SubscribedMS int64  `db:"subscribed_ms"`
	UpdatedMS    int64  `db:"updated_ms"`
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps a :memory: database alive on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, max: cfg.auditMax(), pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	row := auditRow{
		ID:         e.ID,
		AtMS:       e.At.UnixMilli(),
		Kind:       e.Kind,
		Group:      e.Group,
		MessageRef: e.MessageRef,
		ScheduleID: nullStr(e.ScheduleID),
		OK:         e.OK,
		Fail:       e.Fail,
		Err:        nullStr(e.Error),
		TookMS:     e.TookMS,
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audit(id, at_ms, kind, grp, message_ref, schedule_id, ok, fail, err, took_ms)
		 VALUES(:id, :at_ms, :kind, :grp, :message_ref, :schedule_id, :ok, :fail, :err, :took_ms)`,
		row,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneAudit(pctx); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM audit ORDER BY at_ms DESC, rowid DESC LIMIT ?`, clampLimit(limit, s.max))
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			ID:         r.ID,
			At:         time.UnixMilli(r.AtMS),
			Kind:       r.Kind,
			Group:      r.Group,
			MessageRef: r.MessageRef,
			ScheduleID: r.ScheduleID.String,
			OK:         r.OK,
			Fail:       r.Fail,
			Error:      r.Err.String,
			TookMS:     r.TookMS,
		})
	}
	return out, nil
}

func (s *sqliteStore) PutSubscriber(ctx context.Context, sub Subscriber) error {
	if strings.TrimSpace(sub.UserID) == "" {
		return errors.New("subscriber user id required")
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO subscribers(user_id, username, active, subscribed_ms, updated_ms)
		 VALUES(:user_id, :username, :active, :subscribed_ms, :updated_ms)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username=excluded.username, active=excluded.active,
		   subscribed_ms=excluded.subscribed_ms, updated_ms=excluded.updated_ms`,
		subscriberRow{
			UserID:       sub.UserID,
			Username:     sub.Username,
			Active:       sub.Active,
			SubscribedMS: sub.SubscribedAt.UnixMilli(),
			UpdatedMS:    sub.UpdatedAt.UnixMilli(),
		},
	)
	return err
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, userID string) (Subscriber, error) {
	var r subscriberRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM subscribers WHERE user_id = ?`, strings.TrimSpace(userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, err
	}
	return r.subscriber(), nil
}

func (s *sqliteStore) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	var rows []subscriberRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM subscribers ORDER BY subscribed_ms, user_id`); err != nil {
		return nil, err
	}
	out := make([]Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.subscriber())
	}
	return out, nil
}

func (r subscriberRow) subscriber() Subscriber {
	return Subscriber{
		UserID:       r.UserID,
		Username:     r.Username,
		Active:       r.Active,
		SubscribedAt: time.UnixMilli(r.SubscribedMS),
		UpdatedAt:    time.UnixMilli(r.UpdatedMS),
	}
}

func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE id NOT IN (SELECT id FROM audit ORDER BY at_ms DESC LIMIT ?)`, s.max)
	return err
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
