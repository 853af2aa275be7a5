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
	"time"

	logx "rolecast/pkg/logx"
)

// fileStore keeps everything in memory and mirrors it to disk.
//
// Files:
//   - <prefix>.audit.jsonl            (append-only JSON Lines)
//   - <prefix>.subscribers.json       (snapshot, replaced atomically on every write)
//
// The audit file is rewritten with only the newest AuditMax entries once it holds
// twice that many lines.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath  string
	auditFile  *os.File
	audit      []AuditEntry // oldest first, at most max
	auditLines int
	max        int

	subsPath string
	subs     map[string]Subscriber
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		auditPath: prefix + ".audit.jsonl",
		subsPath:  prefix + ".subscribers.json",
		max:       cfg.auditMax(),
		subs:      map[string]Subscriber{},
	}
	if err := s.loadAudit(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.loadSubscribers(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) loadAudit() error {
	f, err := os.Open(s.auditPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			s.log.Debug("skipping corrupt audit line", logx.Err(err))
			continue
		}
		s.auditLines++
		s.audit = append(s.audit, e)
		if len(s.audit) > s.max {
			s.audit = s.audit[len(s.audit)-s.max:]
		}
	}
	return sc.Err()
}

func (s *fileStore) loadSubscribers() error {
	b, err := os.ReadFile(s.subsPath)
	if err != nil {
		return err
	}
	var list []Subscriber
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, sub := range list {
		s.subs[sub.UserID] = sub
	}
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

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := json.NewEncoder(s.auditFile).Encode(e); err != nil {
		return err
	}
	s.auditLines++
	s.audit = append(s.audit, e)
	if len(s.audit) > s.max {
		s.audit = s.audit[len(s.audit)-s.max:]
	}
	if s.auditLines >= 2*s.max {
		if err := s.compactAuditLocked(); err != nil {
			s.log.Warn("audit compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = clampLimit(limit, len(s.audit))
	out := make([]AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *fileStore) PutSubscriber(_ context.Context, sub Subscriber) error {
	sub.UserID = strings.TrimSpace(sub.UserID)
	if sub.UserID == "" {
		return errors.New("subscriber user id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.subs[sub.UserID]
	s.subs[sub.UserID] = sub
	if err := s.writeSubscribersLocked(); err != nil {
		if had {
			s.subs[sub.UserID] = prev
		} else {
			delete(s.subs, sub.UserID)
		}
		return err
	}
	return nil
}

func (s *fileStore) GetSubscriber(_ context.Context, userID string) (Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[strings.TrimSpace(userID)]
	if !ok {
		return Subscriber{}, ErrNotFound
	}
	return sub, nil
}

func (s *fileStore) ListSubscribers(_ context.Context) ([]Subscriber, error) {
	s.mu.Lock()
	out := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	s.mu.Unlock()
	sortSubscribers(out)
	return out, nil
}

func (s *fileStore) writeSubscribersLocked() error {
	list := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		list = append(list, sub)
	}
	sortSubscribers(list)
	return writeJSONAtomic(s.subsPath, list)
}

func (s *fileStore) compactAuditLocked() error {
	tmp := s.auditPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range s.audit {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.auditFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.auditPath); err != nil {
		return err
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.auditFile = nil
		return err
	}
	s.auditFile = af
	s.auditLines = len(s.audit)
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
