package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// DefaultAuditMax caps retained audit entries for drivers without a query engine.
const DefaultAuditMax = 10000

// Config configures storage. An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisURL  string
	KeyPrefix string // redis only; default "rolecast:"

	AuditMax int
}

func (c Config) auditMax() int {
	if c.AuditMax > 0 {
		return c.AuditMax
	}
	return DefaultAuditMax
}

// AuditEntry records one broadcast lifecycle event.
type AuditEntry struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Group      string    `json:"group"`
	MessageRef string    `json:"message_id"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	OK         int       `json:"ok"`
	Fail       int       `json:"fail"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}

// Subscriber is a user who opted in to direct announcements.
type Subscriber struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Active       bool      `json:"active"`
	SubscribedAt time.Time `json:"subscribed_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
