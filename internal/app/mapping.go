package app

import (
	"fmt"
	"strings"
	"time"

	"rolecast/internal/broadcast"
	"rolecast/internal/config"
	"rolecast/internal/httpapi"
	"rolecast/internal/notifier"
	"rolecast/internal/storage"
	"rolecast/internal/task/scheduler"
	logx "rolecast/pkg/logx"
)

const (
	defaultWorkers        = 4
	defaultCommandTimeout = 30 * time.Minute
	defaultAPIRate        = 5
	defaultAPIBurst       = 10
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	out := storage.Config{
		Driver:    driver,
		Path:      strings.TrimSpace(sc.Path),
		RedisURL:  strings.TrimSpace(sc.RedisURL),
		KeyPrefix: sc.KeyPrefix,
		AuditMax:  sc.AuditMax,
	}
	switch driver {
	case "file":
		if out.Path == "" {
			out.Path = "./rolecast.json"
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "redis":
		if out.RedisURL == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis_url is required when storage.driver=redis")
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// an immediate broadcast holds the request for the whole pass
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, defaultCommandTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	rps := h.RatePerSec
	if rps == 0 {
		rps = defaultAPIRate
	}
	burst := h.Burst
	if burst == 0 {
		burst = defaultAPIBurst
	}
	return httpapi.Config{
		Addr:          h.ListenAddr(),
		JWTSecret:     h.JWTSecret,
		AllowInsecure: h.AllowInsecure,
		RatePerSec:    rps,
		Burst:         burst,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	a := cfg.Events.AMQP
	return notifier.Config{
		Enabled:  a.Enabled,
		URL:      strings.TrimSpace(a.URL),
		Exchange: strings.TrimSpace(a.Exchange),
		RetryMax: 3,
	}
}

// mapRecurring converts config entries; schedules are checked by the scheduler.
func mapRecurring(cfg *config.Config) ([]scheduler.RecurringDef, error) {
	out := make([]scheduler.RecurringDef, 0, len(cfg.Recurring))
	for i, r := range cfg.Recurring {
		g, err := broadcast.ParseRoleGroup(r.Group)
		if err != nil {
			return nil, fmt.Errorf("recurring[%d].group: %w", i, err)
		}
		out = append(out, scheduler.RecurringDef{
			Name:       strings.TrimSpace(r.Name),
			Group:      g,
			MessageRef: strings.TrimSpace(r.MessageID),
			Schedule:   strings.TrimSpace(r.Schedule),
		})
	}
	if err := scheduler.ValidateRecurring(out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapRoleNames(cfg *config.Config) (broadcast.RoleNames, error) {
	return broadcast.DefaultRoleNames().Merge(cfg.Broadcast.Roles)
}

func commandTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("discord.command_timeout", cfg.Discord.CommandTimeout, defaultCommandTimeout)
}

// validate is the reload validator: everything New would reject.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRecurring(cfg); err != nil {
		return err
	}
	if _, err := mapRoleNames(cfg); err != nil {
		return err
	}
	_, err := commandTimeout(cfg)
	return err
}
