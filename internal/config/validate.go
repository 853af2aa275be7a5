package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var knownStorageDrivers = map[string]bool{"file": true, "sqlite": true, "redis": true}

// Validate checks everything that can be checked without the network. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Discord.Token) == "" {
		add(errors.New("discord.token required (or DISCORD_TOKEN)"))
	}
	if strings.TrimSpace(cfg.Discord.GuildID) == "" {
		add(errors.New("discord.guild_id required (or DISCORD_GUILD_ID)"))
	}
	if cfg.Discord.Workers < 0 {
		add(errors.New("discord.workers must be >= 0"))
	}
	_, err := ParseDurationField("discord.command_timeout", cfg.Discord.CommandTimeout)
	add(err)

	_, err = ParseDurationField("broadcast.interval", cfg.Broadcast.Interval)
	add(err)
	_, err = cfg.Broadcast.Location()
	add(err)

	if cfg.Logging.Telegram.Enabled {
		if cfg.Logging.Telegram.ChatID == 0 {
			add(errors.New("logging.telegram.chat_id required when enabled"))
		}
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token required for logging.telegram (or TELEGRAM_TOKEN)"))
		}
	}

	if s := cfg.Storage; s != nil {
		d := strings.ToLower(strings.TrimSpace(s.Driver))
		switch {
		case d == "":
			add(errors.New("storage.driver required"))
		case !knownStorageDrivers[d]:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		case d == "redis" && strings.TrimSpace(s.RedisURL) == "":
			add(errors.New("storage.redis_url required for redis (or REDIS_URL)"))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		if s.AuditMax < 0 {
			add(errors.New("storage.audit_max must be >= 0"))
		}
	}

	if cfg.HTTP.Enabled {
		add(validateHTTP(cfg.HTTP))
	}

	if cfg.Events.AMQP.Enabled && strings.TrimSpace(cfg.Events.AMQP.URL) == "" {
		add(errors.New("events.amqp.url required when enabled (or AMQP_URL)"))
	}

	seen := map[string]bool{}
	for i, r := range cfg.Recurring {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			add(fmt.Errorf("recurring[%d].name required", i))
			continue
		}
		if seen[name] {
			add(fmt.Errorf("recurring[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
	}

	return errors.Join(errs...)
}

func validateHTTP(h HTTPConfig) error {
	addr := h.ListenAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if strings.TrimSpace(h.JWTSecret) == "" && !h.AllowInsecure && !isLoopback(host) {
		return fmt.Errorf("http.addr %q is not loopback: set http.jwt_secret or http.allow_insecure", addr)
	}
	if h.RatePerSec < 0 || h.Burst < 0 {
		return errors.New("http.rate_per_sec and http.burst must be >= 0")
	}
	if _, err := ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return err
	}
	_, err = ParseDurationField("http.write_timeout", h.WriteTimeout)
	return err
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Location resolves Timezone; empty means time.Local.
func (b BroadcastConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(b.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("broadcast.timezone: %w", err)
	}
	return loc, nil
}

// DeliveryInterval returns Interval or def when unset.
func (b BroadcastConfig) DeliveryInterval(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("broadcast.interval", b.Interval, def)
	if err != nil {
		return def
	}
	return d
}

// ListenAddr returns Addr or the loopback default.
func (h HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return "127.0.0.1:8080"
}
