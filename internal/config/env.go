package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// EnvSource looks up environment variables.
type EnvSource = envconfig.Lookuper

// OSEnv reads the process environment.
func OSEnv() EnvSource { return envconfig.OsLookuper() }

// MapEnv is a fixed environment, used in tests.
func MapEnv(m map[string]string) EnvSource { return envconfig.MapLookuper(m) }

// secrets are the values that may come from the environment instead of the config file.
type secrets struct {
	DiscordToken    string `env:"DISCORD_TOKEN"`
	DiscordClientID string `env:"DISCORD_CLIENT_ID"`
	DiscordGuildID  string `env:"DISCORD_GUILD_ID"`
	TelegramToken   string `env:"TELEGRAM_TOKEN"`
	JWTSecret       string `env:"HTTP_JWT_SECRET"`
	RedisURL        string `env:"REDIS_URL"`
	AMQPURL         string `env:"AMQP_URL"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays non-empty environment secrets on cfg.
func ApplyEnv(ctx context.Context, cfg *Config, env EnvSource) error {
	if cfg == nil || env == nil {
		return nil
	}
	var s secrets
	if err := envconfig.ProcessWith(ctx, &s, env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Discord.Token, s.DiscordToken)
	set(&cfg.Discord.ClientID, s.DiscordClientID)
	set(&cfg.Discord.GuildID, s.DiscordGuildID)
	set(&cfg.Telegram.Token, s.TelegramToken)
	set(&cfg.HTTP.JWTSecret, s.JWTSecret)
	set(&cfg.Events.AMQP.URL, s.AMQPURL)
	if strings.TrimSpace(s.RedisURL) != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "redis"}
		}
		set(&cfg.Storage.RedisURL, s.RedisURL)
	}
	return nil
}
