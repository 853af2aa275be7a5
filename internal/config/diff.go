package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rolecast/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured attrs for
// logging. Secrets (tokens, jwt secret, connection urls) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.GuildID != nd.GuildID ||
		od.Workers != nd.Workers ||
		strings.TrimSpace(od.CommandTimeout) != strings.TrimSpace(nd.CommandTimeout) ||
		!reflect.DeepEqual(od.OperatorUserIDs, nd.OperatorUserIDs) ||
		!reflect.DeepEqual(od.OperatorRoleIDs, nd.OperatorRoleIDs) ||
		secretSet(od.Token) != secretSet(nd.Token) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.String("discord.guild_id", nd.GuildID),
			logx.Int("discord.workers", nd.Workers),
			logx.Int("discord.operator_users", len(nd.OperatorUserIDs)),
			logx.Int("discord.operator_roles", len(nd.OperatorRoleIDs)),
		)
	}

	ob, nb := oldCfg.Broadcast, newCfg.Broadcast
	if strings.TrimSpace(ob.Interval) != strings.TrimSpace(nb.Interval) ||
		strings.TrimSpace(ob.Timezone) != strings.TrimSpace(nb.Timezone) ||
		!reflect.DeepEqual(ob.Roles, nb.Roles) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.interval", strings.TrimSpace(nb.Interval)),
			logx.String("broadcast.timezone", strings.TrimSpace(nb.Timezone)),
			logx.Int("broadcast.role_overrides", len(nb.Roles)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Recurring, newCfg.Recurring) {
		changed = append(changed, "recurring")
		attrs = append(attrs, logx.Int("recurring.count", len(newCfg.Recurring)))
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol != nl {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	if secretSet(oldCfg.Telegram.Token) != secretSet(newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_set", secretSet(newCfg.Telegram.Token)))
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) ||
		oldS.KeyPrefix != newS.KeyPrefix || oldS.AuditMax != newS.AuditMax ||
		oldS.RedisURL != newS.RedisURL {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.redis_url_set", secretSet(newS.RedisURL)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.JWTSecret, nh.JWTSecret = "", ""
	if oh != nh || secretSet(oldCfg.HTTP.JWTSecret) != secretSet(newCfg.HTTP.JWTSecret) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.ListenAddr()),
			logx.Bool("http.jwt_set", secretSet(newCfg.HTTP.JWTSecret)),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	oa, na := oldCfg.Events.AMQP, newCfg.Events.AMQP
	if oa != na {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.amqp_enabled", na.Enabled),
			logx.String("events.amqp_exchange", na.Exchange),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	live := map[string]bool{"broadcast": true, "recurring": true, "logging": true, "discord": true}
	out := make([]string, 0, len(changed))
	for _, s := range changed {
		if !live[s] {
			out = append(out, s)
		}
	}
	return out
}

func secretSet(s string) bool { return strings.TrimSpace(s) != "" }
