package config

type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Broadcast BroadcastConfig `json:"broadcast"`

	// Recurring broadcasts run on cron or interval schedules in broadcast.timezone.
	Recurring []RecurringConfig `json:"recurring,omitempty"`

	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    HTTPConfig     `json:"http,omitempty"`
	Events  EventsConfig   `json:"events,omitempty"`
}

// DiscordConfig holds the bot connection and command access settings.
//
// Token, ClientID and GuildID may be supplied through DISCORD_TOKEN, DISCORD_CLIENT_ID
// and DISCORD_GUILD_ID instead of the file.
type DiscordConfig struct {
	Token    string `json:"token,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	GuildID  string `json:"guild_id"`

	// Operators may run broadcast commands. Empty lists mean everyone may.
	OperatorUserIDs []string `json:"operator_user_ids,omitempty"`
	OperatorRoleIDs []string `json:"operator_role_ids,omitempty"`

	// Workers bounds concurrently handled commands (default 4).
	Workers int `json:"workers,omitempty"`
	// CommandTimeout is a Go duration string. A broadcast to a large role can take
	// minutes at the default interval, so the default is "30m".
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// BroadcastConfig controls delivery.
//
// Example:
//
//	"broadcast": { "interval": "100ms", "timezone": "Europe/Moscow", "roles": { "krein": "Ополченец Крейна" } }
type BroadcastConfig struct {
	// Interval is the pause between direct messages (default "100ms").
	Interval string `json:"interval,omitempty"`
	// Timezone applies to schedule times given without an offset (default: local).
	Timezone string `json:"timezone,omitempty"`
	// Roles overrides directory role names by group slug (krein, gadyav, bozevin).
	Roles map[string]string `json:"roles,omitempty"`
}

type RecurringConfig struct {
	Name      string `json:"name"`
	Group     string `json:"group"`
	MessageID string `json:"message_id"`
	Schedule  string `json:"schedule"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log records at or above MinLevel to a Telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator alert bot. TELEGRAM_TOKEN overrides Token.
type TelegramConfig struct {
	Token string `json:"token,omitempty"`
}

// StorageConfig controls the optional persistence layer (audit log and subscribers).
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rolecast.db" }
//	"storage": { "driver": "redis", "redis_url": "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	RedisURL  string `json:"redis_url,omitempty"` // REDIS_URL overrides
	KeyPrefix string `json:"key_prefix,omitempty"`

	// AuditMax caps retained audit entries (redis, file). 0 means 10000.
	AuditMax int `json:"audit_max,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security note:
//   - Prefer binding to localhost.
//   - If jwt_secret is empty the API is unauthenticated; a non-loopback addr then
//     requires allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`       // default: "127.0.0.1:8080"
	JWTSecret     string `json:"jwt_secret,omitempty"` // HTTP_JWT_SECRET overrides (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"` // per client ip; default 5
	Burst      int     `json:"burst,omitempty"`        // default 10

	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp,omitempty"`
}

// AMQPConfig publishes broadcast lifecycle events to a topic exchange, routing key = event type.
type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"` // AMQP_URL overrides
	Exchange string `json:"exchange,omitempty"`
}
