package config

type Config struct {
	// Bots lists the bot instances run by this process. Each instance owns
	// its channel credentials and its own storage partition.
	Bots       []BotConfig      `json:"bots"`
	Logging    LoggingConfig    `json:"logging"`
	Engagement EngagementConfig `json:"engagement"`
	Queue      QueueConfig      `json:"queue"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Storage    StorageConfig    `json:"storage"`
	HTTP       HTTPConfig       `json:"http"`
}

type BotConfig struct {
	ID       string         `json:"id"`
	Disabled bool           `json:"disabled,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards WARN+ log lines to an operator chat through the
// first enabled bot.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// EngagementConfig holds the file-level defaults of the follow-up scheduler.
// Operators may override window, limits, min-year rule, command words,
// messages and quotes at runtime; those overrides are persisted per bot.
//
// All durations are Go duration strings. Omitted fields take defaults.
type EngagementConfig struct {
	// Timezone for the allowed-hours window and counter buckets.
	// Default: "America/Sao_Paulo".
	Timezone string `json:"timezone,omitempty"`

	Window WindowConfig `json:"window"`
	Limits LimitsConfig `json:"limits"`

	// MinYearFollowUp excludes contacts whose detected car year is older.
	// nil means 2022; 0 disables the rule.
	MinYearFollowUp *int `json:"min_year_follow_up,omitempty"`

	// StepDelays is indexed by the step index reached after a send.
	// Default: ["0s", "24h", "48h", "72h"].
	StepDelays    []string `json:"step_delays,omitempty"`
	FallbackDelay string   `json:"fallback_delay,omitempty"` // default "24h"
	DedupWindow   string   `json:"dedup_window,omitempty"`   // default "10m"

	AgendaOffsets   []AgendaOffsetConfig `json:"agenda_offsets,omitempty"`
	AgendaRetention string               `json:"agenda_retention,omitempty"` // default "168h"

	ClientLoop ClientLoopConfig `json:"client_loop"`

	TickInterval string `json:"tick_interval,omitempty"` // default "5s"

	PauseFor       string `json:"pause_for,omitempty"`        // default "72h"
	ManualOffFor   string `json:"manual_off_for,omitempty"`   // default "24h"
	RemovePauseFor string `json:"remove_pause_for,omitempty"` // default "8760h"

	// CountryCode is prefixed to handles that lack it (e.g. "55"). Empty disables.
	CountryCode string `json:"country_code,omitempty"`

	Commands CommandWords           `json:"commands"`
	Messages map[string]string      `json:"messages,omitempty"`
	Quotes   map[string]QuoteConfig `json:"quotes,omitempty"`
}

type WindowConfig struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"` // exclusive
}

type LimitsConfig struct {
	PerMinute        int `json:"per_minute,omitempty"`
	PerHour          int `json:"per_hour,omitempty"`
	PerDay           int `json:"per_day,omitempty"`
	PerContactPerDay int `json:"per_contact_per_day,omitempty"`
}

type AgendaOffsetConfig struct {
	Key    string `json:"key"`
	Before string `json:"before"`
}

type ClientLoopConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // default true
	Interval string `json:"interval,omitempty"` // default "720h"
	Key      string `json:"key,omitempty"`      // default "postSale30"
}

// CommandWords are matched (trimmed, case-insensitive) against messages the
// seller sends to a contact from the bot's own account.
type CommandWords struct {
	Stop   string `json:"stop,omitempty"`
	Pause  string `json:"pause,omitempty"`
	Client string `json:"client,omitempty"`
	Remove string `json:"remove,omitempty"`
	BotOff string `json:"bot_off,omitempty"`
}

type QuoteConfig struct {
	Title    string `json:"title"`
	Template string `json:"template"`
}

// QueueConfig controls the single-lane send queue.
type QueueConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default "2s"
	SendTimeout  string `json:"send_timeout,omitempty"`  // default "30s"
	JitterMin    string `json:"jitter_min,omitempty"`    // default "1200ms"
	JitterMax    string `json:"jitter_max,omitempty"`    // default "2800ms"
	MaxRetries   *int   `json:"max_retries,omitempty"`   // default 1
}

// SchedulerConfig controls the cron scheduler that drives ticks and
// maintenance jobs.
type SchedulerConfig struct {
	// Timezone for cron specs. Defaults to engagement.timezone.
	Timezone string `json:"timezone,omitempty"`
	// Maintenance is a cron spec or interval for counter/agenda pruning.
	// Default: "@hourly".
	Maintenance string `json:"maintenance,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/funnelbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // redis only (do not log)
	Namespace   string `json:"namespace,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	AuditMax    int    `json:"audit_max,omitempty"`
}

// HTTPConfig controls the admin JSON API.
//
// Prefer binding to localhost. A token is required on non-loopback addresses.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token        string `json:"token,omitempty"` // bearer token (do not log)
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Pprof mounts /debug/pprof/ behind the same token.
	Pprof PprofConfig `json:"pprof"`
}

type PprofConfig struct {
	Enabled              bool `json:"enabled"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
	MemProfileRate       int  `json:"mem_profile_rate,omitempty"`
}
