package config

import "encoding/json"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "12h"). Secret
// fields accept "env:NAME" and are resolved from the environment at parse
// time.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Autoplan  AutoplanConfig  `json:"autoplan"`
	Reminders RemindersConfig `json:"reminders"`
	Manual    ManualConfig    `json:"manual"`
	Notifier  NotifierConfig  `json:"notifier"`
	Sessions  SessionsConfig  `json:"sessions"`
	Forecast  ForecastConfig  `json:"forecast"`
	Bot       BotConfig       `json:"bot"`
	Ops       OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the operator chat id that receives forwarded log lines.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./agroplan.db", "busy_timeout": "5s" }
//	"storage": { "driver": "postgres", "dsn": "env:AGROPLAN_DSN" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// QueueConfig controls the window-search job queue.
//
// Defaults: workers 2, queue_size 256, attempts 3, backoff "5s",
// max_delay "5m", history_size 200.
type QueueConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	Backoff        string `json:"backoff,omitempty"`
	MaxDelay       string `json:"max_delay,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// AutoplanConfig controls the weather window search.
//
// Timezone is the IANA zone used for daylight checks, picker presets and
// message formatting. Rules, when set, override fields of the built-in
// weather rules.
type AutoplanConfig struct {
	Timezone          string          `json:"timezone,omitempty"`
	DefaultLat        float64         `json:"default_lat,omitempty"`
	DefaultLon        float64         `json:"default_lon,omitempty"`
	NudgeTTL          string          `json:"nudge_ttl,omitempty"`
	MinHoursAhead     int             `json:"min_hours_ahead,omitempty"`
	HorizonHours      int             `json:"horizon_hours,omitempty"`
	PendingSweep      string          `json:"pending_sweep,omitempty"`
	PendingGrace      string          `json:"pending_grace,omitempty"`
	PendingLimit      int             `json:"pending_limit,omitempty"`
	DaylightStart     int             `json:"daylight_start,omitempty"`
	DaylightEnd       int             `json:"daylight_end,omitempty"`
	PreferenceSamples int             `json:"preference_samples,omitempty"`
	Rules             json.RawMessage `json:"rules,omitempty"`
}

type RemindersConfig struct {
	// Sweep is a schedule spec: "@hourly", "15m", "0 */30 * * * *".
	Sweep            string   `json:"sweep,omitempty"`
	TreatmentOffsets []string `json:"treatment_offsets,omitempty"`
	FreeTierLimit    int      `json:"free_tier_limit,omitempty"`
	MaxTimers        int      `json:"max_timers,omitempty"`
	SendTimeout      string   `json:"send_timeout,omitempty"`
}

type ManualConfig struct {
	EveningHour int    `json:"evening_hour,omitempty"`
	MorningHour int    `json:"morning_hour,omitempty"`
	PickerHours []int  `json:"picker_hours,omitempty"`
	PickerDays  int    `json:"picker_days,omitempty"`
	MinLead     string `json:"min_lead,omitempty"`
	MaxPushDays int    `json:"max_push_days,omitempty"`
	// Duration is the length of a manually chosen slot.
	Duration string `json:"duration,omitempty"`
}

// NotifierConfig controls outgoing user messages. Hot-reloadable.
type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type SessionsConfig struct {
	TTL string `json:"ttl,omitempty"`
}

type ForecastConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	PastHours  int    `json:"past_hours,omitempty"`
	PadHours   int    `json:"pad_hours,omitempty"`
}

// BotConfig controls the update router and per-user rate limiting.
type BotConfig struct {
	Workers        int     `json:"workers,omitempty"`
	QueueSize      int     `json:"queue_size,omitempty"`
	HandlerTimeout string  `json:"handler_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	LimiterTTL     string  `json:"limiter_ttl,omitempty"`
	MaxLimiters    int     `json:"max_limiters,omitempty"`
}

// OpsConfig controls the operator HTTP surface. Hot-reloadable.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
