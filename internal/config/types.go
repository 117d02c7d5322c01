package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "24h"). Empty or zero
// values fall back to the defaults noted on each field.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Escalation   EscalationConfig   `json:"escalation"`
	TaskEngine   TaskEngineConfig   `json:"task_engine"`
	Access       AccessConfig       `json:"access"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Systemd      SystemdConfig      `json:"systemd"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via NAGBOT_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	PollTimeout  string  `json:"poll_timeout"` // default 10s

	// SendRatePerSec caps outgoing API calls. Default 25.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`

	// Consecutive delivery failures before the delivery breaker opens.
	// Default 5; negative disables the breaker.
	BreakerFailures int `json:"breaker_failures,omitempty"`
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

// LoggingAlerts forwards warn+ log lines to an operator chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/nagbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite (default sqlite)
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite, default 1s
}

type SchedulerConfig struct {
	// Timezone reminders' HH:MM are interpreted in. Default UTC.
	Timezone string `json:"timezone,omitempty"`

	PollInterval    string `json:"poll_interval,omitempty"`    // default 1s
	DeliveryTimeout string `json:"delivery_timeout,omitempty"` // default 5s
	BatchSize       int    `json:"batch_size,omitempty"`       // default 100

	// ScheduleTolerance is how late a trigger may be scheduled before the
	// store flags it. Default 1m.
	ScheduleTolerance string `json:"schedule_tolerance,omitempty"`

	// StorageBackoffMax caps the poll retry backoff on store errors. Default 30s.
	StorageBackoffMax string `json:"storage_backoff_max,omitempty"`

	Snooze string `json:"snooze,omitempty"` // default 5m
}

type EscalationConfig struct {
	// DelaysMinutes[i] is the wait after attempt i+1. The last entry repeats.
	// Default [5, 10, 15, 30, 60].
	DelaysMinutes []int `json:"delays_minutes,omitempty"`
	MaxAttempts   int   `json:"max_attempts,omitempty"` // default 10
}

// TaskEngineConfig controls the delivery worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "30s"
//   - history_size: 200
//   - retry_max: 0 (reminder fires never retry inside the engine)
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// AccessConfig decides who may talk to the bot. Admins are always allowed.
type AccessConfig struct {
	// Mode is "blocklist" (default; everyone except Users) or "whitelist"
	// (only Users).
	Mode  string  `json:"mode,omitempty"`
	Users []int64 `json:"users,omitempty"`

	RateLimit  int    `json:"rate_limit,omitempty"`  // requests per window, default 30
	RateWindow string `json:"rate_window,omitempty"` // default 60s
}

// HousekeepingConfig schedules maintenance jobs. Schedules accept cron
// expressions or "every:<duration>"; "off" disables a job.
type HousekeepingConfig struct {
	PruneSchedule     string `json:"prune_schedule,omitempty"`     // default "0 4 * * *"
	HistoryRetention  string `json:"history_retention,omitempty"`  // default 720h
	ReconcileSchedule string `json:"reconcile_schedule,omitempty"` // default "every:10m"
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
