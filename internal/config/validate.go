package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks field shapes that do not need runtime objects. The app
// layer maps the config into component configs and reports anything else.
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

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", EnvToken))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "memory":
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for path, raw := range map[string]string{
		"scheduler.poll_interval":        cfg.Scheduler.PollInterval,
		"scheduler.delivery_timeout":     cfg.Scheduler.DeliveryTimeout,
		"scheduler.schedule_tolerance":   cfg.Scheduler.ScheduleTolerance,
		"scheduler.storage_backoff_max":  cfg.Scheduler.StorageBackoffMax,
		"scheduler.snooze":               cfg.Scheduler.Snooze,
		"task_engine.default_timeout":    cfg.TaskEngine.DefaultTimeout,
		"access.rate_window":             cfg.Access.RateWindow,
		"housekeeping.history_retention": cfg.Housekeeping.HistoryRetention,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if cfg.Scheduler.BatchSize < 0 {
		add(errors.New("scheduler.batch_size must be >= 0"))
	}

	if cfg.Escalation.MaxAttempts < 0 {
		add(errors.New("escalation.max_attempts must be >= 0"))
	}
	for i, d := range cfg.Escalation.DelaysMinutes {
		if d <= 0 {
			add(fmt.Errorf("escalation.delays_minutes[%d] must be > 0", i))
		}
	}

	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 || cfg.TaskEngine.RetryMax < 0 {
		add(errors.New("task_engine: workers, queue_size and retry_max must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Access.Mode)) {
	case "", "blocklist", "whitelist":
	default:
		add(fmt.Errorf("access.mode: want blocklist or whitelist, got %q", cfg.Access.Mode))
	}
	if cfg.Access.RateLimit < 0 {
		add(errors.New("access.rate_limit must be >= 0"))
	}

	if cfg.Logging.Alerts.Enabled && cfg.Logging.Alerts.ChatID == 0 {
		add(errors.New("logging.alerts.chat_id is required when alerts are enabled"))
	}
	return errors.Join(errs...)
}
