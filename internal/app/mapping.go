package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nagbot/internal/access"
	"nagbot/internal/config"
	"nagbot/internal/escalation"
	"nagbot/internal/reminder"
	"nagbot/internal/scheduler"
	"nagbot/internal/storage"
	"nagbot/internal/task/cron"
	"nagbot/internal/task/engine"
	telegram "nagbot/internal/transport/telegram/adapter"
	logx "nagbot/pkg/logx"
)

const (
	defaultPruneSchedule     = "0 4 * * *"
	defaultReconcileSchedule = "every:10m"
	defaultHistoryRetention  = 30 * 24 * time.Hour
	scheduleOff              = "off"
)

// settings is the config mapped onto component configs.
type settings struct {
	telegram  telegram.Config
	logging   logx.Config
	storage   storage.Config
	scheduler scheduler.Config
	engine    engine.Config
	access    access.Config
	cron      cron.Config

	// Empty means the job is disabled.
	pruneSchedule     string
	reconcileSchedule string
	historyRetention  time.Duration

	systemd bool
}

// mapConfig resolves defaults and reports every problem at once.
func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var (
		s    settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	s.telegram = telegram.Config{
		Token:          strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout:    dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second),
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
		Breaker:        engine.BreakerConfig{TripFailures: cfg.Telegram.BreakerFailures},
	}

	s.logging = mapLogging(cfg.Logging)

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	s.storage = storage.Config{
		Driver:            driver,
		Path:              strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout:       dur("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second),
		ScheduleTolerance: dur("scheduler.schedule_tolerance", cfg.Scheduler.ScheduleTolerance, storage.DefaultTolerance),
	}

	cal, err := reminder.NewCalendar(cfg.Scheduler.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	policy, err := escalation.New(cfg.Escalation.DelaysMinutes, cfg.Escalation.MaxAttempts)
	if err != nil {
		errs = append(errs, fmt.Errorf("escalation: %w", err))
	}
	s.scheduler = scheduler.Config{
		PollInterval:    dur("scheduler.poll_interval", cfg.Scheduler.PollInterval, time.Second),
		DeliveryTimeout: dur("scheduler.delivery_timeout", cfg.Scheduler.DeliveryTimeout, 5*time.Second),
		BatchSize:       cfg.Scheduler.BatchSize,
		BackoffMax:      dur("scheduler.storage_backoff_max", cfg.Scheduler.StorageBackoffMax, 30*time.Second),
		SnoozeOffset:    dur("scheduler.snooze", cfg.Scheduler.Snooze, escalation.SnoozeOffset),
		Policy:          policy,
		Calendar:        cal,
	}

	s.engine = engine.Config{
		Workers:        cfg.TaskEngine.Workers,
		QueueSize:      cfg.TaskEngine.QueueSize,
		DefaultTimeout: dur("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout, 30*time.Second),
		HistorySize:    cfg.TaskEngine.HistorySize,
		RetryMax:       cfg.TaskEngine.RetryMax,
	}

	acc, err := mapAccess(cfg)
	if err != nil {
		errs = append(errs, err)
	}
	s.access = acc
	s.cron = cron.Config{Timezone: cfg.Scheduler.Timezone}

	pick := func(path, raw, def string) string {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			raw = def
		}
		if strings.EqualFold(raw, scheduleOff) {
			return ""
		}
		if _, err := cron.ParseSchedule(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		return raw
	}
	s.pruneSchedule = pick("housekeeping.prune_schedule", cfg.Housekeeping.PruneSchedule, defaultPruneSchedule)
	s.reconcileSchedule = pick("housekeeping.reconcile_schedule", cfg.Housekeeping.ReconcileSchedule, defaultReconcileSchedule)
	s.historyRetention = dur("housekeeping.history_retention", cfg.Housekeeping.HistoryRetention, defaultHistoryRetention)
	if s.historyRetention <= 0 {
		s.historyRetention = defaultHistoryRetention
	}

	s.systemd = cfg.Systemd.Notify
	return s, errors.Join(errs...)
}

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			ChatID:     lc.Alerts.ChatID,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func mapAccess(cfg *config.Config) (access.Config, error) {
	window, err := config.ParseDurationOrDefault("access.rate_window", cfg.Access.RateWindow, access.DefaultRateWindow)
	return access.Config{
		Mode:       access.Mode(cfg.Access.Mode),
		Users:      cfg.Access.Users,
		Admins:     cfg.Telegram.AdminUserIDs,
		RateLimit:  cfg.Access.RateLimit,
		RateWindow: window,
	}, err
}

// validate is installed on the config manager so a bad reload never commits.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	_, err := mapConfig(cfg)
	return err
}
