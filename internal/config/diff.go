package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nagbot/pkg/logx"
)

// Sections that apply without a restart.
var hotSections = map[string]bool{"logging": true, "access": true}

// ChangeSummary describes a config reload.
type ChangeSummary struct {
	Changed []string     // sorted section names
	Restart []string     // changed sections that only apply after restart
	Fields  []logx.Field // safe to log, never includes the token
}

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var s ChangeSummary

	mark := func(section string, fields ...logx.Field) {
		s.Changed = append(s.Changed, section)
		if !hotSections[section] {
			s.Restart = append(s.Restart, section)
		}
		s.Fields = append(s.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	ot.Token, nt.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(ot, nt) {
		mark("telegram",
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Int("telegram.admin_count", len(nt.AdminUserIDs)),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Escalation, newCfg.Escalation) {
		mark("escalation",
			logx.Int("escalation.max_attempts", newCfg.Escalation.MaxAttempts),
			logx.Int("escalation.delays", len(newCfg.Escalation.DelaysMinutes)),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		mark("task_engine",
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Access, newCfg.Access) {
		mark("access",
			logx.String("access.mode", newCfg.Access.Mode),
			logx.Int("access.users", len(newCfg.Access.Users)),
			logx.Int("access.rate_limit", newCfg.Access.RateLimit),
		)
	}
	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		mark("housekeeping",
			logx.String("housekeeping.prune_schedule", newCfg.Housekeeping.PruneSchedule),
			logx.String("housekeeping.reconcile_schedule", newCfg.Housekeeping.ReconcileSchedule),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		mark("systemd", logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(s.Changed)
	sort.Strings(s.Restart)
	return s
}
