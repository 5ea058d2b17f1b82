package config

import (
	"reflect"
	"sort"
	"strings"

	logx "agroplan/pkg/logx"
)

// Sections applied live by the running process. Everything else needs a
// restart.
var hotSections = map[string]bool{
	"logging":  true,
	"notifier": true,
	"ops":      true,
}

// SummarizeConfigChange returns the changed section names (sorted) and
// structured attrs safe to log. Secrets are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS.Driver != nS.Driver || oS.Path != nS.Path || oS.BusyTimeout != nS.BusyTimeout || oS.DSN != nS.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.attempts", newCfg.Queue.Attempts),
		)
	}

	if !autoplanEqual(oldCfg.Autoplan, newCfg.Autoplan) {
		changed = append(changed, "autoplan")
		attrs = append(attrs,
			logx.String("autoplan.timezone", newCfg.Autoplan.Timezone),
			logx.Int("autoplan.horizon_hours", newCfg.Autoplan.HorizonHours),
			logx.Bool("autoplan.rules_set", len(newCfg.Autoplan.Rules) > 0),
		)
	}

	simple := []struct {
		name     string
		old, new any
	}{
		{"reminders", oldCfg.Reminders, newCfg.Reminders},
		{"manual", oldCfg.Manual, newCfg.Manual},
		{"sessions", oldCfg.Sessions, newCfg.Sessions},
		{"forecast", oldCfg.Forecast, newCfg.Forecast},
		{"bot", oldCfg.Bot, newCfg.Bot},
	}
	for _, s := range simple {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that are not applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func autoplanEqual(a, b AutoplanConfig) bool {
	a.Rules, b.Rules = canonicalRules(a.Rules), canonicalRules(b.Rules)
	return reflect.DeepEqual(a, b)
}
