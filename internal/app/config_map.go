package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"agroplan/internal/autoplan"
	"agroplan/internal/bot"
	"agroplan/internal/config"
	"agroplan/internal/forecast"
	"agroplan/internal/jobs"
	"agroplan/internal/manual"
	"agroplan/internal/notifier"
	"agroplan/internal/ops"
	"agroplan/internal/reminder"
	"agroplan/internal/slots"
	"agroplan/internal/storage"
	"agroplan/internal/window"
	"agroplan/pkg/cronspec"
	logx "agroplan/pkg/logx"
)

// durs parses a run of duration fields and keeps the first error.
type durs struct{ err error }

func (d *durs) get(path, raw string, def time.Duration) time.Duration {
	if d.err != nil {
		return def
	}
	v, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		d.err = err
		return def
	}
	return v
}

func hour(path string, v, def int) (int, error) {
	if v == 0 {
		return def, nil
	}
	if v < 0 || v > 23 {
		return 0, fmt.Errorf("%s must be within 0..23", path)
	}
	return v, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Autoplan.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("autoplan.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// mapGroupLog parses telegram.group_log; empty is 0.
func mapGroupLog(cfg *config.Config) (int64, error) {
	s := strings.TrimSpace(cfg.Telegram.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", s)
	}
	return id, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapQueueConfig(cfg *config.Config) (jobs.Config, error) {
	q := cfg.Queue
	if q.Workers < 0 || q.QueueSize < 0 || q.HistorySize < 0 {
		return jobs.Config{}, fmt.Errorf("queue: workers, queue_size and history_size must be >= 0")
	}
	var d durs
	out := jobs.Config{
		Workers:        q.Workers,
		QueueSize:      q.QueueSize,
		DefaultTimeout: d.get("queue.default_timeout", q.DefaultTimeout, 0),
		MaxDelay:       d.get("queue.max_delay", q.MaxDelay, 0),
		HistorySize:    q.HistorySize,
	}
	return out, d.err
}

func mapAutoplanConfig(cfg *config.Config, loc *time.Location) (autoplan.Config, error) {
	a := cfg.Autoplan
	if a.MinHoursAhead < 0 || a.HorizonHours < 0 || a.PendingLimit < 0 || a.PreferenceSamples < 0 {
		return autoplan.Config{}, fmt.Errorf("autoplan: hour and limit fields must be >= 0")
	}
	if a.HorizonHours > 0 && a.MinHoursAhead >= a.HorizonHours {
		return autoplan.Config{}, fmt.Errorf("autoplan.min_hours_ahead must be below horizon_hours")
	}
	if cfg.Queue.Attempts < 0 {
		return autoplan.Config{}, fmt.Errorf("queue.attempts must be >= 0")
	}
	dayStart, err := hour("autoplan.daylight_start", a.DaylightStart, 6)
	if err != nil {
		return autoplan.Config{}, err
	}
	dayEnd, err := hour("autoplan.daylight_end", a.DaylightEnd, 21)
	if err != nil {
		return autoplan.Config{}, err
	}
	if dayEnd <= dayStart {
		return autoplan.Config{}, fmt.Errorf("autoplan.daylight_end must be after daylight_start")
	}
	if a.PendingSweep != "" {
		if _, err := cronspec.Parse(a.PendingSweep); err != nil {
			return autoplan.Config{}, fmt.Errorf("autoplan.pending_sweep: %w", err)
		}
	}

	var rules *window.Rules
	if len(a.Rules) > 0 {
		r, err := window.Merge(window.DefaultRules(), a.Rules)
		if err != nil {
			return autoplan.Config{}, fmt.Errorf("autoplan.rules: %w", err)
		}
		rules = &r
	}

	var d durs
	out := autoplan.Config{
		Location:          loc,
		DefaultLat:        a.DefaultLat,
		DefaultLon:        a.DefaultLon,
		NudgeTTL:          d.get("autoplan.nudge_ttl", a.NudgeTTL, 12*time.Hour),
		MinHoursAhead:     a.MinHoursAhead,
		HorizonHours:      a.HorizonHours,
		Rules:             rules,
		DaylightStart:     dayStart,
		DaylightEnd:       dayEnd,
		PendingSweep:      a.PendingSweep,
		PendingGrace:      d.get("autoplan.pending_grace", a.PendingGrace, time.Minute),
		PendingLimit:      a.PendingLimit,
		PreferenceSamples: a.PreferenceSamples,
		Attempts:          cfg.Queue.Attempts,
		Backoff:           d.get("queue.backoff", cfg.Queue.Backoff, 5*time.Second),
		SessionTTL:        d.get("sessions.ttl", cfg.Sessions.TTL, 24*time.Hour),
	}
	return out, d.err
}

func mapSlotsConfig(cfg *config.Config, loc *time.Location) (slots.Config, error) {
	offsets, err := config.ParseDurationList("reminders.treatment_offsets", cfg.Reminders.TreatmentOffsets, nil)
	if err != nil {
		return slots.Config{}, err
	}
	if cfg.Reminders.FreeTierLimit < 0 {
		return slots.Config{}, fmt.Errorf("reminders.free_tier_limit must be >= 0")
	}
	var d durs
	out := slots.Config{
		Location:         loc,
		TreatmentOffsets: offsets,
		FreeTierLimit:    cfg.Reminders.FreeTierLimit,
		MinHoursAhead:    cfg.Autoplan.MinHoursAhead,
		HorizonHours:     cfg.Autoplan.HorizonHours,
		SessionTTL:       d.get("sessions.ttl", cfg.Sessions.TTL, 24*time.Hour),
		ManualDuration:   d.get("manual.duration", cfg.Manual.Duration, 90*time.Minute),
	}
	return out, d.err
}

func mapManualConfig(cfg *config.Config, loc *time.Location) (manual.Config, error) {
	m := cfg.Manual
	evening, err := hour("manual.evening_hour", m.EveningHour, 19)
	if err != nil {
		return manual.Config{}, err
	}
	morning, err := hour("manual.morning_hour", m.MorningHour, 7)
	if err != nil {
		return manual.Config{}, err
	}
	for i, h := range m.PickerHours {
		if h < 0 || h > 23 {
			return manual.Config{}, fmt.Errorf("manual.picker_hours[%d] must be within 0..23", i)
		}
	}
	if m.PickerDays < 0 || m.MaxPushDays < 0 {
		return manual.Config{}, fmt.Errorf("manual: picker_days and max_push_days must be >= 0")
	}
	var d durs
	out := manual.Config{
		Location:    loc,
		EveningHour: evening,
		MorningHour: morning,
		PickerHours: m.PickerHours,
		PickerDays:  m.PickerDays,
		MinLead:     d.get("manual.min_lead", m.MinLead, 2*time.Hour),
		MaxPushDays: m.MaxPushDays,
		SessionTTL:  d.get("sessions.ttl", cfg.Sessions.TTL, 24*time.Hour),
	}
	return out, d.err
}

func mapReminderConfig(cfg *config.Config, loc *time.Location) (reminder.Config, error) {
	r := cfg.Reminders
	if r.Sweep != "" {
		if _, err := cronspec.Parse(r.Sweep); err != nil {
			return reminder.Config{}, fmt.Errorf("reminders.sweep: %w", err)
		}
	}
	if r.MaxTimers < 0 {
		return reminder.Config{}, fmt.Errorf("reminders.max_timers must be >= 0")
	}
	var d durs
	out := reminder.Config{
		Sweep:       r.Sweep,
		MaxTimers:   r.MaxTimers,
		Location:    loc,
		SendTimeout: d.get("reminders.send_timeout", r.SendTimeout, 30*time.Second),
	}
	return out, d.err
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: rate_per_sec, retry_max and dedup_max_entries must be >= 0")
	}
	retryMax := n.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	var d durs
	out := notifier.Config{
		RatePerSec:      n.RatePerSec,
		RetryMax:        retryMax,
		RetryBase:       d.get("notifier.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   d.get("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second),
		SendTimeout:     d.get("notifier.send_timeout", n.SendTimeout, 10*time.Second),
		DedupWindow:     d.get("notifier.dedup_window", n.DedupWindow, 0),
		DedupMaxEntries: n.DedupMaxEntries,
	}
	return out, d.err
}

func mapForecastConfig(cfg *config.Config) (forecast.Config, error) {
	f := cfg.Forecast
	if f.RatePerSec < 0 || f.PastHours < 0 || f.PadHours < 0 {
		return forecast.Config{}, fmt.Errorf("forecast: rate_per_sec, past_hours and pad_hours must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("forecast.timeout", f.Timeout, 10*time.Second)
	if err != nil {
		return forecast.Config{}, err
	}
	return forecast.Config{
		BaseURL:    f.BaseURL,
		Timeout:    timeout,
		RatePerSec: f.RatePerSec,
		PastHours:  f.PastHours,
		PadHours:   f.PadHours,
	}, nil
}

func mapBotConfig(cfg *config.Config) (bot.Config, error) {
	b := cfg.Bot
	if b.Workers < 0 || b.QueueSize < 0 || b.Burst < 0 || b.MaxLimiters < 0 || b.RatePerSec < 0 {
		return bot.Config{}, fmt.Errorf("bot: numeric fields must be >= 0")
	}
	var d durs
	out := bot.Config{
		Workers:        b.Workers,
		QueueSize:      b.QueueSize,
		HandlerTimeout: d.get("bot.handler_timeout", b.HandlerTimeout, 20*time.Second),
		RatePerSec:     b.RatePerSec,
		Burst:          b.Burst,
		LimiterTTL:     d.get("bot.limiter_ttl", b.LimiterTTL, 10*time.Minute),
		MaxLimiters:    b.MaxLimiters,
	}
	return out, d.err
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	var d durs
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   d.get("ops.read_timeout", o.ReadTimeout, 10*time.Second),
		// 0 keeps /debug/pprof/profile usable.
		WriteTimeout: d.get("ops.write_timeout", o.WriteTimeout, 0),
		IdleTimeout:  d.get("ops.idle_timeout", o.IdleTimeout, time.Minute),
	}
	return out, d.err
}

// validate runs every mapper so a bad reload is rejected before commit.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapGroupLog(cfg); err != nil {
		return err
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return err
	}
	checks := []func() error{
		func() error { _, err := mapStorageConfig(cfg); return err },
		func() error { _, err := mapQueueConfig(cfg); return err },
		func() error { _, err := mapAutoplanConfig(cfg, loc); return err },
		func() error { _, err := mapSlotsConfig(cfg, loc); return err },
		func() error { _, err := mapManualConfig(cfg, loc); return err },
		func() error { _, err := mapReminderConfig(cfg, loc); return err },
		func() error { _, err := mapNotifierConfig(cfg); return err },
		func() error { _, err := mapForecastConfig(cfg); return err },
		func() error { _, err := mapBotConfig(cfg); return err },
		func() error { _, err := mapOpsConfig(cfg); return err },
	}
	for _, c := range checks {
		if err := c(); err != nil {
			return err
		}
	}
	return nil
}
