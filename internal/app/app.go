// Package app wires configuration, storage, transport and the scheduling
// components, and owns their start/stop ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"agroplan/internal/autoplan"
	"agroplan/internal/bot"
	"agroplan/internal/config"
	"agroplan/internal/eventbus"
	"agroplan/internal/forecast"
	"agroplan/internal/funnel"
	"agroplan/internal/jobs"
	"agroplan/internal/manual"
	"agroplan/internal/notifier"
	"agroplan/internal/ops"
	"agroplan/internal/reminder"
	"agroplan/internal/runtime/supervisor"
	"agroplan/internal/slots"
	"agroplan/internal/storage"
	kit "agroplan/internal/transport"
	"agroplan/internal/transport/telegram"
	logx "agroplan/pkg/logx"
)

// Options replace external dependencies, mostly for tests.
type Options struct {
	// Adapter defaults to the Telegram long-poll adapter.
	Adapter kit.Adapter
	// Forecast defaults to the Open-Meteo client.
	Forecast forecast.Provider
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Backend

	adapter kit.Adapter

	notif     *notifier.Service
	queue     *jobs.Queue
	reminders *reminder.Scheduler
	slots     *slots.Service
	picker    *manual.Picker
	autoplan  *autoplan.Service
	router    *bot.Router
	ops       *ops.Service

	updates chan kit.Update
}

// NewApp loads cfgPath and builds every component without starting any.
func NewApp(cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	ad := opt.Adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// Chat logging stays off until the target chat is known.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	groupLog, _ := mapGroupLog(cfg)
	logSvc.SetChatTarget(groupLog, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, root, opt); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger, opt Options) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	loc, err := mapLocation(cfg)
	if err != nil {
		return err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	fail := func(err error) error {
		_ = store.Close()
		return err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.notif = notifier.New(ncfg, a.adapter, comp("notifier"), a.bus)

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.queue = jobs.New(qcfg, comp("jobs"), a.bus)

	rcfg, err := mapReminderConfig(cfg, loc)
	if err != nil {
		return fail(err)
	}
	a.reminders = reminder.New(rcfg, store, a.notif, comp("reminder"), a.bus)

	fr := funnel.New(store, a.bus, comp("funnel"))

	fc := opt.Forecast
	if fc == nil {
		fcfg, err := mapForecastConfig(cfg)
		if err != nil {
			return fail(err)
		}
		fc = forecast.NewOpenMeteo(fcfg, comp("forecast"))
	}

	acfg, err := mapAutoplanConfig(cfg, loc)
	if err != nil {
		return fail(err)
	}
	a.autoplan = autoplan.New(acfg, store, fc, a.notif, a.queue, fr, comp("autoplan"))

	scfg, err := mapSlotsConfig(cfg, loc)
	if err != nil {
		return fail(err)
	}
	a.slots = slots.New(scfg, store, a.notif, a.autoplan, a.reminders, fr, comp("slots"))

	mcfg, err := mapManualConfig(cfg, loc)
	if err != nil {
		return fail(err)
	}
	a.picker = manual.New(mcfg, store, a.slots, comp("manual"))

	bcfg, err := mapBotConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.router = bot.New(bcfg, bot.Deps{
		Users:    store,
		Slots:    a.slots,
		Picker:   a.picker,
		Autoplan: a.autoplan,
		Out:      a.adapter,
	}, comp("bot"))

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.ops = ops.New(ocfg, ops.Sources{
		Queue:       a.queue,
		Reminders:   a.reminders,
		Deliveries:  a.notif,
		Supervisors: a.supervisors,
		Sweep:       a.SweepOnce,
	}, comp("ops"))
	return nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Store exposes the backend for seeding and one-shot commands.
func (a *App) Store() storage.Backend { return a.store }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Consumers first so nothing produced on startup is dropped.
	a.queue.Start(run)
	if err := a.reminders.Start(run); err != nil {
		return fmt.Errorf("reminders: %w", err)
	}
	if err := a.autoplan.Start(run); err != nil {
		return fmt.Errorf("autoplan: %w", err)
	}
	a.ops.Start(run)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	a.sup.Go("bot.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return sdWatchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies logging, notifier and ops. Other sections are
// logged as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if groupLog, err := mapGroupLog(next); err == nil {
		a.logs.SetChatTarget(groupLog, next.Logging.Telegram.ThreadID)
	}
	a.logs.Apply(mapLogConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if ocfg, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	sdNotify(a.log, "STATUS=config reloaded")
}

// SweepOnce delivers due reminders and re-drives pending runs, then returns.
// It backs the one-shot CLI command and needs no Start.
func (a *App) SweepOnce(ctx context.Context) error {
	var errs []error
	if err := a.reminders.Tick(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reminder sweep: %w", err))
	}
	n, err := a.autoplan.SweepPending(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("pending run sweep: %w", err))
	}
	a.log.Info("one-shot sweep done", logx.Int("runs", n))
	return errors.Join(errs...)
}

func (a *App) supervisors() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{"jobs": a.queue.Supervisor().Snapshot()}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	if a.sup != nil {
		a.sup.Cancel()
	}

	// Producers first, then consumers, then storage.
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "autoplan", time.Second, func(c context.Context) error { a.autoplan.Stop(c); return nil })
	a.step(ctx, "queue", 3*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	a.step(ctx, "reminders", time.Second, func(c context.Context) error { a.reminders.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases storage and log sinks of an app that was never started.
func (a *App) Close() error {
	return errors.Join(a.store.Close(), a.logs.Close())
}

// step bounds one shutdown step by limit without extending the caller's
// deadline. A step that overruns is logged and left running.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline passed)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

// Migrate applies the storage schema for cfgPath and exits.
func Migrate(cfgPath string, log logx.Logger) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	log.Info("schema applied", logx.String("driver", sc.Driver))
	return st.Close()
}
