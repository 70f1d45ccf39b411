// Package app wires reminderd together: config, logging, storage, the
// reminder engine, the Telegram transport and the observability server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"reminderd/internal/config"
	"reminderd/internal/eventbus"
	"reminderd/internal/goals"
	"reminderd/internal/notifier"
	"reminderd/internal/observability/httpserver"
	"reminderd/internal/reminders"
	rtsup "reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	kit "reminderd/internal/transport"
	telegram "reminderd/internal/transport/telegram/adapter"
	"reminderd/internal/transport/telegram/router"
	logx "reminderd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus
	kv   storage.Store

	// adapter, chat, logSender and router stay nil without a bot token.
	adapter   *telegram.Adapter
	chat      *notifier.ChatDispatcher
	logSender *chatLogSender
	router    *router.Manager

	exec  *engine.Executor
	goals *goals.StoreChecker
	rem   *reminders.Service
	http  *httpserver.Service

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		ad        *telegram.Adapter
		logSender *chatLogSender
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		acfg, err := mapAdapterConfig(cfg)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		if ad, err = telegram.New(acfg, bootLog); err != nil {
			return nil, err
		}
		logSender = newChatLogSender(ad, chatTarget(cfg))
	}

	logSvc, log := logx.New(mapLogConfig(cfg.Logging), nil)
	if logSender != nil {
		logSvc.SetSender(logSender)
	}
	appLog := log.With(logx.String("comp", "app"))

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", scfg.Driver))

	a, err := build(cfg, kv, ad, log, logSvc)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logSender = logSender
	return a, nil
}

// build assembles the engine around an opened store and an optional
// adapter. Tests call it with an in-memory store.
func build(cfg *config.Config, kv storage.Store, ad *telegram.Adapter, log logx.Logger, logSvc *logx.Service) (*App, error) {
	loc, err := cfg.Reminders.Location()
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	exec := engine.New(engine.Config{QueueSize: cfg.Reminders.QueueSize}, log.With(logx.String("comp", "taskengine")), bus)

	a := &App{
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		kv:      kv,
		exec:    exec,
		updates: make(chan kit.Update, 256),
	}

	var disp notifier.Dispatcher = notifier.NewLog(log.With(logx.String("comp", "notifier")), bus)
	if ad != nil {
		ncfg, err := mapNotifierConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.adapter = ad
		a.chat = notifier.NewChat(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)
		disp = a.chat
		a.router = router.New(log.With(logx.String("comp", "commands")), ad, router.Options{
			Owners:  owners(cfg),
			Timeout: 30 * time.Second,
		})
	} else {
		a.log.Warn("telegram token not set; reminders are written to the log only")
	}

	prefix := strings.TrimSpace(cfg.Reminders.GoalKeyPrefix)
	if prefix == "" {
		prefix = goals.DefaultKeyPrefix
	}
	a.goals = goals.NewStoreChecker(kv, prefix, func() time.Time { return time.Now().In(loc) })

	a.rem = reminders.New(reminders.Options{
		KV:                       kv,
		Exec:                     exec,
		Dispatcher:               disp,
		Goals:                    a.goals,
		Log:                      log.With(logx.String("comp", "reminders")),
		Bus:                      bus,
		Location:                 loc,
		DefaultEnabledOnFirstRun: cfg.Reminders.DefaultEnabledOnFirstRun,
	})

	hcfg, err := httpserver.FromConfig(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	a.http = httpserver.New(hcfg, httpserver.Sources{
		Status: func(ctx context.Context) any { return a.status(ctx) },
		Health: a.health,
	}, log.With(logx.String("comp", "http")))
	return a, nil
}

// Reminders exposes the engine for one-shot CLI operations.
func (a *App) Reminders() *reminders.Service { return a.rem }

// Done is closed when the app context ends (fatal error or Stop).
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

func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	return a.sup.Context().Err()
}

type appStatus struct {
	Reminders reminders.Status `json:"reminders"`
	Executor  engine.Snapshot  `json:"executor"`
	Runtime   rtsup.Snapshot   `json:"runtime"`
	Dropped   uint64           `json:"bus_dropped"`
}

func (a *App) status(ctx context.Context) appStatus {
	return appStatus{
		Reminders: a.rem.Status(ctx),
		Executor:  a.exec.Snapshot(),
		Runtime:   a.sup.Snapshot(),
		Dropped:   a.bus.Dropped(),
	}
}

// Start launches the engine, the transport and the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	rctx := a.sup.Context()

	a.exec.Start(rctx)
	if err := a.rem.Start(rctx); err != nil {
		return fmt.Errorf("reminders: %w", err)
	}

	if a.adapter != nil {
		if err := a.adapter.Start(rctx, a.updates); err != nil {
			return err
		}
		inbound := make(chan kit.Update, cap(a.updates))
		a.sup.Go0("updates.tee", func(c context.Context) { a.teeUpdates(c, inbound) })
		a.router.SetRegistry(rctx, commands(a.rem, a.goals))
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, inbound)
		})
	}

	a.http.Start(rctx)
	a.startEventLog()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validateReload)
		a.startReload()
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Bool("telegram", a.adapter != nil))
	return nil
}

// teeUpdates notes every inbound message for the chat dispatcher, which
// clears a refused-delivery state once the user writes again, and forwards
// the update to the command router.
func (a *App) teeUpdates(ctx context.Context, out chan<- kit.Update) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			if up.Message != nil && a.chat != nil {
				a.chat.NoteInbound(up.Message.ChatID)
			}
			select {
			case out <- up:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *App) startEventLog() {
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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// validateReload rejects configs the running components cannot apply.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := httpserver.FromConfig(cfg.HTTP); err != nil {
		return err
	}
	_, err := mapAdapterConfig(cfg)
	return err
}

func (a *App) startReload() {
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
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

// applyConfig pushes a committed config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	if a.logSender != nil {
		a.logSender.setTarget(chatTarget(next))
	}
	if changed("logging") && a.logs != nil {
		a.logs.Apply(mapLogConfig(next.Logging))
	}
	if a.router != nil {
		a.router.SetOwners(owners(next))
	}
	if a.chat != nil && (changed("notifier") || changed("telegram")) {
		if ncfg, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.chat.Apply(ncfg)
		}
	}
	if changed("http") {
		if hcfg, err := httpserver.FromConfig(next.HTTP); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hcfg)
		}
	}
	if changed("reminders") {
		if loc, err := next.Reminders.Location(); err != nil {
			a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		} else if err := a.rem.SetLocation(ctx, loc); err != nil {
			a.log.Warn("timezone change failed", logx.Err(err))
		}
		if prev != nil && prev.Reminders.QueueSize != next.Reminders.QueueSize {
			a.log.Warn("reminders.queue_size changed; restart required for changes to take effect")
		}
	}

	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts everything down in bounded steps. A step that overruns is
// logged and left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	a.sup.Cancel()

	a.step(ctx, "reminders", 2*time.Second, a.rem.Stop)
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	}
	a.step(ctx, "taskengine", 2*time.Second, a.exec.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.kv.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// Never extend the caller's deadline.
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
