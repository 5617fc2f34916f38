// Package app wires clockbot together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"clockbot/internal/bot"
	"clockbot/internal/chrono"
	"clockbot/internal/config"
	"clockbot/internal/eventbus"
	"clockbot/internal/httpserver"
	"clockbot/internal/metrics"
	"clockbot/internal/notifier"
	"clockbot/internal/profile"
	rtsup "clockbot/internal/runtime/supervisor"
	"clockbot/internal/storage"
	"clockbot/internal/task"
	"clockbot/internal/task/engine"
	"clockbot/internal/task/scheduler"
	kit "clockbot/internal/transport"
	telegram "clockbot/internal/transport/telegram/adapter"
	logx "clockbot/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	tasks    *task.Store
	profiles profile.Store

	adapter *telegram.Adapter
	engine  *engine.Engine
	sched   *scheduler.Service
	notif   *notifier.Service
	bot     *bot.Bot
	metrics *metrics.Metrics
	http    *httpserver.Service

	updates chan kit.Update
}

// New builds every component from the loaded config. Nothing runs until
// Start.
func New(ctx context.Context, cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(mapTelegram(cfg), bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.OpsChatID == 0 {
		log.Warn("logging.telegram enabled without telegram.ops_chat_id; ignored")
	}
	if !cfg.Development() && !cfg.UseWebhook() {
		log.Warn("no webhook URL configured; falling back to polling in production")
	}

	bus := eventbus.New()

	store, err := storage.Open(mapStorage(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	profiles, err := profile.Open(ctx, mapProfiles(cfg), store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	tasks := task.Open(ctx, store, log.With(logx.String("comp", "tasks")))

	client := chrono.New(mapChrono(cfg), nil, log.With(logx.String("comp", "chrono")))
	notif := notifier.New(mapNotifier(cfg), ad, log.With(logx.String("comp", "notifier")), bus, store)

	eng := engine.New(tasks, profiles, client, notif,
		engine.WithLogger(log.With(logx.String("comp", "engine"))),
		engine.WithBus(bus),
		engine.WithAudit(store),
		engine.WithActionTimeout(actionTimeout(cfg)),
	)
	sched := scheduler.New(mapScheduler(cfg), eng, log.With(logx.String("comp", "scheduler")))

	b := bot.New(mapBot(cfg), bot.Deps{
		Adapter:  ad,
		Tasks:    tasks,
		Profiles: profiles,
		Invoker:  client,
		Audit:    store,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "bot")),
	})

	m := metrics.New(log.With(logx.String("comp", "metrics")), func() int { return len(tasks.Pending()) })

	var hs *httpserver.Service
	if cfg.HTTPEnabled() {
		routes := httpserver.Routes{Metrics: m.Handler()}
		if ad.Webhook() {
			routes.WebhookPath = mapTelegram(cfg).WebhookPath()
			routes.Webhook = ad.WebhookHandler()
		}
		hs = httpserver.New(mapHTTP(cfg), routes, log.With(logx.String("comp", "http")))
	}

	log.Info("configured",
		logx.String("mode", cfg.Mode),
		logx.String("delivery", cfg.DeliveryMode()),
		logx.Bool("http", cfg.HTTPEnabled()),
		logx.String("storage", store.Describe()),
		logx.String("profiles", strings.ToLower(cfg.Profiles.Driver)),
		logx.String("data_dir", cfg.Storage.Dir),
	)

	return &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		tasks:    tasks,
		profiles: profiles,
		adapter:  ad,
		engine:   eng,
		sched:    sched,
		notif:    notif,
		bot:      b,
		metrics:  m,
		http:     hs,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.SchedulerEnabled() {
			if err := a.sched.Validate(mapScheduler(cfg)); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
		}
		return nil
	})

	a.notif.Start(run)
	a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go("bot.dispatch", func(c context.Context) error { return a.bot.Run(c, a.updates) })

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu", a.bot.PublishMenus)

	if a.http != nil {
		if err := a.http.Start(run); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}
	if err := a.sched.Start(run); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

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

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("pending_tasks", len(a.tasks.Pending())))
	return nil
}

// reloadLoop applies hot-reloadable settings: logging, notifier and the
// tick schedule. Everything else is logged as needing a restart.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			if r := config.RestartRequired(last, cfg); len(r) > 0 {
				a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(r, ",")))
			}
			last = cfg
			a.logs.Apply(mapLogging(cfg))
			a.notif.Apply(mapNotifier(cfg))
			a.sched.Apply(mapScheduler(cfg))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop the schedule first so no pass starts while the rest unwinds.
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.sup.Cancel()
	if a.http != nil {
		a.step(ctx, "http", 3*time.Second, a.http.Stop)
	}
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "tasks", 2*time.Second, a.tasks.Flush)

	err := a.close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) close() error {
	var errs []error
	if c, ok := a.profiles.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and never past ctx's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline passed)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
