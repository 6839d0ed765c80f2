// Package app wires configuration, storage, the slip services, the dispatch
// worker and the operator surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slipdesk/internal/alert"
	"slipdesk/internal/clock"
	"slipdesk/internal/config"
	"slipdesk/internal/courier"
	"slipdesk/internal/dispatch"
	"slipdesk/internal/document"
	"slipdesk/internal/domain"
	"slipdesk/internal/eventbus"
	"slipdesk/internal/opshttp"
	"slipdesk/internal/report"
	rtsup "slipdesk/internal/runtime/supervisor"
	"slipdesk/internal/settings"
	"slipdesk/internal/slip"
	"slipdesk/internal/storage"
	"slipdesk/internal/transport"
	"slipdesk/internal/transport/telegram"
	"slipdesk/internal/transport/whatsapp"
	logx "slipdesk/pkg/logx"

	"golang.org/x/sync/errgroup"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	couriers  *courier.Registry
	allocator *courier.Allocator
	docs      *document.Registry
	settings  *settings.Service
	slips     *slip.Service
	router    *transport.Router

	sched  *dispatch.Scheduler
	worker *dispatch.Worker
	alerts *alert.Service
	digest *report.Digest
	ops    *opshttp.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	root := log
	log = log.With(logx.String("comp", "app"))

	// Anything that fails after this point must release the log file.
	ok := false
	defer func() {
		if !ok {
			_ = logSvc.Close()
		}
	}()

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver))

	clk := clock.System{}
	couriers := courier.NewRegistry(store, clk, bus, root)

	allocCfg, err := mapAllocatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	allocator := courier.NewAllocator(allocCfg, store, root)

	docs, err := document.New(mapDocumentsConfig(cfg))
	if err != nil {
		return nil, err
	}

	settingsSvc := settings.New(store, bus, root)
	slips := slip.New(slip.Deps{
		Store:     store,
		Allocator: allocator,
		Charger:   couriers,
		Renderer:  docs,
		Clock:     clk,
		Bus:       bus,
		Log:       root,
	})

	router, err := buildRouter(cfg, logSvc, root)
	if err != nil {
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := dispatch.New(dcfg, dispatch.Deps{
		Slips:     slips,
		Settings:  settingsSvc,
		Messenger: router,
		Store:     store,
		Clock:     clk,
		Log:       root,
	})
	worker := dispatch.NewWorker(sched, bus, root)

	acfg, err := mapAlertConfig(cfg)
	if err != nil {
		return nil, err
	}
	alerts := alert.New(acfg, router, bus, root)

	rcfg, err := mapReportConfig(cfg)
	if err != nil {
		return nil, err
	}
	digest := report.New(rcfg, slips, alerts, clk, root)
	if err := digest.Validate(rcfg); err != nil {
		return nil, err
	}

	ocfg, err := mapOpsHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	ops := opshttp.New(ocfg, opshttp.API{Dispatch: sched, Slips: slips, Couriers: couriers, Settings: settingsSvc}, root)

	ok = true
	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		couriers:  couriers,
		allocator: allocator,
		docs:      docs,
		settings:  settingsSvc,
		slips:     slips,
		router:    router,
		sched:     sched,
		worker:    worker,
		alerts:    alerts,
		digest:    digest,
		ops:       ops,
	}, nil
}

// buildRouter registers every configured channel. Contacts without a channel
// go to WhatsApp when it is enabled and to the log otherwise.
func buildRouter(cfg *config.Config, logs *logx.Service, log logx.Logger) (*transport.Router, error) {
	logM := transport.LogMessenger{Log: log.With(logx.String("comp", "messenger.log"))}
	router := transport.NewRouter(logM)
	router.Register(domain.ChannelLog, logM)

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{
			Token:          cfg.Telegram.Token,
			OperatorChatID: cfg.Telegram.OperatorChatID,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		router.Register(domain.ChannelTelegram, tg)
		if cfg.Telegram.OperatorChatID != 0 {
			logs.SetOpsSink(tg)
		}
	}

	if cfg.WhatsApp.Enabled {
		wcfg, err := mapWhatsAppConfig(cfg)
		if err != nil {
			return nil, err
		}
		wa, err := whatsapp.New(wcfg, log)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		router.Register(domain.ChannelWhatsApp, wa)
		router.SetDefault(wa)
	}
	return router, nil
}

func (a *App) Couriers() *courier.Registry    { return a.couriers }
func (a *App) Slips() *slip.Service           { return a.slips }
func (a *App) Settings() *settings.Service    { return a.settings }
func (a *App) Scheduler() *dispatch.Scheduler { return a.sched }

// OpsAddr is the bound ops HTTP address, empty when it is not serving.
func (a *App) OpsAddr() string { return a.ops.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if _, err := a.settings.Load(run); err != nil {
		return err
	}
	if err := a.seedSettings(run, a.cfgm.Get()); err != nil {
		return err
	}
	if err := a.sched.Load(run); err != nil {
		return err
	}
	// Alerts subscribe before recovery so slips failed by it reach operators.
	if a.alerts.Enabled() {
		a.alerts.Start(run)
	}
	if n, err := a.sched.Recover(run); err != nil {
		return err
	} else if n > 0 {
		a.log.Warn("slips left in flight by the previous run were recovered", logx.Int("slips", n))
	}
	a.worker.Start(run)
	if err := a.digest.Start(run); err != nil {
		return err
	}
	a.ops.Start(run)

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
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.String("messenger", a.router.Name()))
	return nil
}

// validate rejects a reload that a live service could not apply.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	collect(err)
	_, err = mapAllocatorConfig(cfg)
	collect(err)
	_, err = mapDispatchConfig(cfg)
	collect(err)
	_, err = mapAlertConfig(cfg)
	collect(err)
	_, err = mapOpsHTTPConfig(cfg)
	collect(err)
	if cfg.WhatsApp.Enabled {
		_, err = mapWhatsAppConfig(cfg)
		collect(err)
	}
	if rc, err := mapReportConfig(cfg); err != nil {
		collect(err)
	} else {
		collect(a.digest.Validate(rc))
	}
	if _, err := document.New(mapDocumentsConfig(cfg)); err != nil {
		collect(err)
	}
	return errors.Join(errs...)
}

// seedSettings overlays the notifications section onto the stored settings.
func (a *App) seedSettings(ctx context.Context, cfg *config.Config) error {
	if cfg == nil || cfg.Notifications == nil {
		return nil
	}
	cur := a.settings.Current()
	next, err := cfg.Notifications.Merge(cur)
	if err != nil {
		return err
	}
	if next == cur {
		return nil
	}
	_, err = a.settings.Update(ctx, next, "config")
	return err
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range []string{config.SectionStorage, config.SectionTelegram, config.SectionWhatsApp} {
		if config.Changed(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if config.Changed(sections, config.SectionLogging) {
		a.logs.Apply(mapLogConfig(next))
	}

	if config.Changed(sections, config.SectionTracking) {
		if ac, err := mapAllocatorConfig(next); err != nil {
			a.log.Warn("invalid tracking config; keeping previous", logx.Err(err))
		} else {
			a.allocator.Apply(ac)
		}
	}

	// Only a changed section is merged, so edits made through the ops API
	// survive unrelated reloads.
	if config.Changed(sections, config.SectionNotifications) {
		if err := a.seedSettings(c, next); err != nil {
			a.log.Warn("notification settings not applied", logx.Err(err))
		}
	}

	if config.Changed(sections, config.SectionDispatch) {
		if dc, err := mapDispatchConfig(next); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			wasRunning := a.worker.Running()
			a.sched.Apply(dc)
			switch {
			case wasRunning && !dc.Enabled:
				a.log.Info("dispatch disabled via config")
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				_ = a.worker.Stop(stopCtx)
				cancel()
			case wasRunning:
				// pick up the new tick
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				_ = a.worker.Stop(stopCtx)
				cancel()
				a.worker.Start(c)
			case dc.Enabled:
				a.log.Info("dispatch enabled via config")
				a.worker.Start(c)
			}
		}
	}

	if config.Changed(sections, config.SectionAlerts) || config.Changed(sections, config.SectionTelegram) {
		prevEnabled := a.alerts.Enabled()
		if ac, err := mapAlertConfig(next); err != nil {
			a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		} else {
			a.alerts.Apply(ac)
			switch {
			case prevEnabled && !ac.Enabled:
				a.log.Info("alerts disabled via config")
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				a.alerts.Stop(stopCtx)
				cancel()
			case !prevEnabled && ac.Enabled:
				a.log.Info("alerts enabled via config")
				a.alerts.Start(c)
			}
		}
	}

	if config.Changed(sections, config.SectionReport) || config.Changed(sections, config.SectionDispatch) {
		if rc, err := mapReportConfig(next); err != nil {
			a.log.Warn("invalid report config; keeping previous", logx.Err(err))
		} else if err := a.digest.Apply(rc); err != nil {
			a.log.Warn("report config not applied", logx.Err(err))
		} else if err := a.digest.Start(c); err != nil {
			a.log.Warn("digest start failed", logx.Err(err))
		}
	}

	if config.Changed(sections, config.SectionDocuments) {
		if err := a.docs.Apply(mapDocumentsConfig(next)); err != nil {
			a.log.Warn("invalid document templates; keeping previous", logx.Err(err))
		}
	}

	if config.Changed(sections, config.SectionOpsHTTP) {
		if oc, err := mapOpsHTTPConfig(next); err != nil {
			a.log.Warn("invalid ops_http config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(c, oc)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// The worker goes first: an in-flight send records its outcome before
	// the alert queue drains.
	step("dispatch", 5*time.Second, a.worker.Stop)
	step("services", 3*time.Second, func(c context.Context) error {
		var g errgroup.Group
		g.Go(func() error { a.ops.Stop(c); return nil })
		g.Go(func() error { a.digest.Stop(c); return nil })
		g.Go(func() error { a.alerts.Stop(c); return nil })
		return g.Wait()
	})
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
