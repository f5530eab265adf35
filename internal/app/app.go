// Package app wires configuration, storage, mail, the notification runner and
// the HTTP server into the labkeeper processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"labkeeper/internal/config"
	"labkeeper/internal/eventbus"
	"labkeeper/internal/httpapi"
	"labkeeper/internal/ledger"
	"labkeeper/internal/mail"
	"labkeeper/internal/metrics"
	"labkeeper/internal/notifier"
	"labkeeper/internal/notify"
	"labkeeper/internal/runtime/supervisor"
	"labkeeper/internal/scheduler"
	"labkeeper/internal/storage"
	logx "labkeeper/pkg/logx"
)

// notifyJob is the scheduler job name of the expiration run.
const notifyJob = "notify"

// Mode selects which components New builds.
type Mode int

const (
	// ModeServer builds everything: HTTP API, scheduler, confirmation queue.
	ModeServer Mode = iota
	// ModeNotify builds only what one notification run needs.
	ModeNotify
)

type Options struct {
	Mode    Mode
	Verbose bool
	Version string
}

type App struct {
	cfgPath string
	opts    Options

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store // nil when runs read from elsewhere in ModeNotify
	ledger  ledger.Store
	mailer  mail.Mailer
	runner  *notify.Runner
	metrics *metrics.Metrics

	notif *notifier.Service
	sched *scheduler.Service
	http  *httpapi.Server

	startedAt time.Time
}

// New loads and validates the config file and builds the components for opts.Mode.
// Nothing is started.
func New(cfgPath string, opts Options) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err == nil {
		err = validate(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogging(cfg, opts.Verbose))
	a := &App{
		cfgPath: cfgPath,
		opts:    opts,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	loc, err := config.LoadLocation("notify.timezone", cfg.Notify.Timezone)
	if err != nil {
		return nil, err
	}

	if opts.Mode == ModeServer || usesStore(cfg) {
		sc, err := mapStorageConfig(cfg, loc)
		if err != nil {
			return nil, err
		}
		a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open item store: %w", err)
		}
		a.log.Debug("item store opened", logx.String("driver", sc.Driver))
	}

	lc, err := mapLedgerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ledger, err = ledger.Open(lc, log.With(logx.String("comp", "ledger")))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	mc, err := mapMailConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.mailer, err = mail.New(mc, log)
	if err != nil {
		return nil, err
	}

	parts, err := mapNotifyConfig(cfg, mc)
	if err != nil {
		return nil, err
	}
	composer, err := notify.NewComposer(parts.composer)
	if err != nil {
		return nil, err
	}
	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	var storeSource notify.Source
	if a.store != nil {
		storeSource = a.store
	}
	source, err := notify.OpenSource(srcCfg, storeSource)
	if err != nil {
		return nil, err
	}
	disp := notify.NewDispatcher(composer, a.mailer, parts.disp, log.With(logx.String("comp", "dispatcher")), a.bus)
	a.runner = notify.NewRunner(source, a.ledger, disp, parts.runner, log.With(logx.String("comp", "notify")), a.bus)

	if opts.Mode == ModeNotify {
		return a, nil
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, a.mailer, log.With(logx.String("comp", "notifier")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")), a.bus)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		store := a.store
		a.metrics.ItemCounts(func(ctx context.Context) (int, int, error) {
			c, err := store.Counts(ctx)
			return c.Active, c.Archived, err
		})
	}

	hc, err := mapHTTPConfig(cfg, loc, opts.Version)
	if err != nil {
		return nil, err
	}
	deps := httpapi.Deps{
		Store:    a.store,
		Composer: composer,
		Confirm:  a.notif,
		Runner:   a.runner,
		Metrics:  a.metrics,
		Runtime:  a.runtimeSnapshot,
	}
	router := httpapi.NewRouter(hc, deps, log.With(logx.String("comp", "http")))
	a.http = httpapi.NewServer(hc, router, log.With(logx.String("comp", "http")))
	return a, nil
}

// Logger is the application logger.
func (a *App) Logger() logx.Logger { return a.log }

// NotifyOnce performs a single notification run.
func (a *App) NotifyOnce(ctx context.Context, opts notify.RunOptions) (notify.Summary, error) {
	return a.runner.RunOnce(ctx, opts)
}

// Close releases stores and log files. Used after NotifyOnce; Stop calls it too.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("item store close failed", logx.Err(err))
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Warn("ledger close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

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

// Start launches the server components. ModeServer only.
func (a *App) Start(ctx context.Context) error {
	if a.opts.Mode != ModeServer {
		return errors.New("app: Start requires ModeServer")
	}
	a.startedAt = time.Now()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.metrics != nil {
		a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
	}

	cfg := a.cfgm.Get()
	if err := a.applySchedule(runCtx, cfg); err != nil {
		return err
	}

	a.http.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("version", a.opts.Version), logx.String("config", a.cfgPath))
	return nil
}

// validate is the hot reload gate: Validate plus checks needing other packages.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if _, err := scheduler.Parse(cfg.Scheduler.NotifySchedule); err != nil {
			return fmt.Errorf("scheduler.notify_schedule: %w", err)
		}
	}
	return nil
}

// scheduledRun is the scheduler job. A run already in progress (manual or
// from another process) is not an error.
func (a *App) scheduledRun(ctx context.Context) error {
	_, err := a.runner.RunOnce(ctx, notify.RunOptions{})
	if errors.Is(err, notify.ErrRunInProgress) {
		a.log.Info("scheduled run skipped; another run holds the ledger")
		return nil
	}
	return err
}

// applySchedule reconciles the scheduler with cfg.Scheduler.
func (a *App) applySchedule(ctx context.Context, cfg *config.Config) error {
	sc := mapSchedulerConfig(cfg)
	wasRunning := a.sched.Snapshot().Running
	a.sched.Apply(sc)

	if !sc.Enabled {
		a.sched.Remove(notifyJob)
		if wasRunning {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
			a.log.Info("scheduler disabled via config")
		}
		return nil
	}
	if err := a.sched.Add(notifyJob, cfg.Scheduler.NotifySchedule, 0, a.scheduledRun); err != nil {
		return fmt.Errorf("scheduler.notify_schedule: %w", err)
	}
	a.sched.Start(ctx)
	if cfg.Scheduler.RunOnStart && !wasRunning {
		if err := a.sched.Trigger(notifyJob); err != nil {
			a.log.Warn("run on start not triggered", logx.Err(err))
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogging(newCfg, a.opts.Verbose))

	if err := a.applySchedule(ctx, newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the server down. Each step is bounded so one component cannot
// stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	step := func(name string, limit time.Duration, fn func(context.Context)) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop taking requests first, then let a running notification finish,
	// then drain queued confirmations.
	step("http", 5*time.Second, a.http.Stop)
	step("scheduler", 10*time.Second, a.sched.Stop)
	step("notifier", 5*time.Second, a.notif.Stop)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	a.log.Info("stopped")
	a.Close()
	return a.sup.Err()
}
