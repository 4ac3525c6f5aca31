package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"herald/internal/directory"
	"herald/internal/eventbus"
	"herald/internal/notify"
	"herald/internal/observability/pprof"
	"herald/internal/scheduler"
	"herald/internal/storage"
	kit "herald/internal/transport"
	"herald/internal/transport/gateway"
	"herald/internal/transport/telegram"
	logx "herald/pkg/logx"
)

// EventConfigReloaded is published on the bus after a reload took effect.
// Data carries the changed section names.
const EventConfigReloaded = "config.reloaded"

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sender kit.Sender

	sched *scheduler.Scheduler
	dir   *directory.Service
	notif *notify.Service
	pprof *pprof.Service

	updates chan kit.DirectoryUpdate
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "transport"))
	sender, err := buildSender(cfg, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies its config right away, and an enabled telegram sink
	// without a target warns. Bring the service up with the sink off, point
	// it at the ops chat, then apply the real config.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, sender)
	log = log.With(logx.String("comp", "app"))

	if cfg.Notify.OpsDestination != 0 {
		logSvc.SetTelegramTarget(cfg.Notify.OpsDestination)
	}
	logSvc.Apply(mapLogConfig(cfg))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(bcfg, store, sender, bus, log.With(logx.String("comp", "scheduler")))

	dcfg, err := mapDirectoryConfig(cfg)
	if err != nil {
		return nil, err
	}
	dirSvc := directory.New(dcfg, store, sender, schedSvc, bus, log.With(logx.String("comp", "directory")))

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, sender, bus, log.With(logx.String("comp", "notify")))

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sender:  sender,
		sched:   schedSvc,
		dir:     dirSvc,
		notif:   notifSvc,
		pprof:   pprofSvc,
		updates: make(chan kit.DirectoryUpdate, 256),
	}, nil
}

func buildSender(cfg *Config, log logx.Logger) (kit.Sender, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Transport.Kind)); kind {
	case "", "telegram":
		pollTimeout, err := parseDurationOrDefault("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       resolveTelegramToken(cfg),
			PollTimeout: pollTimeout,
		}, log)
	case "gateway":
		timeout, err := parseDurationOrDefault("transport.gateway.timeout", cfg.Transport.Gateway.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		return gateway.New(gateway.Config{
			BaseURL: cfg.Transport.Gateway.BaseURL,
			Timeout: timeout,
		}, log)
	default:
		return nil, fmt.Errorf("unknown transport.kind: %s", cfg.Transport.Kind)
	}
}

// resolveTelegramToken prefers the inline token, then the named environment
// variable (HERALD_BOT_TOKEN when unset) so tokens stay out of checked-in
// configs.
func resolveTelegramToken(cfg *Config) string {
	if tok := strings.TrimSpace(cfg.Transport.Telegram.Token); tok != "" {
		return tok
	}
	env := strings.TrimSpace(cfg.Transport.Telegram.TokenEnv)
	if env == "" {
		env = "HERALD_BOT_TOKEN"
	}
	return strings.TrimSpace(os.Getenv(env))
}

// Done closes once the run context is canceled, whether by Stop or by a
// fatal error inside a supervised goroutine.
func (a *App) Done() <-chan struct{} {
	if a.sup != nil {
		return a.sup.Context().Done()
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Err returns the first fatal error the supervisor saw, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validateConfig gates hot reloads: a config that fails any mapper never
// reaches subscribers, so running services only ever see usable configs.
func validateConfig(_ context.Context, cfg *Config) error {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Transport.Kind)); kind {
	case "", "telegram", "gateway":
	default:
		return fmt.Errorf("unknown transport.kind: %s", cfg.Transport.Kind)
	}
	if _, err := parseDurationField("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := parseDurationField("transport.gateway.timeout", cfg.Transport.Gateway.Timeout); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDirectoryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validateConfig)
	}

	// Push-style membership updates, when the transport produces them.
	if runner, ok := a.sender.(kit.Runner); ok {
		if err := runner.Start(a.sup.Context(), a.updates); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	// Everything below runs on the supervisor context; canceling it unwinds
	// whatever already started.
	if err := a.dir.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return err
	}

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Campaigns persisted as enabled resume without operator action.
	if err := a.sched.StartIfEnabled(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			a.logEvents(c, events)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.runReloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Debug level; cycle events arrive constantly.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) runReloadLoop(ctx context.Context, sub chan *Config) {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			if next == nil {
				continue
			}
			prev = a.applyReload(ctx, prev, drainNewest(sub, next))
		}
	}
}

// drainNewest empties queued reloads so a burst applies once, with the last
// config winning.
func drainNewest(sub chan *Config, cur *Config) *Config {
	for {
		select {
		case next := <-sub:
			if next != nil {
				cur = next
			}
		default:
			return cur
		}
	}
}

// applyReload pushes one committed config into the running services and
// returns it as the new diff baseline.
func (a *App) applyReload(ctx context.Context, prev, next *Config) *Config {
	sections, attrs := SummarizeConfigChange(prev, next)
	changed := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if len(sections) > 0 {
		a.log.Debug("config change summary", changed...)
	} else {
		a.log.Debug("config reload carried no effective changes")
	}

	dirChanged := false
	gateChanged := false
	for _, s := range sections {
		switch s {
		case "storage", "transport":
			a.log.Warn(s + " settings changed, effective after restart")
		case "directory":
			dirChanged = true
		case "broadcast", "payments":
			gateChanged = true
		}
	}

	// Target first; enabling telegram logging in the same reload must not warn.
	a.logs.SetTelegramTarget(next.Notify.OpsDestination)
	a.logs.Apply(mapLogConfig(next))

	// Gate and cycle settings are picked up by running loops on their next cycle.
	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("broadcast config invalid, keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(bcfg)
	}

	// New gate parameters can flip eligibility either way.
	if gateChanged {
		a.sup.Go0("scheduler.refresh", func(c context.Context) {
			if err := a.sched.RefreshAll(c); err != nil {
				a.log.Warn("campaign reconcile after reload failed", logx.Err(err))
			}
		})
	}

	a.reloadDirectory(ctx, next, dirChanged)
	a.reloadNotify(ctx, next)

	if a.pprof != nil {
		if ppc, err := mapPprofConfig(next); err != nil {
			a.log.Warn("pprof config invalid, keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(ctx, ppc)
		}
	}

	// One concise line at info; the details sit in the debug summary above.
	if len(sections) > 0 {
		a.log.Info("config reloaded", changed...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: EventConfigReloaded, Data: sections})
	}
	return next
}

func (a *App) reloadDirectory(ctx context.Context, next *Config, restart bool) {
	dcfg, err := mapDirectoryConfig(next)
	if err != nil {
		a.log.Warn("directory config invalid, keeping previous", logx.Err(err))
		return
	}
	a.dir.Apply(dcfg)
	if !restart {
		return
	}
	// New sweep intervals only take hold on a fresh Start.
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	_ = a.dir.Stop(stopCtx)
	cancel()
	if err := a.dir.Start(ctx, a.updates); err != nil {
		a.log.Warn("directory restart failed", logx.Err(err))
	}
}

func (a *App) reloadNotify(ctx context.Context, next *Config) {
	if a.notif == nil {
		return
	}
	ncfg, err := mapNotifyConfig(next)
	if err != nil {
		a.log.Warn("notify config invalid, keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !a.notif.Enabled():
		a.log.Info("ops alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && a.notif.Enabled():
		a.log.Info("ops alerts enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context up front; every loop starts unwinding while the
	// ordered teardown below runs.
	a.sup.Cancel()

	// Broadcast loops drain first, then the things they depend on.
	a.stopStep(ctx, "broadcasts", 2*time.Second, a.sched.StopAll)
	a.stopStep(ctx, "directory", 2*time.Second, a.dir.Stop)
	a.stopStep(ctx, "notify", time.Second, a.notif.Stop)
	a.stopStep(ctx, "pprof", time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	a.stopStep(ctx, "transport", 2*time.Second, func(c context.Context) error {
		if runner, ok := a.sender.(kit.Runner); ok {
			return runner.Stop(c)
		}
		return nil
	})
	a.stopStep(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Supervised goroutines (config watch/reload, event log) go last.
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// stopStep runs one teardown action under its own deadline so a stuck
// component cannot stall the rest of the shutdown.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx, cancel := boundedCtx(ctx, limit)
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor its context. When it does not, keep going and let the
		// straggler show up in the logs.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				return
			}
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
		}()
	}
}

// boundedCtx caps ctx at limit without ever extending the parent deadline.
func boundedCtx(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		return ctx, func() {}
	}
	if dl, ok := ctx.Deadline(); ok {
		if time.Until(dl) <= limit {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, limit)
}
