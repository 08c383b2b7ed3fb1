// Package app wires the gateway together: config, logging, storage, the
// session registry, the dispatcher, the HTTP API and maintenance jobs.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"msgate/internal/config"
	"msgate/internal/dispatch"
	"msgate/internal/eventbus"
	"msgate/internal/httpapi"
	"msgate/internal/maintenance"
	"msgate/internal/runtime/supervisor"
	"msgate/internal/session"
	"msgate/internal/storage"
	"msgate/internal/templates"
	"msgate/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	templates  *templates.Store
	server     *httpapi.Server
	maint      *maintenance.Service
}

// Options are process-level settings that do not live in the config file.
type Options struct {
	Version string
	// AddrOverride replaces server.addr when set.
	AddrOverride string
}

// New loads the config and builds every component without starting any
// background work.
func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkMappings(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		store = st
	}

	factory, err := mapProviderFactory(cfg, logSvc.Logger(), nil)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	timeouts, err := mapSessionTimeouts(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	regOpts := session.Options{
		Factory:     factory,
		Bus:         bus,
		Log:         logSvc.Logger(),
		DefaultID:   cfg.Sessions.DefaultID,
		InitTimeout: timeouts.init,
		ReadyGrace:  timeouts.readyGrace,
	}
	if store != nil {
		regOpts.Store = store
	}
	reg := session.NewRegistry(context.Background(), regOpts)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	dopts := dispatch.Options{Sessions: reg, Bus: bus, Log: logSvc.Logger(), Config: dcfg}
	if store != nil {
		dopts.Deliveries = store
	}
	disp := dispatch.New(dopts)

	tpl := templates.NewStore()
	tpl.PutAll(cfg.Templates)

	scfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	if opts.AddrOverride != "" {
		scfg.Addr = opts.AddrOverride
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		sessions:   reg,
		dispatcher: disp,
		templates:  tpl,
	}

	deps := httpapi.Deps{
		Sessions:    reg,
		Dispatcher:  disp,
		Templates:   tpl,
		Supervisors: a.supervisors,
		Version:     opts.Version,
		StartedAt:   time.Now(),
	}
	if store != nil {
		deps.Deliveries = store
	}
	a.server = httpapi.New(scfg, deps, logSvc.Logger())

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	var pruner maintenance.Deliveries
	if store != nil {
		pruner = store
	}
	a.maint = maintenance.New(mcfg, reg, pruner, logSvc.Logger())

	log.Info("gateway configured",
		logx.String("config", cfgm.Path()),
		logx.String("provider", string(config.ProviderKind(cfg.Sessions.Provider))),
		logx.Bool("storage", store != nil),
		logx.Int("templates", len(cfg.Templates)),
	)
	return a, nil
}

func closeOnErr(store storage.Store, err error) error {
	if store != nil {
		_ = store.Close()
	}
	return err
}

// Addr is the bound HTTP address, or "" before Start.
func (a *App) Addr() string { return a.server.Addr() }

func (a *App) Sessions() *session.Registry { return a.sessions }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

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

func (a *App) supervisors() map[string]*supervisor.Supervisor {
	return map[string]*supervisor.Supervisor{
		"app":      a.sup,
		"sessions": a.sessions.Supervisor(),
		"http":     a.server.Supervisor(),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: every mapper must accept the new config
	// before it is committed and published
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkMappings(cfg)
	})

	a.dispatcher.Start(a.sup.Context())
	if err := a.server.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := eventbus.SubscribePrefix(a.bus, 128, "session.")
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
				a.logEvent(e)
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
				// coalesce bursts: apply only the latest
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

// logEvent surfaces session lifecycle events. The link challenge is the
// only way an operator sees what to scan or confirm.
func (a *App) logEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.SessionLinking:
		a.log.Info("session awaiting link", logx.Session(e.Session), logx.Any("challenge", e.Data))
	case eventbus.SessionFailed:
		a.log.Warn("session failed", logx.Session(e.Session), logx.Any("reason", e.Data))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Session(e.Session))
	}
}

// applyConfig pushes hot-reloadable settings to the running components.
// Mappers were already run by the validator, so errors here are unexpected.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restartOnly := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restartOnly) > 0 {
		a.log.Warn("config changes require restart to take effect", logx.Strings("fields", restartOnly))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if scfg, err := mapServerConfig(newCfg); err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(scfg)
	}

	if t, err := mapSessionTimeouts(newCfg); err != nil {
		a.log.Warn("invalid session timeouts; keeping previous", logx.Err(err))
	} else {
		a.sessions.SetTimeouts(t.init, t.readyGrace)
	}

	if dcfg, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(dcfg)
	}

	a.templates.PutAll(newCfg.Templates)

	if mcfg, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mcfg); err != nil {
		a.log.Warn("maintenance schedule rejected; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max <= 0 {
				max = time.Millisecond
			}
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// intake first, so no new batches arrive while sessions close
	step("http", 3*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("dispatcher", 5*time.Second, func(c context.Context) error { a.dispatcher.Stop(c); return nil })
	step("sessions", 5*time.Second, func(c context.Context) error { return a.sessions.Close(c) })

	// background loops (config watch/reload, event log) unwind here
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
