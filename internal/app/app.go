// Package app wires the daemon together: config, logging, store, processor
// registry, scheduler, and the optional alert pipeline.
package app

import (
	"context"
	"fmt"

	"arbatch/internal/alert"
	"arbatch/internal/batch"
	"arbatch/internal/batch/scheduler"
	"arbatch/internal/config"
	"arbatch/internal/eventbus"
	"arbatch/internal/processors"
	rtsup "arbatch/internal/runtime/supervisor"
	"arbatch/internal/store"
	logx "arbatch/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	// storeCfg is the storage config the store was opened with; reloads that
	// change it only take effect after a restart.
	storeCfg store.Config

	reg    *batch.Registry
	sched  *scheduler.Service
	alerts *alert.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	reg := batch.NewRegistry()
	if err := processors.RegisterAll(reg, processors.Deps{
		Store:     st,
		ExportDir: cfg.Export.Dir,
	}); err != nil {
		return nil, err
	}
	log.Info("processors registered", logx.Any("types", reg.Types()))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, st, reg, log, bus)

	alerts, err := alert.New(mapAlertConfig(cfg), log, bus)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		st:       st,
		storeCfg: storeCfg,
		reg:      reg,
		sched:    sched,
		alerts:   alerts,
	}, nil
}

// Scheduler exposes the job facade (used by tests and embedding callers).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Scheduler.MaxConcurrentJobs < 0 {
			return fmt.Errorf("scheduler.max_concurrent_jobs must be >= 0")
		}
		if cfg.Scheduler.ProgressRatePerSec < 0 {
			return fmt.Errorf("scheduler.progress_rate_per_sec must be >= 0")
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if cfg.Alerts != nil && cfg.Alerts.Enabled {
			if cfg.Alerts.Token == "" {
				return fmt.Errorf("alerts.token is required when alerts are enabled")
			}
			if cfg.Alerts.ChatID == 0 {
				return fmt.Errorf("alerts.chat_id is required when alerts are enabled")
			}
		}
		return nil
	})

	a.sched.Start(a.sup.Context())
	a.alerts.Start(a.sup.Context())

	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.startReloadLoop()
	return nil
}

// startReloadLoop applies validated config updates at runtime. Logging and
// scheduler knobs apply in place; storage and alert transport changes need a
// restart.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		// Validator already rejected bad configs; this is belt and braces.
		a.log.Warn("scheduler config not applied", logx.Err(err))
		return
	}
	a.sched.Apply(schedCfg)

	if sc, err := mapStorageConfig(cfg); err == nil && sc != a.storeCfg {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	a.log.Info("config applied",
		logx.Int("max_concurrent_jobs", schedCfg.MaxConcurrentJobs),
		logx.Duration("poll_interval", schedCfg.PollInterval))
}

func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var firstErr error
	if err := a.alerts.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.sched.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = a.logs.Close()
	return firstErr
}
