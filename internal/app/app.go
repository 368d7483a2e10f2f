// Package app wires the engine together: config, logging, storage,
// vehicles, services.
package app

import (
	"context"
	"time"

	"beacon/internal/audit"
	"beacon/internal/authz"
	"beacon/internal/broadcast"
	"beacon/internal/community"
	"beacon/internal/config"
	"beacon/internal/membership"
	"beacon/internal/storage"
	"beacon/internal/vehicle"
	"beacon/internal/vehicle/telegram"
	logx "beacon/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	vehicles *vehicle.Registry

	gate       *authz.Gate
	trail      *audit.Trail
	registry   *membership.Registry
	resolver   *membership.Resolver
	community  *community.Service
	orch       *broadcast.Orchestrator
	dispatcher *broadcast.Dispatcher
	scheduler  *broadcast.Scheduler

	tg *telegram.Driver
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	vehicles := vehicle.NewRegistry()
	var tg *telegram.Driver
	if cfg.Vehicles.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("vehicles.telegram.poll_timeout", cfg.Vehicles.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err = telegram.New(telegram.Config{
			Token:       cfg.Vehicles.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		vehicles.Register(tg)
		log.Info("vehicle registered", logx.String("kind", telegram.Kind))
	}

	trail := audit.NewTrail(store, log)
	gate := authz.NewGate(store, log)
	registry := membership.NewRegistry(store, log)
	resolver := membership.NewResolver(registry)
	communitySvc := community.NewService(store, registry, log)
	orch := broadcast.NewOrchestrator(store, gate, resolver, trail, log)

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := broadcast.NewDispatcher(dcfg, store, vehicles, log)
	orch.SetWaker(dispatcher)

	var scheduler *broadcast.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = broadcast.NewScheduler(broadcast.SchedulerConfig{
			ReleaseSpec: cfg.Scheduler.ReleaseSpec,
			Timezone:    cfg.Scheduler.Timezone,
		}, orch, log)
	}

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		store:      store,
		vehicles:   vehicles,
		gate:       gate,
		trail:      trail,
		registry:   registry,
		resolver:   resolver,
		community:  communitySvc,
		orch:       orch,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		tg:         tg,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := seedRoles(ctx, a.store); err != nil {
		return err
	}
	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var first error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	if err := a.dispatcher.Stop(ctx); err != nil && first == nil {
		first = err
	}
	if a.tg != nil {
		a.tg.Close()
	}
	if err := a.store.Close(); err != nil && first == nil {
		first = err
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return first
}

// Service accessors for the admin surfaces that drive the engine.

func (a *App) Communities() *community.Service     { return a.community }
func (a *App) Membership() *membership.Registry    { return a.registry }
func (a *App) Broadcasts() *broadcast.Orchestrator { return a.orch }
func (a *App) Gate() *authz.Gate                   { return a.gate }
func (a *App) Audit() *audit.Trail                 { return a.trail }

// seedRoles installs the built-in roles if they are missing. Idempotent.
func seedRoles(ctx context.Context, store storage.Store) error {
	roles := []storage.RoleRecord{
		{Name: "super_admin", Permissions: []string{authz.Wildcard}},
		{Name: "community_admin", Permissions: []string{authz.PermCommunityManage, authz.PermBroadcastSend}},
	}
	for _, r := range roles {
		if err := store.UpsertRole(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
