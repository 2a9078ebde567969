package main

import (
	"context"
	"fmt"

	"porter/internal/agents"
	"porter/internal/auth"
	"porter/internal/cache"
	"porter/internal/config"
	"porter/internal/db"
	"porter/internal/execution"
	"porter/internal/fly"
	"porter/internal/github"
	"porter/internal/logger"
	"porter/internal/service"
	"porter/internal/settings"
	"porter/internal/watchdog"

	"github.com/go-redis/redis/v8"
)

// app is the wired process
type app struct {
	cfg        *config.Config
	store      execution.Store
	settings   *settings.FileStore
	machines   *fly.Client
	github     github.Factory
	cache      cache.Cache
	apps       auth.InstallationTokenSource
	agents     *agents.Registry
	publisher  *service.StatusPublisher
	tokens     *service.TokenResolver
	dispatcher *service.Dispatcher
	callbacks  *service.CallbackHandler
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, cache: cache.Noop{}}
	log := logger.Component("app")

	signer, err := auth.NewCallbackSigner(cfg.Callback.Secret)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled || cfg.Store.Driver == config.StoreDriverRedis {
		rdb, err = cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		log.WithField("addr", cfg.Redis.Addr).Info("Redis connected")
	}
	if cfg.Redis.Enabled {
		a.cache = cache.NewRedisCache(rdb, "porter:cache:")
	}

	storeOpts := []execution.Option{execution.WithLogger(logger.Component("execution-store"))}
	switch cfg.Store.Driver {
	case config.StoreDriverRedis:
		a.store = execution.NewRedisStore(rdb, signer, storeOpts...)
	case config.StoreDriverMySQL:
		gdb, err := db.InitMySQL(cfg.MySQL.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error { return db.Close(gdb) })
		a.store = execution.NewGormStore(gdb, signer, storeOpts...)
	default:
		a.store = execution.NewFileStore(cfg.Store.Path, signer, storeOpts...)
	}
	if err := a.store.Open(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open %s execution store: %w", cfg.Store.Driver, err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.settings, err = settings.NewFileStore(cfg.Settings.Path)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.GitHub.AppConfigured() {
		source, err := auth.LoadAppTokenSource(cfg.GitHub.AppID, cfg.GitHub.PrivateKeyPath, cfg.GitHub.APIBaseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.apps = source
	}

	a.machines = fly.NewClient(fly.WithBaseURL(cfg.Fly.APIBaseURL), fly.WithGraphQLURL(cfg.Fly.GraphQLURL))
	a.github = github.Factory{BaseURL: cfg.GitHub.APIBaseURL}
	a.agents = agents.NewRegistry(a.settings)
	a.publisher = service.NewStatusPublisher(a.cache, logger.Component("publisher"))
	a.tokens = service.NewTokenResolver(a.apps, logger.Component("tokens"))
	a.dispatcher = service.NewDispatcher(a.store, a.machines, a.github, a.settings, a.agents, a.publisher,
		service.DispatcherConfigFrom(cfg), logger.Component("dispatcher"))
	a.callbacks = service.NewCallbackHandler(a.store, signer, a.github, a.tokens, a.publisher, logger.Component("callback"))
	return a, nil
}

func (a *app) watchdog() *watchdog.Worker {
	return watchdog.NewWorker(&watchdog.Config{
		Store:      a.store,
		Machines:   a.machines,
		GitHub:     a.github,
		Tokens:     a.tokens,
		Settings:   a.settings,
		Publisher:  a.publisher,
		Logger:     logger.Component("watchdog"),
		Interval:   a.cfg.Watchdog.Interval(),
		StaleAfter: a.cfg.Watchdog.StaleAfter(),
		PendingTTL: a.cfg.Watchdog.PendingTTL(),
	})
}

// Close releases resources in reverse order
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Component("app").WithError(err).Warn("Close failed")
		}
	}
	a.closers = nil
}
