package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	cronv3 "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tannus-ai/tannus/comms"
	"github.com/tannus-ai/tannus/config"
	"github.com/tannus-ai/tannus/internal/db"
	"github.com/tannus-ai/tannus/optimizer"
	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/provider"
	"github.com/tannus-ai/tannus/provider/mock"
	"github.com/tannus-ai/tannus/runner"
	"github.com/tannus-ai/tannus/server"
	"github.com/tannus-ai/tannus/server/ws"
	"github.com/tannus-ai/tannus/task"
	"github.com/tannus-ai/tannus/updater"
	"github.com/tannus-ai/tannus/watch"
)

// app is the wired daemon.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	server    *server.Server
	runner    *runner.Runner
	optimizer *optimizer.Optimizer
	watcher   *watch.PlanWatcher
	cron      *cronv3.Cron
	closers   []func() error
}

// stores are the persistence backends selected by storage.driver.
type stores struct {
	plans  plan.Store
	tasks  task.Store
	status runner.StatusStore
	db     *sql.DB
}

func openStores(cfg config.StorageConfig) (*stores, error) {
	switch cfg.Driver {
	case "sqlite":
		sqlDB, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		s := &stores{db: sqlDB}
		if s.plans, err = plan.NewSQLiteStore(sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
		if s.tasks, err = task.NewSQLiteStore(sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
		if s.status, err = runner.NewSQLiteStatusStore(sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
		return s, nil
	default:
		fs, err := plan.NewFileStore(cfg.PlansDir)
		if err != nil {
			return nil, err
		}
		return &stores{
			plans:  fs,
			tasks:  task.NewMemoryStore(),
			status: runner.NewMemoryStatusStore(),
		}, nil
	}
}

// newProvider builds the configured LLM backend behind retry and timeout.
func newProvider(cfg config.ProviderConfig) provider.Provider {
	var inner provider.Provider
	switch cfg.Type {
	case "openai":
		inner = provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		inner = mock.New()
	}
	return provider.NewResilient(inner, provider.ResilienceConfig{
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.Timeout,
	})
}

// newOptimizerStore returns a Redis-backed store when redis_addr is set.
// A Redis that cannot be reached at startup is logged; the throttle fails
// open until it comes back.
func newOptimizerStore(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (optimizer.Store, func() error) {
	if cfg.RedisAddr == "" {
		return optimizer.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	rs := optimizer.NewRedisStore(client, "tannus:")
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable", "addr", cfg.RedisAddr, "error", err)
	} else {
		logger.Info("cache backed by redis", "addr", cfg.RedisAddr)
	}
	return rs, client.Close
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := openStores(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	if st.db != nil {
		a.closers = append(a.closers, st.db.Close)
	}

	bus := comms.NewInMemoryBus()
	plans := plan.NewManager(st.plans, plan.WithBus(bus), plan.WithLogger(logger))
	llm := newProvider(cfg.Provider)
	upd := updater.New(llm, plans, updater.WithBus(bus), updater.WithLogger(logger))

	checkpoints, err := runner.NewFileCheckpointer(cfg.Storage.StateDir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	a.runner = runner.New(llm, plans, runner.Config{
		Interval:           cfg.Runner.Interval,
		MaxRuntime:         cfg.Runner.MaxRuntime,
		CheckpointInterval: cfg.Runner.CheckpointInterval,
		StallTimeout:       cfg.Runner.StallTimeout,
		WorkspaceDir:       cfg.Runner.WorkspaceDir,
	},
		runner.WithCheckpointer(checkpoints),
		runner.WithStatusStore(st.status),
		runner.WithBus(bus),
		runner.WithLogger(logger),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := optimizer.NewMetrics(reg)

	cacheStore, closeCache := newOptimizerStore(ctx, cfg.Cache, logger)
	if closeCache != nil {
		a.closers = append(a.closers, closeCache)
	}
	a.optimizer = optimizer.New(optimizer.Config{
		DefaultTTL:           cfg.Cache.DefaultTTL,
		PlanTTL:              cfg.Cache.PlanTTL,
		StatusTTL:            cfg.Cache.StatusTTL,
		CleanupInterval:      cfg.Cache.CleanupInterval,
		MaxRequestsPerMinute: cfg.Cache.MaxRequestsPerMinute,
	},
		optimizer.WithStore(cacheStore),
		optimizer.WithMetrics(metrics),
		optimizer.WithLogger(logger),
	)

	hub := ws.NewHub(logger)
	a.unsubscribe(a.optimizer.InvalidateOn(bus))
	a.unsubscribe(task.Follow(bus, st.tasks, logger))
	a.unsubscribe(hub.Attach(bus))

	a.server = server.New(*cfg, server.Deps{
		Plans:     plans,
		Updater:   upd,
		Runner:    a.runner,
		Tasks:     st.tasks,
		Bus:       bus,
		Optimizer: a.optimizer,
		Metrics:   metrics,
		Hub:       hub,
	}, logger)

	if cfg.Watch.Enabled {
		if cfg.Storage.Driver != "file" {
			logger.Warn("plan watcher needs the file store, not starting", "driver", cfg.Storage.Driver)
		} else if a.watcher, err = watch.New(cfg.Storage.PlansDir, plans,
			watch.WithDebounce(cfg.Watch.Debounce), watch.WithLogger(logger)); err != nil {
			a.close()
			return nil, err
		}
	}

	if a.cron, err = a.schedule(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) unsubscribe(fn func()) {
	a.closers = append(a.closers, func() error { fn(); return nil })
}

// schedule registers the periodic jobs.
func (a *app) schedule() (*cronv3.Cron, error) {
	parser := cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
	c := cronv3.New(cronv3.WithParser(parser))

	cleanup := fmt.Sprintf("@every %s", a.cfg.Cache.CleanupInterval)
	if _, err := c.AddFunc(cleanup, func() {
		if n := a.optimizer.Cleanup(time.Now()); n > 0 {
			a.logger.Debug("cache swept", "removed", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule cache cleanup: %w", err)
	}

	if spec := a.cfg.Runner.MonitorSchedule; spec != "" {
		if _, err := c.AddFunc(spec, func() {
			if ids := a.runner.CheckStalled(time.Now()); len(ids) > 0 {
				a.logger.Warn("restarted stalled sessions", "session_ids", ids)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule session monitor %q: %w", spec, err)
		}
	}
	return c, nil
}

// run serves until ctx is done or a component fails, then shuts down.
func (a *app) run(ctx context.Context) error {
	addr := a.cfg.Server.Addr
	if addr == "" {
		addr = ":5000"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.close()
		return err
	}
	return a.serve(ctx, ln)
}

func (a *app) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.server.Serve(ln) })
	g.Go(func() error {
		a.cron.Start()
		<-gctx.Done()
		<-a.cron.Stop().Done()
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

func (a *app) shutdown() error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("shutting down")
	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if err := a.runner.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sessions: %w", err))
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases subscriptions and connections in reverse order.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
