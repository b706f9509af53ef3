package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/account"
	"github.com/nicktill/tinymeter/pkg/archive"
	"github.com/nicktill/tinymeter/pkg/budget"
	"github.com/nicktill/tinymeter/pkg/cache"
	"github.com/nicktill/tinymeter/pkg/config"
	"github.com/nicktill/tinymeter/pkg/export"
	"github.com/nicktill/tinymeter/pkg/ingest"
	"github.com/nicktill/tinymeter/pkg/maintenance"
	"github.com/nicktill/tinymeter/pkg/server/monitor"
	"github.com/nicktill/tinymeter/pkg/storage"
	"github.com/nicktill/tinymeter/pkg/usage"
	"github.com/nicktill/tinymeter/pkg/writer"
)

// Option overrides a dependency New would otherwise build from Config
type Option func(*options)

type options struct {
	clock    clockwork.Clock
	log      *zap.Logger
	store    storage.Storage
	accounts account.Registry
	cache    cache.Cache
}

// WithClock injects the clock shared by every component
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger skips InitializeLogger
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithStorage skips InitializeStorage. The app still closes the store.
func WithStorage(s storage.Storage) Option { return func(o *options) { o.store = s } }

// WithAccounts skips InitializeAccounts
func WithAccounts(r account.Registry) Option { return func(o *options) { o.accounts = r } }

// WithCache skips InitializeCache
func WithCache(c cache.Cache) Option { return func(o *options) { o.cache = c } }

// App is the assembled pipeline.
type App struct {
	Config Config
	Log    *zap.Logger
	Clock  clockwork.Clock

	Store    storage.Storage
	Guard    *storage.Guard
	Accounts account.Registry
	Cache    cache.Cache
	Budgets  *budget.Book

	Writer    *writer.Pool
	Archiver  *archive.Archiver
	Scheduler *maintenance.Scheduler
	Gateway   *ingest.Gateway
	Engine    *usage.Engine
	Hub       *ingest.ReadingsHub

	StorageMonitor  *monitor.StorageMonitor
	ArchivalMonitor *monitor.ArchivalMonitor

	Router *mux.Router

	closers []func() error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires every component. Nothing runs until Start.
func New(ctx context.Context, cfg Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Clock: o.clock, Log: o.log}
	if a.Clock == nil {
		a.Clock = clockwork.NewRealClock()
	}
	if a.Log == nil {
		if a.Log, err = InitializeLogger(cfg); err != nil {
			return nil, err
		}
	}

	if err := a.initResources(ctx, cfg, o); err != nil {
		a.close()
		return nil, err
	}

	a.Budgets = budget.NewBook(a.Clock)
	a.Guard = storage.NewGuard(a.Store)
	a.Hub = ingest.NewReadingsHub(a.Log)

	a.Writer = writer.New(writer.Config{
		Workers:      cfg.Writer.Workers,
		QueueSize:    cfg.Writer.QueueSize,
		MaxRetries:   cfg.Writer.MaxRetries,
		RetryBackoff: cfg.Writer.RetryBackoff,
		OnPersist:    a.Hub.Publish,
		Clock:        a.Clock,
		Logger:       a.Log,
	}, a.Guard, a.Cache)

	a.Archiver = archive.New(a.Guard, archive.Config{
		Location: loc,
		Clock:    a.Clock,
		Logger:   a.Log,
	})

	a.ArchivalMonitor = monitor.NewArchivalMonitor(a.Clock)
	a.Scheduler = maintenance.New(a.Archiver, maintenance.Config{
		PollInterval: cfg.Maintenance.PollInterval,
		Cooldown:     cfg.Maintenance.Cooldown,
		Location:     loc,
		Monthly:      cfg.Maintenance.MonthlyRollup,
		Clock:        a.Clock,
		Logger:       a.Log,
		Monitor:      a.ArchivalMonitor,
	})

	// An in-memory store has no data dir to watch
	dataDir := cfg.DataDir
	if cfg.Storage == "memory" {
		dataDir = ""
	}
	a.StorageMonitor = monitor.NewStorageMonitor(dataDir, cfg.MaxStorageBytes())

	a.Gateway = ingest.NewGateway(a.Accounts, a.Writer, a.Scheduler, ingest.Config{
		Location: loc,
		Clock:    a.Clock,
		Logger:   a.Log,
		Storage:  a.StorageMonitor,
	})

	a.Engine = usage.New(a.Store, a.Accounts, a.Budgets, a.Archiver, usage.Config{
		Location:   loc,
		Clock:      a.Clock,
		MaxRecords: config.QueryMaxRecords,
		Logger:     a.Log,
	})

	a.Router = mux.NewRouter()
	SetupRoutes(a.Router, Handlers{
		Ingest:   ingest.NewHandler(a.Gateway),
		Usage:    usage.NewHandler(a.Engine),
		Export:   export.NewHandler(a.Store, a.Clock, loc, a.Log),
		Accounts: NewAccountsHandler(a.Accounts, a.Cache),
		Status:   a,
		Hub:      a.Hub,
		Log:      a.Log,
	}, cfg.Port)

	return a, nil
}

func (a *App) initResources(ctx context.Context, cfg Config, o options) error {
	var err error

	a.Store = o.store
	if a.Store == nil {
		if a.Store, err = InitializeStorage(cfg, a.Log); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	a.closers = append(a.closers, a.Store.Close)

	a.Accounts = o.accounts
	if a.Accounts == nil {
		var closeFn func() error
		if a.Accounts, closeFn, err = InitializeAccounts(cfg, a.Log); err != nil {
			return fmt.Errorf("accounts: %w", err)
		}
		a.closers = append(a.closers, closeFn)
	}

	a.Cache = o.cache
	if a.Cache == nil {
		var closeFn func() error
		if a.Cache, closeFn, err = InitializeCache(ctx, cfg, a.Log); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		a.closers = append(a.closers, closeFn)
	}
	return nil
}

// Start launches the writer, the websocket hub, the maintenance scheduler
// and the storage housekeeping tasks.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	// Shutdown drains the writer, so it must outlive ctx
	a.Writer.Start(context.WithoutCancel(ctx))

	a.goTask(func() { a.Hub.Run(ctx) })
	a.goTask(func() { RunScheduler(ctx, a.Scheduler, a.Log) })
	a.goTask(func() { BroadcastStatus(ctx, a, a.Hub, a.Log) })
	a.goTask(func() { RunBadgerGC(ctx, a.Store, a.Clock, a.Log) })
}

func (a *App) goTask(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Shutdown stops background tasks, drains the writer and closes resources.
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Log.Warn("some background tasks did not stop in time")
	}

	var errs []error
	if err := a.Writer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.Log.Sync()
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
