package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/coordinator"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/environment"
	"github.com/vk/pipegrid/internal/events"
	"github.com/vk/pipegrid/internal/inmemorystore"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/runner"
	"github.com/vk/pipegrid/internal/sqlitestore"
	"github.com/vk/pipegrid/internal/store"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW        io.Writer
	logger      *slog.Logger
	config      *Config
	registry    *registry.Registry
	store       store.Store
	artifacts   *artifact.Store
	bindings    *environment.Binding
	runner      *runner.Runner
	publisher   events.Publisher
	coordinator *coordinator.Coordinator
	closers     []func() error
}

// Option adjusts an App before it is wired.
type Option func(*options)

type options struct {
	modules   []registry.Module
	publisher events.Publisher
	lookupEnv func(string) (string, bool)
}

// WithModules registers extra action modules next to the built-in ones.
func WithModules(modules ...registry.Module) Option {
	return func(o *options) { o.modules = modules }
}

// WithPublisher adds an event publisher next to the configured feed.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLookupEnv replaces os.LookupEnv for secret resolution.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = fn }
}

// NewApp is the constructor for the main application. It returns a fully
// wired App with its own isolated logger, registry and store.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	a := &App{outW: outW, logger: logger, config: cfg}

	// Create and populate the registry with Go actions.
	a.registry = registry.New()
	modules := append(append([]registry.Module(nil), coreModules...), o.modules...)
	for _, mod := range modules {
		mod.Register(a.registry)
	}
	logger.Debug("All Go modules registered.", "count", len(modules), "actions", a.registry.Names())

	if err := a.openStore(); err != nil {
		return nil, err
	}
	a.artifacts = artifact.NewStore(a.store, a.store)
	a.bindings = environment.NewBinding(a.store, a.environments(), o.lookupEnv)

	a.runner = runner.New(runner.Options{
		Provisioners: []runner.Provisioner{runner.NewLocalProvisioner(cfg.WorkDir, cfg.Runners.Labels...)},
		Artifacts:    a.artifacts,
		Environments: a.bindings,
		SourceDir:    cfg.SourceDir,
	})

	a.publisher = a.eventFeed(ctx, o.publisher)

	a.coordinator = coordinator.New(coordinator.Options{
		Store:     a.store,
		Registry:  a.registry,
		Runner:    a.runner,
		Workers:   cfg.Workers,
		Publisher: a.publisher,
	})

	logger.Debug("Application wired.", "store", cfg.Store.Driver, "labels", a.runner.Labels(), "environments", a.bindings.Names())
	return a, nil
}

func (a *App) openStore() error {
	switch a.config.Store.Driver {
	case "sqlite":
		s, err := sqlitestore.Open(a.config.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		a.store = inmemorystore.New()
	}
	return nil
}

func (a *App) environments() []environment.Environment {
	names := make([]string, 0, len(a.config.Environments))
	for name := range a.config.Environments {
		names = append(names, name)
	}
	sort.Strings(names)

	envs := make([]environment.Environment, 0, len(names))
	for _, name := range names {
		ec := a.config.Environments[name]
		envs = append(envs, environment.Environment{
			Name:      name,
			Protected: ec.Protected,
			URL:       ec.URL,
			Secrets:   ec.Secrets,
		})
	}
	return envs
}

// eventFeed connects the socket.io feed when configured. The feed is best
// effort: a failed dial is logged and the run proceeds without it.
func (a *App) eventFeed(ctx context.Context, extra events.Publisher) events.Publisher {
	var pubs events.Multi
	if extra != nil {
		pubs = append(pubs, extra)
	}
	if a.config.Events.URL != "" {
		feed, err := events.DialSocketIO(ctx, a.config.Events.URL, a.config.Events.Namespace)
		if err != nil {
			a.logger.Warn("Event feed unavailable, continuing without it.", "url", a.config.Events.URL, "error", err)
		} else {
			pubs = append(pubs, feed)
			a.closers = append(a.closers, feed.Close)
		}
	}
	if len(pubs) == 0 {
		return events.Noop{}
	}
	return pubs
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Coordinator returns the run coordinator.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Store returns the run ledger.
func (a *App) Store() store.Store {
	return a.store
}

// Logger returns the application's logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Close stops every active run and releases the store and event feed.
func (a *App) Close(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	err := a.coordinator.Shutdown(ctx)
	for i := len(a.closers) - 1; i >= 0; i-- {
		if cerr := a.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.logger.Debug("Application closed.")
	return err
}
