// Package app wires config, storage, and the decision loop into one runnable
// agent. The CLI and the HTTP server both build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"smolclaw/internal/audit"
	"smolclaw/internal/config"
	"smolclaw/internal/db"
	"smolclaw/internal/domain"
	"smolclaw/internal/engine"
	"smolclaw/internal/memory"
	"smolclaw/internal/migrate"
	"smolclaw/internal/platform"
	"smolclaw/internal/queue"
	"smolclaw/internal/router"
	"smolclaw/internal/server"
	"smolclaw/internal/session"
	"smolclaw/internal/store"
	"smolclaw/internal/usage"
	"smolclaw/internal/watcher"
)

// App holds every wired component for one workspace.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Store    store.Store
	Audit    audit.Writer
	Queue    *queue.Queue
	Usage    *usage.Tracker
	Sessions *session.Manager
	Memory   *memory.Memory
	Router   *router.Router
	Engine   *engine.Engine
	Notifier *platform.Notifier
	Watcher  *watcher.Watcher
	Logger   *log.Logger
}

// Options tweaks wiring for different entry points.
type Options struct {
	Workspace string
	// Reasoner overrides the configured HTTP reasoner, mainly for tests.
	Reasoner engine.Reasoner
	Logger   *log.Logger
}

// New opens the workspace database and wires all components from config.
func New(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	checkInterval, err := cfg.CheckInterval()
	if err != nil {
		conn.Close()
		return nil, err
	}
	fallbackInterval, err := cfg.FallbackInterval()
	if err != nil {
		conn.Close()
		return nil, err
	}
	cooldown, err := cfg.Cooldown()
	if err != nil {
		conn.Close()
		return nil, err
	}
	duplicateWindow, err := cfg.DuplicateWindow()
	if err != nil {
		conn.Close()
		return nil, err
	}

	st := store.Store{DB: conn}
	writer := audit.Writer{DB: conn}
	q := queue.New(0, logger)

	notifier := &platform.Notifier{URL: cfg.Platforms.WebhookURL, Logger: logger}
	tracker := &usage.Tracker{
		Store: st,
		Limits: usage.Limits{
			PerMinute:           cfg.Usage.PerMinute,
			PerHour:             cfg.Usage.PerHour,
			PerDay:              cfg.Usage.PerDay,
			Cooldown:            cooldown,
			WarningThresholdPct: cfg.Usage.WarningThresholdPct,
		},
		Logger: logger,
		Warn: func(scope domain.UsageScope, used, ceiling int) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := notifier.Warn(ctx, string(scope), used, ceiling); err != nil {
				logger.Printf("app: deliver usage warning failed: %v", err)
			}
		},
	}
	mem := &memory.Memory{
		Store: st,
		Opts: memory.Options{
			MaxDecisions:       cfg.Memory.MaxDecisions,
			MaxViolations:      cfg.Memory.MaxViolations,
			DuplicateWindow:    duplicateWindow,
			DuplicateThreshold: cfg.Memory.DuplicateThreshold,
			Baseline:           cfg.Hormones.Baseline,
			DecayRate:          cfg.Hormones.DecayRate,
		},
		Logger: logger,
	}

	platforms := map[domain.ActionType]router.Platform{}
	for action, network := range map[domain.ActionType]string{
		domain.ActionPostX:         "x",
		domain.ActionPostThreads:   "threads",
		domain.ActionPostLinkedIn:  "linkedin",
		domain.ActionPostInstagram: "instagram",
	} {
		platforms[action] = &platform.Poster{URL: cfg.Platforms.BridgeURL, Network: network}
	}
	rt := &router.Router{
		Store:     st,
		Audit:     writer,
		Memory:    mem,
		Platforms: platforms,
		Searcher:  &platform.NewsSearcher{URL: cfg.Platforms.SearchURL, APIKey: cfg.Platforms.SearchKey},
		Policy: router.Policy{
			RequireManualApproval: cfg.Routing.RequireManualApproval,
			TeamChannelID:         cfg.Routing.TeamChannelID,
			OwnChannelID:          cfg.Routing.OwnChannelID,
			TextLimits:            cfg.Platforms.TextLimits,
		},
		Logger: logger,
	}

	reasoner := opts.Reasoner
	if reasoner == nil {
		reasoner = &platform.ChatReasoner{
			URL:    cfg.Reasoner.URL,
			APIKey: cfg.Reasoner.APIKey,
			Model:  cfg.Reasoner.Model,
		}
	}
	eng := &engine.Engine{
		Queue:    q,
		Usage:    tracker,
		Sessions: &session.Manager{MaxCalls: cfg.Agent.MaxCallsPerSession},
		Memory:   mem,
		Router:   rt,
		Reasoner: reasoner,
		Notifier: notifier,
		Opts: engine.Options{
			CheckInterval:    checkInterval,
			FallbackInterval: fallbackInterval,
			MaxActions:       cfg.Routing.MaxActionsPerMessage,
			OwnChannelID:     cfg.Routing.OwnChannelID,
			Persona:          cfg.Agent.Persona,
		},
		Logger: logger,
	}

	var w *watcher.Watcher
	if len(cfg.Routing.WatchPaths) > 0 {
		w = &watcher.Watcher{Queue: q, Paths: cfg.Routing.WatchPaths, Logger: logger}
	}

	return &App{
		Config:   cfg,
		DB:       conn,
		Store:    st,
		Audit:    writer,
		Queue:    q,
		Usage:    tracker,
		Sessions: eng.Sessions,
		Memory:   mem,
		Router:   rt,
		Engine:   eng,
		Notifier: notifier,
		Watcher:  w,
		Logger:   logger,
	}, nil
}

// Handler builds the HTTP control surface for this app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:    a.Engine,
		Store:     a.Store,
		Audit:     a.Audit,
		AgentName: a.Config.Agent.Name,
		BasePath:  a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:              a.Config.Server.JWTSecret,
			AllowLegacyActorHeader: a.Config.Server.AllowLegacyActorHeader,
			Logger:                 a.Logger,
		},
	})
}

// Run starts the watcher, the HTTP server, and the decision loop, and blocks
// until ctx is canceled or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.Watcher != nil {
		go func() {
			if err := a.Watcher.Run(ctx); err != nil {
				a.Logger.Printf("app: watcher stopped: %v", err)
			}
		}()
	}

	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Printf("app: http listening on %s", a.Config.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	runErr := a.Engine.Run(ctx)
	select {
	case err := <-errCh:
		return err
	default:
	}
	return runErr
}

// Close releases the database handle.
func (a *App) Close() error {
	a.Queue.Close()
	return a.DB.Close()
}
