// Package app wires the chatd runtime: config, logging, storage backends, the delivery pipeline,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatd/cmd/internal/auth"
	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/chatstore"
	"chatd/cmd/internal/httpapi"
	"chatd/cmd/internal/metrics"
	"chatd/cmd/internal/presence"
	"chatd/cmd/internal/ratelimit"
	"chatd/cmd/internal/realtime"
)

const rateLimitIdleTTL = 10 * time.Minute

// App is the chatd runtime: it owns storage, background workers and HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store  chat.Store
	dbPool *pgxpool.Pool

	metrics     *metrics.Metrics
	tracker     *presence.Tracker
	sweeper     *presence.Sweeper
	coordinator *chat.Coordinator
	hub         *realtime.Hub
	svc         *chat.Service

	ws  *realtime.WSGateway
	api *httpapi.Handler

	closeOnce sync.Once
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, authCfg auth.Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg, authCfg); err != nil {
		return nil, err
	}

	resolver, err := auth.New(authCfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}

	a.store, a.dbPool, err = newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	if err := a.wire(resolver); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(resolver auth.Resolver) error {
	cfg, log := a.cfg, a.log

	var pstore presence.Store = presence.NewMemoryStore()
	if a.dbPool != nil {
		ps, err := presence.NewPostgresStore(a.dbPool, presence.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		pstore = ps
	}
	tracker, err := presence.NewTracker(pstore,
		presence.WithTypingTTL(cfg.TypingTTL),
		presence.WithOnlineTTL(cfg.PresenceTTL),
		presence.WithLogger(log),
	)
	if err != nil {
		return err
	}
	a.tracker = tracker

	a.sweeper, err = presence.NewSweeper(tracker, cfg.PresenceSweepCron, log, a.metrics.PresenceSwept)
	if err != nil {
		return err
	}

	a.hub = realtime.NewHub(log, tracker, a.metrics)

	a.coordinator, err = chat.NewCoordinator(a.hub, a.store,
		chat.WithCoordinatorLogger(log),
		chat.WithCoordinatorMetrics(a.metrics),
		chat.WithWorkers(cfg.DeliveryWorkers),
		chat.WithQueueSize(cfg.DeliveryQueueSize),
	)
	if err != nil {
		return err
	}

	a.svc, err = chat.NewService(a.store,
		chat.WithLogger(log),
		chat.WithPresence(tracker),
		chat.WithPublisher(a.coordinator),
		chat.WithMetrics(a.metrics),
		chat.WithMaxTextChars(cfg.MaxTextChars),
		chat.WithPageLimits(cfg.PageDefaultLimit, cfg.PageMaxLimit),
		chat.WithCheckpointLag(cfg.OfflineCheckpointLag),
	)
	if err != nil {
		return err
	}

	a.ws, err = realtime.NewWSGateway(log, a.hub, a.svc, resolver, cfg.WS)
	if err != nil {
		return err
	}

	a.api, err = httpapi.New(a.svc, resolver,
		httpapi.WithLogger(log),
		httpapi.WithMetrics(a.metrics),
		httpapi.WithRateLimiter(ratelimit.NewKeyLimiter(cfg.HTTPRateRPS, cfg.HTTPRateBurst, rateLimitIdleTTL)),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	return err
}

// Handler returns the full HTTP handler: routes wrapped in request logging, CORS and security headers.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Start launches the background workers (delivery fan-out, presence sweeper).
func (a *App) Start(ctx context.Context) {
	a.coordinator.Start(ctx)
	go a.sweeper.Run(ctx)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	a.Start(workerCtx)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.cfg.Store,
		"max_body", humanize.IBytes(uint64(a.cfg.MaxBodyBytes)),
		"delivery_workers", a.cfg.DeliveryWorkers,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Drain pending deliveries while workers still run, then stop the sweeper before storage goes.
	a.coordinator.Close()
	stopWorkers()
	a.Close()

	a.log.Info("server.stopped")
	return runErr
}

// Close drains the delivery queue and releases storage. Safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.coordinator != nil {
			a.coordinator.Close()
		}
		a.closeStore()
	})
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore opens the configured message backend. The pool is returned separately because the
// app owns its lifecycle and shares it with the presence store.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, error) {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := chatstore.NewPostgresStore(pool, chatstore.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.postgres", "schema", cfg.DBSchema, "auto_migrate", cfg.DBAutoMigrate)
		return st, pool, nil

	case StorePebble:
		st, err := chatstore.OpenPebbleStore(cfg.PebblePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.pebble", "path", cfg.PebblePath)
		return st, nil, nil

	default:
		log.Info("store.memory")
		return chatstore.NewMemoryStore(), nil, nil
	}
}
