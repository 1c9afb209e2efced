// Package ulta is the public API for embedding the Ulta console server.
//
// Platform and white-label consumers import this package to construct and
// extend the console without forking it:
//
//	app, err := ulta.New(
//	    ulta.WithVersion(version),
//	    ulta.WithLogger(logger),
//	    ulta.WithRunHook(myBillingHook{}),
//	    ulta.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: ulta (root) imports
// internal/*, but internal/* never imports ulta (root). Public types (Run,
// Intent, etc.) are standalone structs with no internal imports; conversion
// helpers live here because this is the only file that sees both sides of
// the boundary.
package ulta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ScriptSun/ulta-console-sub004/api"
	"github.com/ScriptSun/ulta-console-sub004/internal/auth"
	"github.com/ScriptSun/ulta-console-sub004/internal/config"
	"github.com/ScriptSun/ulta-console-sub004/internal/dispatch"
	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/ratelimit"
	"github.com/ScriptSun/ulta-console-sub004/internal/router"
	"github.com/ScriptSun/ulta-console-sub004/internal/server"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
	"github.com/ScriptSun/ulta-console-sub004/internal/telemetry"
	"github.com/ScriptSun/ulta-console-sub004/migrations"
)

// App is the Ulta console lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	broker       *server.Broker // nil when no notify connection
	outbox       *dispatch.Worker
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the console. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("ulta console starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run built-in migrations, then any extras.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'runs')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'runs' does not exist after migration")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Build the intent catalog: custom intents replace the stock one.
	registry, err := buildRegistry(o.intents)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("intents: %w", err)
	}

	// Wire the chat pipeline.
	chatRouter := router.New(db, registry, router.Config{
		PolicyFailMode:      router.FailMode(cfg.PolicyFailMode),
		ConcurrencyFailMode: router.FailMode(cfg.ConcurrencyFailMode),
		Timeout:             cfg.RouterTimeout,
	}, logger)

	// Rate limiter.
	limiter := ratelimit.PerMinute(cfg.RateLimitPerMinute)
	if cfg.RateLimitPerMinute > 0 {
		logger.Info("rate limiting: memory (in-process token bucket)", "per_minute", cfg.RateLimitPerMinute)
	} else {
		logger.Info("rate limiting: disabled")
	}

	// SSE broker and run dispatch both need the LISTEN/NOTIFY connection.
	var broker *server.Broker
	var outbox *dispatch.Worker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
		channel := dispatch.NewNotifyChannel(db, logger)
		outbox = dispatch.NewWorker(db, channel, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	} else {
		logger.Warn("no notify connection: SSE and run dispatch disabled; queued runs will not be delivered")
	}

	// Adapt run hooks from public ulta.RunHook to internal server.RunHook.
	var runHooks []server.RunHook
	for _, h := range o.runHooks {
		runHooks = append(runHooks, &runHookAdapter{hook: h})
	}

	// Adapt route registrars from public ulta.RouteRegistrar to internal server format.
	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		fn := fn // capture
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}

	// Adapt middlewares from ulta.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Router:              chatRouter,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		RunHooks:            runHooks,
	})

	// Seed the initial tenant and admin console user.
	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		outbox:       outbox,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. Shutdown is called
// automatically on the way out — callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.broker != nil {
		g.Go(func() error {
			a.broker.Start(gctx)
			return nil
		})
	}
	if a.outbox != nil {
		a.outbox.Start(gctx)
	}

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// A cancelled group context (signal, or a failed sibling) triggers the
	// graceful shutdown sequence, which also unblocks srv.Start.
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown performs a two-phase graceful shutdown: (1) stop accepting HTTP
// requests and drain in-flight (they may still enqueue runs), (2) drain the
// run outbox so queued runs reach agents before the process exits. It then
// closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("ulta console shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, 10*time.Second)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("ulta console stopped")
	return nil
}

// buildRegistry compiles public Intent declarations into the router's
// catalog. Nil intents means the stock catalog.
func buildRegistry(intents []Intent) (*router.Registry, error) {
	if len(intents) == 0 {
		return router.DefaultRegistry(), nil
	}

	specs := make([]router.IntentSpec, 0, len(intents))
	for _, in := range intents {
		spec := router.IntentSpec{
			Name:     in.Name,
			Keywords: in.Keywords,
			Batch:    in.Batch,
		}
		for _, p := range in.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("intent %q: pattern %q: %w", in.Name, p, err)
			}
			spec.Patterns = append(spec.Patterns, re)
		}
		for _, ex := range in.Extractors {
			re, err := regexp.Compile(ex.Pattern)
			if err != nil {
				return nil, fmt.Errorf("intent %q: extractor %q: %w", in.Name, ex.Field, err)
			}
			spec.Extractors = append(spec.Extractors, router.FieldExtractor{Field: ex.Field, Pattern: re})
		}
		specs = append(specs, spec)
	}
	return router.NewRegistry(specs)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// runHookAdapter wraps an ulta.RunHook to satisfy server.RunHook.
// It converts internal model types to public ulta types at the boundary.
type runHookAdapter struct {
	hook RunHook
}

func (a *runHookAdapter) OnRunQueued(ctx context.Context, run model.Run) error {
	return a.hook.OnRunQueued(ctx, toPublicRun(run))
}

func (a *runHookAdapter) OnRunCompleted(ctx context.Context, run model.Run) error {
	return a.hook.OnRunCompleted(ctx, toPublicRun(run))
}

// authHelperImpl implements ulta.AuthHelper using an internal
// server.RoleMiddlewareFn. Constructed in the route registrar adapter
// closure; bridges the public interface to the internal RBAC middleware
// without importing server from extension code.
type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(model.Role(role))
}

// toPublicRun converts an internal model.Run to the public ulta.Run.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toPublicRun(r model.Run) Run {
	return Run{
		ID:             r.ID,
		TenantID:       r.TenantID,
		BatchID:        r.BatchID,
		VersionID:      r.VersionID,
		AgentID:        r.AgentID,
		ConversationID: r.ConversationID,
		Status:         string(r.Status),
		Inputs:         r.Inputs,
		Error:          r.Error,
		QueuedAt:       r.QueuedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}
