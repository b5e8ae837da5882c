package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"stockpulse/internal/analysis"
	"stockpulse/internal/cache"
	"stockpulse/internal/config"
	"stockpulse/internal/errors"
	"stockpulse/internal/infrastructure"
	customMiddleware "stockpulse/internal/middleware"
	"stockpulse/internal/operations"
	pulsesignal "stockpulse/internal/signal"
	"stockpulse/internal/store"
	handlers "stockpulse/internal/transport/http"
	ws "stockpulse/internal/websocket"
	"stockpulse/pkg/contracts"
)

// AppName is reported in startup logs
const AppName = "stockpulse"

const runtimeSampleInterval = 15 * time.Second

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics
	Runtime       *infrastructure.RuntimeCollector
	ErrorHandler  *errors.ErrorHandler

	Store      *store.Store
	Cache      *cache.Cache
	Source     *pulsesignal.StaticSource
	Supervisor *operations.Supervisor
	Watcher    *ws.Watcher
	Upgrader   *ws.Upgrader

	listener  net.Listener
	stopSweep context.CancelFunc
}

// NewApplication loads configuration from the environment and builds the
// application
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(cfg)
}

// New builds the application from an already loaded configuration
func New(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application_starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("cache_backend", cfg.Cache.Backend))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		ErrorHandler:  errors.NewErrorHandler(logger, false),
	}

	if err := app.initializeServices(context.Background()); err != nil {
		app.closeResources(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.setupRouter(); err != nil {
		app.closeResources(context.Background())
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}

	app.createServer()
	return app, nil
}

// initializeServices builds the store, the pipeline and the supervisor
func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config

	metrics, err := infrastructure.CreateBusinessMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create business metrics: %w", err)
	}
	a.Metrics = metrics

	a.Runtime, err = infrastructure.NewRuntimeCollector(a.OTelProviders.Meter, runtimeSampleInterval)
	if err != nil {
		return fmt.Errorf("failed to create runtime collector: %w", err)
	}

	// Store: in-process fast side, SQL durable side
	fast, err := store.NewMemoryBackend(cfg.Store.MemoryEntries)
	if err != nil {
		return fmt.Errorf("failed to create fast store: %w", err)
	}
	if cfg.Store.Driver == store.DriverSQLite {
		if err := ensureParentDir(cfg.Store.DSN); err != nil {
			return err
		}
	}
	durable, err := store.OpenSQL(ctx, cfg.Store.Driver, cfg.Store.DSN, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open durable store: %w", err)
	}
	a.Store = store.New(fast, durable, store.Options{
		FastTTL:     cfg.Store.FastTTL,
		ReadTimeout: cfg.Store.ReadTimeout,
		KeyPrefix:   cfg.Store.KeyPrefix,
	}, a.Logger)

	if cfg.Cache.Backend == cache.BackendSQLite {
		if err := ensureParentDir(cfg.Cache.Path); err != nil {
			return err
		}
	}
	a.Cache, err = cache.Open(cache.Config{
		Backend:    cfg.Cache.Backend,
		Path:       cfg.Cache.Path,
		MaxEntries: cfg.Cache.MaxEntries,
		TTLs:       cfg.Cache.TTLs,
	}, a.Logger, cache.WithCounters(metrics.CacheHits, metrics.CacheMisses))
	if err != nil {
		return fmt.Errorf("failed to open aux cache: %w", err)
	}

	a.Source = NewIndicatorSource(cfg.Signal)

	delay := cfg.Pipeline.SimulatedDelay
	pipeline, err := analysis.NewPipeline(
		analysis.StandardAnalysts(delay),
		&analysis.SimulatedDebater{Delay: delay},
		&analysis.SimulatedRiskAssessor{},
		analysis.WithCache(a.Cache),
		analysis.WithConcurrency(cfg.Pipeline.AnalystConcurrency),
		analysis.WithLogger(a.Logger),
	)
	if err != nil {
		return fmt.Errorf("failed to build analysis pipeline: %w", err)
	}

	weights, err := operations.ParseStageWeights(cfg.Pipeline.Stages)
	if err != nil {
		return fmt.Errorf("invalid stage table: %w", err)
	}
	table, err := operations.NewStageTable(weights)
	if err != nil {
		return fmt.Errorf("invalid stage table: %w", err)
	}

	a.Supervisor = operations.NewSupervisor(table, a.Store, pipeline, PipelineConfig(cfg.Pipeline),
		operations.WithIndicatorSource(a.Source),
		operations.WithTracer(operations.NewOperationTracerWithMetrics(a.OTelProviders.Tracer, metrics)),
		operations.WithLogger(a.Logger),
	)

	a.Watcher = ws.NewWatcher(a.Supervisor, ws.ConfigFrom(cfg.WebSocket), a.Logger, metrics)
	a.Upgrader = ws.NewUpgrader(cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, cfg.Server.AllowedOrigins)

	a.Logger.Info("services_initialized",
		slog.Any("stages", table.Names()),
		slog.String("cache_backend", a.Cache.Backend()))
	return nil
}

// PipelineConfig converts the pipeline section into supervisor limits
func PipelineConfig(p config.PipelineConfig) *operations.Config {
	b := operations.NewConfigBuilder().
		WithDefaultTimeout(p.DefaultStageTimeout).
		WithPublishInterval(p.PublishInterval).
		WithFinalizeTimeout(p.FinalizeTimeout).
		WithShutdownTimeout(p.ShutdownTimeout).
		WithOrphanAfter(p.OrphanAfter)
	for stage, timeout := range p.StageTimeouts {
		b.WithStageTimeout(stage, timeout)
	}
	return b.Build()
}

// NewIndicatorSource serves the configured market-heat inputs. Subject
// entries are layered over their category defaults.
func NewIndicatorSource(cfg config.SignalConfig) *pulsesignal.StaticSource {
	src := pulsesignal.NewStaticSource()
	for category, values := range cfg.Defaults {
		src.Set(category, "*", toPointers(nil, values))
	}
	for category, subjects := range cfg.Subjects {
		for subject, values := range subjects {
			src.Set(category, subject, toPointers(cfg.Defaults[category], values))
		}
	}
	return src
}

func toPointers(base, overlay map[string]float64) map[string]*float64 {
	out := make(map[string]*float64, len(base)+len(overlay))
	for k, v := range base {
		out[k] = pulsesignal.Float(v)
	}
	for k, v := range overlay {
		out[k] = pulsesignal.Float(v)
	}
	return out
}

// ensureParentDir creates the directory holding a SQLite file
func ensureParentDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	r := chi.NewRouter()

	// RequestID → RealIP → OTel → Logger → Recoverer → headers → CORS → rate limit.
	// No Timeout middleware: watch streams are long-lived.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders, a.Metrics)
	if err != nil {
		a.Logger.Error("otel_middleware_failed", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(errors.RecoveryMiddleware(a.ErrorHandler))
	r.Use(customMiddleware.SecurityHeaders)
	r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		Logger:         a.Logger,
	}))

	if rl := a.Config.Server.RateLimit; rl.Enabled {
		limiter, err := customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		r.Use(limiter.Handler)
	}

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	health := handlers.NewHealthHandler(a.Supervisor.Active, a.Store.Ping, a.Runtime, a.Logger)
	r.Get("/healthz", health.HealthCheck)
	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP, a.ErrorHandler))

	a.setupAPIRoutes(r)

	a.Router = r
	return nil
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	validation := customMiddleware.NewValidationMiddleware(a.Logger, a.ErrorHandler)
	query := customMiddleware.NewQueryParamValidator(a.Logger, a.ErrorHandler)

	jobs := handlers.NewJobsHandler(a.Supervisor, a.Watcher, a.Upgrader, validation, a.ErrorHandler, a.Logger)
	signals := handlers.NewSignalHandler(nil, a.Source, query, a.ErrorHandler, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))
		r.Use(validation.ValidateRequest)

		r.Mount("/jobs", jobs.Routes())
		r.Get("/signal", signals.Compute)
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.Address(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Addr returns the bound address once Start has returned
func (a *Application) Addr() string {
	if a.listener == nil {
		return a.Server.Addr
	}
	return a.listener.Addr().String()
}

// Start recovers jobs left over from a previous process, then serves in
// the background. A serve failure calls cancel.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	recovered, err := a.Supervisor.Recover(ctx)
	if err != nil {
		// the service still starts; orphans stay readable as they are
		a.Logger.WarnContext(ctx, "job_recovery_failed", slog.String("error", err.Error()))
	} else if recovered > 0 {
		a.Logger.InfoContext(ctx, "jobs_recovered", slog.Int("count", recovered))
	}

	go a.Runtime.Start(ctx)

	if interval := a.Config.Pipeline.RecoverInterval; interval > 0 {
		sweepCtx, stop := context.WithCancel(ctx)
		a.stopSweep = stop
		go a.Supervisor.SweepOrphans(sweepCtx, interval)
	}

	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		a.Runtime.Stop()
		if a.stopSweep != nil {
			a.stopSweep()
		}
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln

	go func() {
		if err := a.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server_failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "application_started",
		slog.String("address", ln.Addr().String()),
		slog.String("version", contracts.Version),
		slog.String("level", a.Config.Logging.Level))
	return nil
}

// Stop gracefully stops the application: the listener first, then open
// watch streams, then running jobs, then storage and telemetry.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "application_stopping")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown error: %w", err)
	}

	a.Watcher.Shutdown()
	if a.stopSweep != nil {
		a.stopSweep()
	}

	if err := a.Supervisor.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "supervisor_shutdown_failed", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	a.closeResources(shutdownCtx)

	a.Logger.InfoContext(ctx, "application_stopped")
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// closeResources releases whatever initializeServices managed to open
func (a *Application) closeResources(ctx context.Context) {
	if a.Runtime != nil {
		a.Runtime.Stop()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "aux_cache_close_failed", slog.String("error", err.Error()))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "store_close_failed", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "otel_shutdown_failed", slog.String("error", err.Error()))
		}
	}
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "signal_received", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// ctx may already be cancelled; shutdown gets its own budget
	return a.Stop(context.Background())
}
