// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sarus-health/mailqueue/internal/config"
	"github.com/sarus-health/mailqueue/internal/contact"
	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/identity/jwt"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	"github.com/sarus-health/mailqueue/internal/pkg/ctxlog"
	"github.com/sarus-health/mailqueue/internal/pkg/httputil"
	"github.com/sarus-health/mailqueue/internal/pkg/metrics"
	"github.com/sarus-health/mailqueue/internal/version"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	storage       *Storage
	processor     *mailqueue.Processor
	worker        *mailqueue.Worker
	contact       *contact.Service
	server        *http.Server
	metricsServer *http.Server
	metricsCtx    context.Context
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg.Log, os.Stdout)

	storage, err := OpenStorage(context.Background(), cfg.Storage)
	if err != nil {
		return nil, err
	}

	processor, err := NewProcessor(cfg, storage.Store)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		storage:       storage,
		processor:     processor,
		metricsCtx:    metricsCtx,
		metricsCancel: metricsCancel,
	}

	router, err := app.setupRouter()
	if err != nil {
		metricsCancel()
		_ = storage.Close()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	if cfg.Queue.WorkerEnabled && processor != nil {
		app.worker, err = mailqueue.NewWorker(mailqueue.WorkerConfig{
			Schedule:      cfg.Queue.Schedule,
			StatsInterval: cfg.Queue.StatsInterval,
		}, processor, storage.Store)
		if err != nil {
			metricsCancel()
			_ = storage.Close()
			return nil, fmt.Errorf("create worker: %w", err)
		}
	}

	metrics.BuildInfo.WithLabelValues(version.Version, version.GitCommit, cfg.Storage.Driver).Set(1)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the worker and the HTTP servers. It blocks until the main server stops.
func (a *App) Run() error {
	if a.storage.Pool != nil {
		go metrics.CollectDBPoolMetrics(a.metricsCtx, a.storage.Pool, 15*time.Second)
	}

	if a.worker != nil {
		a.worker.Start(a.metricsCtx)
	} else {
		a.logger.Warn("mail queue worker is disabled: items are only processed on demand")
	}

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"storage_driver", a.config.Storage.Driver,
		"email_transport", a.config.Email.Transport,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop the worker first so no pass starts while the servers drain.
	if a.worker != nil {
		a.worker.Stop()
	}
	a.metricsCancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if a.contact != nil {
		a.contact.Wait()
	}

	if err := a.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the queue worker, or nil when it is disabled.
func (a *App) Worker() *mailqueue.Worker {
	return a.worker
}

// Store returns the queue store.
func (a *App) Store() *mailqueue.Store {
	return a.storage.Store
}

func (a *App) setupRouter() (*chi.Mux, error) {
	authenticator, err := jwt.NewAuthenticator(jwt.Config{
		Secret:   a.config.Auth.JWTSecret,
		Issuer:   a.config.Auth.Issuer,
		TokenTTL: a.config.Auth.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	queueService := mailqueue.NewService(a.storage.Store, a.processor, a.config.Queue.MaxAttempts)
	queueHandler := mailqueue.NewHandler(queueService)

	var contactHandler *contact.Handler
	if a.config.Contact.Enabled {
		renderer, err := contact.NewRenderer()
		if err != nil {
			return nil, fmt.Errorf("create contact renderer: %w", err)
		}

		adminLocale, _ := contact.ParseLocale(a.config.Contact.AdminLocale)
		defaultLocale, _ := contact.ParseLocale(a.config.Contact.DefaultLocale)

		a.contact = contact.NewService(queueService, renderer, contact.Config{
			SiteName:        a.config.Contact.SiteName,
			AdminRecipients: a.config.Contact.AdminRecipients,
			AdminLocale:     adminLocale,
			DefaultLocale:   defaultLocale,
		})
		if a.config.Contact.ProcessOnSubmit && a.processor != nil {
			a.contact.WithTrigger(queueService)
		}

		contactHandler = contact.NewHandler(a.contact, contact.RateLimit{
			PerMinute: a.config.Contact.RatePerMinute,
			Burst:     a.config.Contact.RateBurst,
		})
	}

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, a.config.Server.OpenAPIPath)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if contactHandler != nil {
			contactHandler.RegisterRoutes(r)
		}

		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(authenticator))
			r.Use(httputil.RequireRole(domain.RoleOperator))
			queueHandler.RegisterRoutes(r)
		})
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := a.storage.Store.ListAllStrict(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Queue storage unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":        version.Version,
		"commit":         version.GitCommit,
		"build_date":     version.BuildDate,
		"storage_driver": a.config.Storage.Driver,
	})
}

// NewLogger builds a logger writing to w from cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
