package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/piano-esp/internal/api"
	"github.com/eugenenazirov/piano-esp/internal/collector"
	"github.com/eugenenazirov/piano-esp/internal/config"
	"github.com/eugenenazirov/piano-esp/internal/esp"
	"github.com/eugenenazirov/piano-esp/internal/storage"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	cfg       config.Config
	session   *storage.Session
	storage   storage.Storage
	collector *collector.Collector
	handler   *api.Handler
	router    http.Handler
	logger    *zap.Logger
	server    *http.Server
	clock     func() time.Time
}

// Option configures an App.
type Option func(*App)

// WithClientFactory replaces the factory building ESP clients, primarily for tests.
func WithClientFactory(factory collector.ClientFactory) Option {
	return func(a *App) {
		a.collector = collector.New(a.storage, factory, a.logger, collector.WithActiveOnly(a.cfg.ActiveOnly))
	}
}

// WithClock overrides the time source used for default date ranges.
func WithClock(clock func() time.Time) Option {
	return func(a *App) {
		a.clock = clock
	}
}

// New initializes the application with all dependencies from the provided configuration.
// It opens the shared database session; Close releases it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	dsn, err := cfg.Database.DSN()
	if err != nil {
		return nil, fmt.Errorf("failed to build database URL: %w", err)
	}

	session, err := storage.Connect(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Database.Redacted(), err)
	}

	store, err := storage.NewSQLStorage(ctx, session)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to prepare storage: %w", err)
	}
	logger.Info("storage ready",
		zap.String("driver", session.Driver()),
		zap.String("database", cfg.Database.Redacted()),
	)

	app := &App{
		cfg:     cfg,
		session: session,
		storage: store,
		logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	app.collector = collector.New(store, collector.NewClientFactory(cfg, logger), logger,
		collector.WithActiveOnly(cfg.ActiveOnly),
	)
	for _, opt := range opts {
		opt(app)
	}

	app.handler = api.NewHandler(store, app, cfg.Accounts)
	app.router = api.NewRouter(app.handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithTrustedProxy(cfg.TrustProxyHeaders),
	)
	app.server = NewServer(cfg, BuildRootHandler(app.router))

	return app, nil
}

// BuildRootHandler mounts the API under /api/ and answers everything else with 404.
func BuildRootHandler(apiHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/", http.NotFoundHandler())
	return mux
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Sync runs one collection pass over every configured account.
func (a *App) Sync(ctx context.Context, r esp.DateRange) (collector.Report, error) {
	a.logger.Info("collection started",
		zap.Stringer("range", r),
		zap.Int("sites", len(a.cfg.Accounts)),
	)
	report, err := a.collector.Run(ctx, a.cfg.Accounts, r)
	if err == nil {
		a.logger.Info("collection finished", zap.Int("sites", len(report.Sites)))
	}
	return report, err
}

// DefaultRange is the window collected when none is requested.
func (a *App) DefaultRange() esp.DateRange {
	return esp.DefaultRange(a.clock(), a.cfg.LookbackDays)
}

// Start starts the HTTP server in a goroutine and logs the listening address.
func (a *App) Start() error {
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Close releases the database session.
func (a *App) Close() error {
	return a.session.Close()
}
