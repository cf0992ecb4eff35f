// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/assessdesk/internal/api"
	"github.com/starford/assessdesk/internal/desk"
	"github.com/starford/assessdesk/internal/events"
	"github.com/starford/assessdesk/internal/gateway"
	"github.com/starford/assessdesk/internal/mcpserver"
	"github.com/starford/assessdesk/internal/session"
	"github.com/starford/assessdesk/internal/storage"
)

// NewLogger builds the structured JSON logger every command uses.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// App is the wired client: durable slots, session, gateway and desk.
type App struct {
	Config  *Config
	Logger  *slog.Logger
	Bus     *events.Broker
	Session *session.Store
	Desk    *desk.Desk

	slots storage.Provider
}

// Build opens storage and wires every component for cfg.
func Build(cfg *Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = NewLogger(os.Stdout, cfg.App.LogLevel)
	}

	if err := ensureStorageDir(cfg.Storage); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	slots, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	client, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:        cfg.API.BaseURL,
		AuthPath:       cfg.API.AuthPath,
		ResourcePrefix: cfg.API.ResourcePrefix,
		HTTPClient:     &http.Client{Timeout: cfg.API.Timeout},
		Logger:         logger,
	})
	if err != nil {
		_ = slots.Close()
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	bus := events.NewBroker()
	store, err := session.Open(slots, client, bus, logger)
	if err != nil {
		bus.Close()
		_ = slots.Close()
		return nil, fmt.Errorf("init session: %w", err)
	}

	d := desk.New(store, gateway.New(client, store), bus,
		desk.WithLogger(logger),
		desk.WithLogoutOnUnauthorized(cfg.Session.LogoutOnUnauthorized),
	)

	return &App{
		Config:  cfg,
		Logger:  logger,
		Bus:     bus,
		Session: store,
		Desk:    d,
		slots:   slots,
	}, nil
}

// Close stops the bus and releases storage.
func (a *App) Close() error {
	a.Bus.Close()
	return a.slots.Close()
}

// watch runs the session and desk followers until ctx is done.
func (a *App) watch(ctx context.Context, g *errgroup.Group) {
	if a.Config.Session.Watch {
		g.Go(func() error {
			if err := a.Session.Watch(ctx); err != nil {
				a.Logger.Warn("session watch stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		return a.Desk.Watch(ctx)
	})
}

func ensureStorageDir(cfg StorageConfig) error {
	dir := cfg.Path
	if cfg.Driver == storage.DriverSQLite {
		dir = filepath.Dir(cfg.Path)
	}
	return os.MkdirAll(dir, 0o700)
}

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		app.logger = NewLogger(os.Stdout, app.config.App.LogLevel)
	}
	return app, nil
}

// Run serves the control API until a shutdown signal or ctx is done.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("backend", cfg.API.BaseURL),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.String("storage_path", cfg.Storage.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	a, err := Build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	apiRouter := api.NewRouter(a.Desk, cfg.Auth.AuthEnabled(), cfg.Auth.Token, a.Bus)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Follow session changes: other processes and this one.
	a.watch(gCtx, g)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		return shutdownOnSignal(gCtx, logger, func(shutdownCtx context.Context) {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
			}
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools on stdio until stdin closes or ctx is done.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	a, err := Build(app.config, app.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcpserver.New(a.Desk, app.version)

	g, gCtx := errgroup.WithContext(ctx)
	a.watch(gCtx, g)
	g.Go(func() error {
		app.logger.Info("Starting MCP server on stdio")
		if err := srv.ServeStdio(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}
	return nil
}

// errShutdown ends an errgroup whose members have nothing left to do.
var errShutdown = errors.New("shutdown")

func shutdownOnSignal(ctx context.Context, logger *slog.Logger, shutdown func(context.Context)) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var err error
	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		err = errShutdown
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdown(shutdownCtx)
	return err
}
