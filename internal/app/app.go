// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/syncrelay/syncrelay/internal/cachekey"
	"github.com/syncrelay/syncrelay/internal/config"
	"github.com/syncrelay/syncrelay/internal/database"
	"github.com/syncrelay/syncrelay/internal/entity"
	"github.com/syncrelay/syncrelay/internal/lock"
	"github.com/syncrelay/syncrelay/internal/loggy"
	"github.com/syncrelay/syncrelay/internal/push"
	"github.com/syncrelay/syncrelay/internal/server"
	"github.com/syncrelay/syncrelay/internal/session"
	"github.com/syncrelay/syncrelay/internal/tracking"
)

// App represents the application instance with its dependencies
type App struct {
	Config   *config.Config
	Sessions *session.Service
	Tracking *tracking.Service
	Hub      *push.Broadcaster
	Server   *server.Server
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	app := initServices(cfg, db)

	loggy.Info("Application initialized successfully")
	return app, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires the tracking core on top of the shared database.
func initServices(cfg *config.Config, db *sql.DB) *App {
	logger := loggy.GetGlobalLogger()

	keys := cachekey.NewFactory(cfg.Database.KeyPrefix)
	store := entity.NewSQLStore(db, logger)
	locks := entity.Locks(lock.NewService(db, cfg.Lock, logger))

	sessionService := session.NewService(keys, store, locks, logger)
	hub := push.NewBroadcaster(cfg.Push, logger)
	trackingService := tracking.NewService(keys, store, locks, sessionService, hub, logger)

	httpServer := server.New(cfg, sessionService, trackingService, hub, logger)

	return &App{
		Config:   cfg,
		Sessions: sessionService,
		Tracking: trackingService,
		Hub:      hub,
		Server:   httpServer,
	}
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if app.Server != nil {
		if err := app.Server.Shutdown(context.Background()); err != nil {
			loggy.Error("Error shutting down http server", "error", err)
		}
	}

	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
