package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/pixelhive/internal/api/handler"
	"github.com/cuongbtq/pixelhive/internal/api/router"
	"github.com/cuongbtq/pixelhive/internal/bootstrap"
	"github.com/cuongbtq/pixelhive/internal/config"
	"github.com/cuongbtq/pixelhive/internal/notify"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
	"github.com/cuongbtq/pixelhive/internal/pipeline"
	"github.com/cuongbtq/pixelhive/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logger.NewDefault().Info("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// with the in-memory queue nothing outside this process can consume,
	// so the worker pools run here too
	standalone := cfg.Queue.Driver == config.DriverMemory
	if standalone {
		if err := cfg.ValidateWorkerConfig(); err != nil {
			return fmt.Errorf("invalid config for standalone mode: %w", err)
		}
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("standalone", standalone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := bootstrap.OpenBackends(ctx, cfg, appLogger.Component("backends"))
	if err != nil {
		return err
	}
	defer backends.Close()

	notifier, err := bootstrap.NewNotifier(cfg.Notify, appLogger.Component("notify"))
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	service, err := bootstrap.NewService(cfg, backends, notifier, appLogger.Component("pipeline"))
	if err != nil {
		return fmt.Errorf("failed to initialize job service: %w", err)
	}

	objects, err := bootstrap.NewObjectStorage(cfg.ObjectStorage, appLogger.Component("objectstore"))
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	// nil unless standalone, so the selects below ignore it
	var workersDone chan error
	if standalone {
		workersDone = make(chan error, 1)
		if err := startWorkers(ctx, cfg, backends, objects, notifier, appLogger, workersDone); err != nil {
			return err
		}
	}

	r := initRouter(cfg, appLogger.Component("http"), service, objects, backends.HealthChecks())

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	case err := <-workersDone:
		appLogger.Error("Worker pools stopped unexpectedly", slog.Any("error", err))
		workersDone = nil
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if workersDone != nil {
		select {
		case err := <-workersDone:
			if err != nil {
				appLogger.Error("Worker pools stopped with error", slog.Any("error", err))
			}
		case <-shutdownCtx.Done():
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		}
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// startWorkers runs the worker pools in this process until ctx is done
func startWorkers(ctx context.Context, cfg *config.Config, backends *bootstrap.Backends, objects objectstore.Storage, notifier *notify.Notifier, appLogger *logger.Logger, done chan<- error) error {
	registry, err := bootstrap.NewRegistry(cfg, objects, appLogger.Component("handler"))
	if err != nil {
		return err
	}
	group, err := bootstrap.NewWorkerGroup(ctx, cfg, backends, registry, objects, notifier, appLogger.Component("worker"))
	if err != nil {
		return err
	}

	go func() {
		done <- group.Run(ctx)
	}()
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, service *pipeline.Service, objects objectstore.Storage, checks map[string]func(context.Context) error) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger: logger,
		Jobs:   service,
		Uploads: handler.UploadConfig{
			Dir:      cfg.Files.UploadDir,
			MaxBytes: cfg.Files.MaxUploadBytes,
		},
		Objects: objects,
	}

	opts := router.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HealthChecks:   checks,
	}
	if cfg.ObjectStorage.Driver == config.DriverLocal {
		opts.ObjectsDir = cfg.ObjectStorage.Local.Root
	}

	return router.SetupRouter(handlerDeps, opts)
}
