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

	"github.com/cuongbtq/pixelhive/internal/bootstrap"
	"github.com/cuongbtq/pixelhive/internal/config"
	"github.com/cuongbtq/pixelhive/shared/logger"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Queue.Driver == config.DriverMemory {
		return fmt.Errorf("the memory queue driver only works in the api-service standalone mode")
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	objects, err := bootstrap.NewObjectStorage(cfg.ObjectStorage, appLogger.Component("objectstore"))
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	registry, err := bootstrap.NewRegistry(cfg, objects, appLogger.Component("handler"))
	if err != nil {
		return err
	}

	group, err := bootstrap.NewWorkerGroup(ctx, cfg, backends, registry, objects, notifier, appLogger.Component("worker"))
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return group.Run(egCtx)
	})
	if cfg.Metrics.Enabled {
		eg.Go(func() error {
			return serveMetrics(egCtx, cfg.Metrics, appLogger.Component("metrics"))
		})
	}

	appLogger.Info("Worker service started successfully")

	<-egCtx.Done()
	appLogger.Info("Received signal, shutting down gracefully")

	// Give in-flight attempts time to persist and acknowledge
	done := make(chan error, 1)
	go func() {
		done <- eg.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}
	return nil
}

// serveMetrics exposes Prometheus metrics until ctx is done
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics listener started", slog.String("address", srv.Addr), slog.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("metrics listener failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
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
