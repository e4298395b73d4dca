package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cuongbtq/pixelhive/internal/cleanup"
	"github.com/cuongbtq/pixelhive/internal/config"
	"github.com/cuongbtq/pixelhive/internal/handler"
	"github.com/cuongbtq/pixelhive/internal/notify"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
	"github.com/cuongbtq/pixelhive/internal/pipeline"
	"github.com/cuongbtq/pixelhive/internal/transform/fetch"
	"github.com/cuongbtq/pixelhive/internal/transform/imaging"
	"github.com/cuongbtq/pixelhive/internal/transform/pdfdoc"
	"github.com/cuongbtq/pixelhive/internal/transform/qr"
	"github.com/cuongbtq/pixelhive/internal/transform/thumbnails"
	"github.com/cuongbtq/pixelhive/internal/worker"
)

// Routes maps every category to its configured queue and retry policy
func Routes(cfg config.WorkerConfig) pipeline.Routes {
	routes := make(pipeline.Routes)
	for _, q := range cfg.AllQueues() {
		routes[q.Category] = pipeline.Route{Queue: q.Name, Policy: q.Policy}
	}
	return routes
}

// NewNotifier builds the owner notifier on the configured sender
func NewNotifier(cfg config.NotifyConfig, logger *slog.Logger) (*notify.Notifier, error) {
	var sender notify.Sender
	switch cfg.Driver {
	case config.DriverSendGrid:
		sg, err := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGrid.APIKey,
			FromEmail: cfg.SendGrid.FromEmail,
			FromName:  cfg.SendGrid.FromName,
		}, logger)
		if err != nil {
			return nil, err
		}
		sender = sg
	case config.DriverLog:
		sender = notify.NewLogSender(logger)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}

	return notify.New(sender, notify.Config{
		Attempts:    cfg.Attempts,
		RetryDelay:  cfg.RetryDelay,
		SendTimeout: cfg.SendTimeout,
	}, logger)
}

// NewObjectStorage builds the configured artifact store
func NewObjectStorage(cfg config.ObjectStorageConfig, logger *slog.Logger) (objectstore.Storage, error) {
	switch cfg.Driver {
	case config.DriverCloudinary:
		return objectstore.NewCloudinary(objectstore.CloudinaryConfig{
			URL:          cfg.Cloudinary.URL,
			CloudName:    cfg.Cloudinary.CloudName,
			APIKey:       cfg.Cloudinary.APIKey,
			APISecret:    cfg.Cloudinary.APISecret,
			UploadPrefix: cfg.Cloudinary.UploadPrefix,
		}, logger)
	case config.DriverLocal:
		return objectstore.NewLocal(objectstore.LocalConfig{
			Root:    cfg.Local.Root,
			BaseURL: cfg.Local.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown object storage driver %q", cfg.Driver)
	}
}

// NewRegistry builds the six category handlers on the default transforms
func NewRegistry(cfg *config.Config, objects objectstore.Storage, logger *slog.Logger) (*handler.Registry, error) {
	imgMark, err := imaging.NewWatermarker()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image watermarker: %w", err)
	}
	if cfg.Files.WorkDir != "" {
		if err := os.MkdirAll(cfg.Files.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}

	codec := qr.NewCodec()
	return handler.NewDefaultRegistry(handler.Deps{
		Storage:          objects,
		Renderer:         pdfdoc.NewRenderer(),
		Merger:           imaging.NewMerger(pdfdoc.NewPageWriter()),
		QREncoder:        codec,
		QRDecoder:        codec,
		Thumbnails:       thumbnails.NewExtractor(),
		ImageWatermarker: imgMark,
		PDFWatermarker:   pdfdoc.NewWatermarker(),
		Fetcher: fetch.NewFetcher(fetch.Config{
			Timeout:  cfg.Files.FetchTimeout,
			MaxBytes: cfg.Files.MaxFetchBytes,
		}),
		UploadDir: cfg.Files.UploadDir,
		WorkDir:   cfg.Files.WorkDir,
		Logger:    logger.With(slog.String("component", "handler")),
	}), nil
}

// NewCleaner restricts deletion to the shared upload directory
func NewCleaner(cfg config.FilesConfig, logger *slog.Logger) *cleanup.Cleaner {
	return cleanup.NewCleaner(logger, cfg.UploadDir)
}

// NewService builds the producer surface
func NewService(cfg *config.Config, b *Backends, notifier pipeline.FailureNotifier, logger *slog.Logger) (*pipeline.Service, error) {
	return pipeline.NewService(Routes(cfg.Worker), pipeline.Deps{
		Store:     b.Store,
		Queues:    b.Queues,
		Notifier:  notifier,
		Cleaner:   NewCleaner(cfg.Files, logger),
		Logger:    logger,
		UploadDir: cfg.Files.UploadDir,
	})
}

// NewWorkerGroup builds one pool per category queue
func NewWorkerGroup(ctx context.Context, cfg *config.Config, b *Backends, registry *handler.Registry, objects worker.Artifacts, notifier worker.Notifier, logger *slog.Logger) (*worker.Group, error) {
	cleaner := NewCleaner(cfg.Files, logger)
	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}

	var pools []*worker.Pool
	for _, q := range cfg.Worker.AllQueues() {
		source, err := b.Queues.Queue(ctx, q.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue %s: %w", q.Name, err)
		}
		h, err := registry.Get(q.Category)
		if err != nil {
			return nil, err
		}

		pool, err := worker.NewPool(worker.Config{
			WorkerID:       workerID,
			Category:       q.Category,
			Concurrency:    q.Concurrency,
			Prefetch:       q.Prefetch,
			AttemptTimeout: q.JobTimeout,
		}, worker.Deps{
			Store:     b.Store,
			Source:    source,
			Enqueuer:  b.Queues,
			Handler:   h,
			Notifier:  notifier,
			Cleaner:   cleaner,
			Artifacts: objects,
			Logger:    logger.With(slog.String("component", "worker")),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create pool for %s: %w", q.Category, err)
		}
		pools = append(pools, pool)
	}

	return worker.NewGroup(logger, pools...), nil
}
