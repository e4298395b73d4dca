package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/pixelhive/internal/handler"
	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/metrics"
	"github.com/cuongbtq/pixelhive/internal/queue"
)

// Store is the part of the record store a pool needs
type Store interface {
	GetJob(ctx context.Context, id string) (*job.Record, error)
	UpdateJob(ctx context.Context, id string, patch job.Patch) (*job.Record, error)
}

// Source yields deliveries for one queue
type Source interface {
	Name() string
	Consume(ctx context.Context, consumerTag string, prefetch int) (<-chan *queue.Delivery, error)
}

// Enqueuer re-enqueues entries for retries
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, entry queue.Entry, opts queue.Options) error
}

// Notifier reports terminal outcomes to the job owner. It never fails.
type Notifier interface {
	JobCompleted(ctx context.Context, rec *job.Record)
	JobFailed(ctx context.Context, rec *job.Record, kind job.Kind)
}

// Cleaner deletes transient local inputs
type Cleaner interface {
	DeleteLocalPaths(ctx context.Context, paths ...string)
}

// Artifacts deletes published objects
type Artifacts interface {
	Delete(ctx context.Context, ref string) error
}

// Config configures one pool
type Config struct {
	WorkerID       string
	Category       job.Category
	Concurrency    int
	Prefetch       int
	AttemptTimeout time.Duration
}

// Deps are the collaborators of a pool
type Deps struct {
	Store     Store
	Source    Source
	Enqueuer  Enqueuer
	Handler   handler.Handler
	Notifier  Notifier
	Cleaner   Cleaner
	Artifacts Artifacts // optional; without it orphaned artifacts are kept
	Logger    *slog.Logger
}

// Pool consumes one queue with a bounded number of worker goroutines
type Pool struct {
	cfg  Config
	deps Deps

	logger   *slog.Logger
	jobsChan chan *queue.Delivery
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewPool validates cfg and builds a pool
func NewPool(cfg Config, deps Deps) (*Pool, error) {
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("attempt timeout must be positive")
	}
	if !cfg.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q", cfg.Category)
	}
	if deps.Store == nil || deps.Source == nil || deps.Enqueuer == nil || deps.Handler == nil {
		return nil, errors.New("store, source, enqueuer and handler are required")
	}
	if deps.Notifier == nil || deps.Cleaner == nil || deps.Logger == nil {
		return nil, errors.New("notifier, cleaner and logger are required")
	}
	if cfg.Prefetch < cfg.Concurrency {
		cfg.Prefetch = cfg.Concurrency
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}

	return &Pool{
		cfg:  cfg,
		deps: deps,
		logger: deps.Logger.With(
			slog.String("queue", deps.Source.Name()),
			slog.String("worker_id", cfg.WorkerID),
		),
		jobsChan: make(chan *queue.Delivery),
		inFlight: make(map[string]struct{}),
	}, nil
}

// Start begins consuming. In-flight attempts run on a context detached from
// ctx so that shutdown lets them persist and acknowledge.
func (p *Pool) Start(ctx context.Context) error {
	consumeCtx, cancel := context.WithCancel(ctx)
	consumerTag := fmt.Sprintf("%s-%s", p.cfg.WorkerID, p.deps.Source.Name())

	deliveries, err := p.deps.Source.Consume(consumeCtx, consumerTag, p.cfg.Prefetch)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	p.cancel = cancel

	workCtx := context.WithoutCancel(ctx)

	p.logger.Info("Spawning worker pool",
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Int("prefetch", p.cfg.Prefetch),
	)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(workCtx, i)
	}
	metrics.ActiveWorkers.WithLabelValues(p.deps.Source.Name()).Set(float64(p.cfg.Concurrency))

	go p.dispatch(consumeCtx, deliveries)
	return nil
}

// Stop stops consuming and waits for in-flight attempts to finish
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	metrics.ActiveWorkers.WithLabelValues(p.deps.Source.Name()).Set(0)
	p.logger.Info("Worker pool stopped")
}

// Run starts the pool and blocks until ctx is done, then stops it
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return nil
}

// dispatch feeds deliveries to the worker goroutines
func (p *Pool) dispatch(ctx context.Context, deliveries <-chan *queue.Delivery) {
	defer close(p.jobsChan)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Message dispatcher stopped - context canceled")
			return

		case d, ok := <-deliveries:
			if !ok {
				p.logger.Info("Message dispatcher stopped - delivery channel closed")
				return
			}

			select {
			case p.jobsChan <- d:
			case <-ctx.Done():
				if err := d.Nack(true); err != nil {
					p.logger.Error("Failed to NACK message on shutdown",
						slog.String("job_id", d.Entry.JobID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	for d := range p.jobsChan {
		p.logger.Debug("Worker received job",
			slog.Int("worker_num", workerNum),
			slog.String("job_id", d.Entry.JobID),
		)
		p.process(ctx, d)
	}
}

// claim marks id as in flight; false means another goroutine holds it
func (p *Pool) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}
