package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/pixelhive/internal/metrics"
	"github.com/hibiken/asynq"
)

const asynqTaskType = "pixelhive:entry"

var errRequeued = errors.New("entry requeued by consumer")

// AsynqConfig configures the asynq transport
type AsynqConfig struct {
	Redis asynq.RedisClientOpt
	// RequeueDelay is how long a nacked-with-requeue task waits before it
	// becomes visible again
	RequeueDelay time.Duration
	// MaxRedeliveries bounds transport-level redelivery of a task
	MaxRedeliveries int
	ShutdownTimeout time.Duration
}

// AsynqTransport carries entries as asynq tasks on Redis. Each consumed
// queue runs its own asynq server, and a task handler stays blocked until
// the consumer settles the delivery.
type AsynqTransport struct {
	config AsynqConfig
	client *asynq.Client
	logger *slog.Logger

	mu      sync.Mutex
	servers []*asynq.Server
	closed  bool
}

// NewAsynqTransport creates the producer side; servers start on Consume
func NewAsynqTransport(config AsynqConfig, logger *slog.Logger) *AsynqTransport {
	if config.RequeueDelay <= 0 {
		config.RequeueDelay = time.Second
	}
	if config.MaxRedeliveries <= 0 {
		config.MaxRedeliveries = 25
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &AsynqTransport{
		config: config,
		client: asynq.NewClient(config.Redis),
		logger: logger,
	}
}

// Declare is a no-op: asynq queues exist once a task is written to them
func (t *AsynqTransport) Declare(_ context.Context, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	return nil
}

func (t *AsynqTransport) Publish(ctx context.Context, name string, body []byte, delay time.Duration) error {
	opts := []asynq.Option{
		asynq.Queue(name),
		asynq.MaxRetry(t.config.MaxRedeliveries),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	info, err := t.client.EnqueueContext(ctx, asynq.NewTask(asynqTaskType, body), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	t.logger.Debug("Task enqueued",
		slog.String("queue", name),
		slog.String("task_id", info.ID),
		slog.Duration("delay", delay),
	)
	return nil
}

func (t *AsynqTransport) Consume(ctx context.Context, name, consumerTag string, prefetch int) (<-chan Message, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	out := make(chan Message)
	var inflight sync.WaitGroup

	mux := asynq.NewServeMux()
	mux.HandleFunc(asynqTaskType, func(taskCtx context.Context, task *asynq.Task) error {
		inflight.Add(1)
		defer inflight.Done()

		msg := &asynqMessage{body: task.Payload(), result: make(chan error, 1)}
		select {
		case out <- msg:
		case <-ctx.Done():
			return errRequeued
		case <-taskCtx.Done():
			return taskCtx.Err()
		}

		select {
		case err := <-msg.result:
			return err
		case <-taskCtx.Done():
			return taskCtx.Err()
		}
	})

	srv := asynq.NewServer(t.config.Redis, asynq.Config{
		Concurrency: prefetch,
		Queues:      map[string]int{name: 1},
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
			return t.config.RequeueDelay
		},
		ErrorHandler:    t.archiveHandler(name),
		ShutdownTimeout: t.config.ShutdownTimeout,
		Logger:          asynqLogger{t.logger.With(slog.String("queue", name))},
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.servers = append(t.servers, srv)
	t.mu.Unlock()

	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start asynq server: %w", err)
	}

	t.logger.Info("Started consuming asynq queue",
		slog.String("queue", name),
		slog.String("consumer_tag", consumerTag),
		slog.Int("concurrency", prefetch),
	)

	go func() {
		<-ctx.Done()
		srv.Stop()
		srv.Shutdown()
		inflight.Wait()
		close(out)
	}()
	return out, nil
}

// archiveHandler reports tasks asynq is about to archive because the
// consumer kept requeueing them. Their job stays queued until resubmitted.
func (t *AsynqTransport) archiveHandler(name string) asynq.ErrorHandlerFunc {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, ok := asynq.GetRetryCount(ctx)
		if !ok {
			return
		}
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if !redeliveriesExhausted(retried, maxRetry, err) {
			return
		}

		metrics.QueueEntriesArchivedTotal.WithLabelValues(name).Inc()
		attrs := []any{
			slog.String("queue", name),
			slog.Int("redeliveries", retried),
			slog.String("error", err.Error()),
		}
		if entry, decodeErr := decodeEntry(task.Payload()); decodeErr == nil {
			attrs = append(attrs, slog.String("job_id", entry.JobID))
		}
		t.logger.Error("Task archived after exhausting redeliveries, recover with POST /api/v1/jobs/:job_id/retry", attrs...)
	}
}

// redeliveriesExhausted reports whether a failed task is archived for
// running out of redeliveries rather than being rejected
func redeliveriesExhausted(retried, maxRetry int, err error) bool {
	if errors.Is(err, asynq.SkipRetry) || errors.Is(err, asynq.RevokeTask) {
		return false
	}
	return retried >= maxRetry
}

func (t *AsynqTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	servers := t.servers
	t.mu.Unlock()

	for _, srv := range servers {
		srv.Shutdown()
	}
	if err := t.client.Close(); err != nil {
		return fmt.Errorf("failed to close asynq client: %w", err)
	}
	return nil
}

type asynqMessage struct {
	body   []byte
	result chan error
	once   sync.Once
}

func (m *asynqMessage) Body() []byte { return m.body }

func (m *asynqMessage) Ack() error {
	return m.settle(nil)
}

func (m *asynqMessage) Nack(requeue bool) error {
	if requeue {
		return m.settle(errRequeued)
	}
	return m.settle(fmt.Errorf("entry rejected: %w", asynq.SkipRetry))
}

func (m *asynqMessage) settle(err error) error {
	settled := false
	m.once.Do(func() {
		settled = true
		m.result <- err
	})
	if !settled {
		return errors.New("message already settled")
	}
	return nil
}

// asynqLogger routes asynq's internal logging into slog
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
