package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/google/uuid"
)

// ErrQueueUnavailable is returned when the transport cannot accept work
var ErrQueueUnavailable = errors.New("queue unavailable")

// Entry is the unit placed on a queue. It references the record by id and
// carries no payload.
type Entry struct {
	JobID    string       `json:"job_id"`
	Category job.Category `json:"category"`
	// AttemptBase is the record's attempt base when the entry was first
	// submitted, so a resubmitted job gets a fresh attempt budget.
	AttemptBase int             `json:"attempt_base"`
	Policy      job.RetryPolicy `json:"policy"`
	// DispatchID ties the entry to the record's current chain
	DispatchID string `json:"dispatch_id,omitempty"`
}

// AttemptsUsed returns how many attempts were made under this entry
func (e Entry) AttemptsUsed(attemptCount int) int {
	return attemptCount - e.AttemptBase
}

// Options are the recognized enqueue options
type Options struct {
	Policy job.RetryPolicy
	// Delay postpones delivery
	Delay time.Duration
}

// Message is a raw delivery from a transport
type Message interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Transport moves opaque bodies between producers and competing consumers.
// Redelivery of unacknowledged messages is the transport's responsibility.
type Transport interface {
	Declare(ctx context.Context, name string) error
	Publish(ctx context.Context, name string, body []byte, delay time.Duration) error
	// Consume delivers messages until ctx is cancelled, then closes the channel
	Consume(ctx context.Context, name, consumerTag string, prefetch int) (<-chan Message, error)
	Close() error
}

// Delivery is a decoded entry awaiting acknowledgement
type Delivery struct {
	Entry Entry
	msg   Message
}

// Ack confirms the entry was handled
func (d *Delivery) Ack() error {
	return d.msg.Ack()
}

// Nack rejects the entry; with requeue it is delivered again
func (d *Delivery) Nack(requeue bool) error {
	return d.msg.Nack(requeue)
}

// Manager hands out named queues over one transport. Each name maps to
// exactly one Queue per process, declared on first use.
type Manager struct {
	transport Transport
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates a Manager on transport
func NewManager(transport Transport, logger *slog.Logger) *Manager {
	return &Manager{
		transport: transport,
		logger:    logger,
		queues:    make(map[string]*Queue),
	}
}

// Queue returns the queue called name, declaring it on the transport the
// first time it is requested.
func (m *Manager) Queue(ctx context.Context, name string) (*Queue, error) {
	if name == "" {
		return nil, job.Validationf("queue name is required")
	}

	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if ok {
		return q, nil
	}

	if err := m.transport.Declare(ctx, name); err != nil {
		return nil, job.Infrastructure(fmt.Errorf("%w: failed to declare %s: %v", ErrQueueUnavailable, name, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.queues[name]; ok {
		return existing, nil
	}
	q = &Queue{name: name, transport: m.transport, logger: m.logger.With(slog.String("queue", name))}
	m.queues[name] = q
	return q, nil
}

// Enqueue validates opts and appends entry to the queue called name
func (m *Manager) Enqueue(ctx context.Context, name string, entry Entry, opts Options) error {
	if err := opts.Policy.Validate(); err != nil {
		return err
	}
	if opts.Delay < 0 {
		return job.Validationf("delay cannot be negative")
	}
	if entry.JobID == "" {
		return job.Validationf("entry has no job id")
	}
	entry.Policy = opts.Policy

	q, err := m.Queue(ctx, name)
	if err != nil {
		return err
	}
	return q.publish(ctx, entry, opts.Delay)
}

// Close closes the underlying transport
func (m *Manager) Close() error {
	return m.transport.Close()
}

// Queue is one named queue
type Queue struct {
	name      string
	transport Transport
	logger    *slog.Logger
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) publish(ctx context.Context, entry Entry, delay time.Duration) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := q.transport.Publish(ctx, q.name, body, delay); err != nil {
		q.logger.Error("Failed to enqueue entry",
			slog.String("job_id", entry.JobID),
			slog.Any("error", err),
		)
		return job.Infrastructure(fmt.Errorf("%w: %v", ErrQueueUnavailable, err))
	}

	q.logger.Debug("Entry enqueued",
		slog.String("job_id", entry.JobID),
		slog.Duration("delay", delay),
	)
	return nil
}

// Consume returns decoded deliveries for this queue. Malformed entries are
// rejected without requeue. The channel closes when ctx is cancelled or the
// transport stops delivering.
func (q *Queue) Consume(ctx context.Context, consumerTag string, prefetch int) (<-chan *Delivery, error) {
	messages, err := q.transport.Consume(ctx, q.name, consumerTag, prefetch)
	if err != nil {
		return nil, job.Infrastructure(fmt.Errorf("%w: failed to consume %s: %v", ErrQueueUnavailable, q.name, err))
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for msg := range messages {
			entry, err := decodeEntry(msg.Body())
			if err != nil {
				q.logger.Error("Rejecting malformed entry",
					slog.String("error", err.Error()),
					slog.String("body", string(msg.Body())),
				)
				if nackErr := msg.Nack(false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed entry",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case out <- &Delivery{Entry: entry, msg: msg}:
			case <-ctx.Done():
				if nackErr := msg.Nack(true); nackErr != nil {
					q.logger.Error("Failed to NACK entry on shutdown",
						slog.String("job_id", entry.JobID),
						slog.String("error", nackErr.Error()),
					)
				}
			}
		}
	}()
	return out, nil
}

func decodeEntry(body []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return Entry{}, fmt.Errorf("invalid entry JSON: %w", err)
	}
	if _, err := uuid.Parse(entry.JobID); err != nil {
		return Entry{}, fmt.Errorf("invalid job_id %q: %w", entry.JobID, err)
	}
	if !entry.Category.Valid() {
		return Entry{}, fmt.Errorf("unknown category %q", entry.Category)
	}
	if err := entry.Policy.Validate(); err != nil {
		return Entry{}, fmt.Errorf("invalid retry policy: %w", err)
	}
	return entry, nil
}
