// Package pipeline is the producer surface of the job system: it creates
// job records, routes them to their category queue and reports status.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/metrics"
	"github.com/cuongbtq/pixelhive/internal/queue"
	"github.com/cuongbtq/pixelhive/internal/storage"
	"github.com/google/uuid"
)

// ErrNotResubmittable is returned when a job is neither failed nor queued,
// or changed state while being resubmitted
var ErrNotResubmittable = errors.New("job cannot be resubmitted")

// Store is the record store the pipeline writes to
type Store interface {
	CreateJob(ctx context.Context, draft job.Draft) (*job.Record, error)
	GetJob(ctx context.Context, id string) (*job.Record, error)
	UpdateJob(ctx context.Context, id string, patch job.Patch) (*job.Record, error)
	ListJobs(ctx context.Context, filter storage.Filter) ([]*job.Record, error)
}

// Enqueuer publishes queue entries
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, entry queue.Entry, opts queue.Options) error
}

// FailureNotifier tells owners about jobs rejected at submission
type FailureNotifier interface {
	JobFailed(ctx context.Context, rec *job.Record, kind job.Kind)
}

// Cleaner deletes staged local inputs of rejected jobs
type Cleaner interface {
	DeleteLocalPaths(ctx context.Context, paths ...string)
}

// Deps are the collaborators of a Service
type Deps struct {
	Store    Store
	Queues   Enqueuer
	Notifier FailureNotifier
	Cleaner  Cleaner
	Logger   *slog.Logger
	// UploadDir is the only place local input references may point to
	UploadDir string
}

// Route is where jobs of one category are sent
type Route struct {
	Queue  string
	Policy job.RetryPolicy
}

// Routes maps categories to queues. Categories without an entry use a
// queue named after the category and the default retry policy.
type Routes map[job.Category]Route

// Route returns the route for c
func (r Routes) Route(c job.Category) Route {
	route, ok := r[c]
	if !ok || route.Queue == "" {
		route.Queue = string(c)
	}
	if route.Policy.MaxAttempts == 0 {
		route.Policy = job.DefaultRetryPolicy()
	}
	return route
}

// Submission is one processing request
type Submission struct {
	Category     job.Category
	OwnerID      string
	OwnerContact string
	Input        json.RawMessage
}

// Status is the externally visible state of a job
type Status struct {
	JobID        string
	Category     job.Category
	Status       job.Status
	Result       *job.Result
	ErrorMessage string
	AttemptCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Page is one page of a job listing
type Page struct {
	Jobs []Status
	Next *storage.Cursor
}

// Service creates, routes and reports jobs
type Service struct {
	store    Store
	queues   Enqueuer
	notifier FailureNotifier
	cleaner  Cleaner
	routes    Routes
	uploadDir string
	logger    *slog.Logger
}

func NewService(routes Routes, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Queues == nil {
		return nil, errors.New("store and queues are required")
	}
	if deps.Notifier == nil || deps.Cleaner == nil || deps.Logger == nil {
		return nil, errors.New("notifier, cleaner and logger are required")
	}
	if routes == nil {
		routes = Routes{}
	}
	for c, r := range routes {
		if err := r.Policy.Validate(); err != nil && r.Policy.MaxAttempts != 0 {
			return nil, fmt.Errorf("invalid retry policy for %s: %w", c, err)
		}
	}
	return &Service{
		store:    deps.Store,
		queues:   deps.Queues,
		notifier: deps.Notifier,
		cleaner:  deps.Cleaner,
		routes:    routes,
		uploadDir: deps.UploadDir,
		logger:    deps.Logger,
	}, nil
}

// Submit persists a new job and enqueues it. Input that fails validation
// is persisted as failed and never dispatched; the job id is returned with
// the validation error. When the queue is unreachable the record stays
// queued and the id is returned with queue.ErrQueueUnavailable.
func (s *Service) Submit(ctx context.Context, sub Submission) (string, error) {
	if !sub.Category.Valid() {
		metrics.JobsSubmittedTotal.WithLabelValues("unknown", "rejected").Inc()
		return "", job.Validationf("unknown job category %q", sub.Category)
	}
	category := string(sub.Category)
	if strings.TrimSpace(sub.OwnerID) == "" || strings.TrimSpace(sub.OwnerContact) == "" {
		metrics.JobsSubmittedTotal.WithLabelValues(category, "rejected").Inc()
		return "", job.Validationf("owner id and contact are required")
	}

	payload, inputErr := decodeInput(sub.Category, sub.Input, s.uploadDir)

	rec, err := s.store.CreateJob(ctx, job.Draft{
		Category:     sub.Category,
		OwnerID:      sub.OwnerID,
		OwnerContact: sub.OwnerContact,
		Input:        payload,
		DispatchID:   uuid.NewString(),
	})
	if err != nil {
		metrics.JobsSubmittedTotal.WithLabelValues(category, "error").Inc()
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	logger := s.logger.With(slog.String("job_id", rec.ID), slog.String("category", category))

	if inputErr != nil {
		return rec.ID, s.reject(ctx, logger, rec, inputErr)
	}

	route := s.routes.Route(sub.Category)
	if err := s.enqueue(ctx, route, rec); err != nil {
		metrics.JobsSubmittedTotal.WithLabelValues(category, "queue_unavailable").Inc()
		logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		return rec.ID, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues(category, "accepted").Inc()
	logger.Info("Job submitted", slog.String("queue", route.Queue))
	return rec.ID, nil
}

// reject marks a freshly created record failed and tells the owner
func (s *Service) reject(ctx context.Context, logger *slog.Logger, rec *job.Record, cause error) error {
	metrics.JobsSubmittedTotal.WithLabelValues(string(rec.Category), "rejected").Inc()
	logger.Warn("Rejecting invalid job input", slog.String("error", cause.Error()))

	failed, err := s.store.UpdateJob(ctx, rec.ID, job.MarkFailed(job.Message(cause)))
	if err != nil {
		return fmt.Errorf("failed to persist rejected job: %w", err)
	}
	metrics.JobsFailedTotal.WithLabelValues(string(rec.Category), job.KindValidation.String()).Inc()
	s.cleaner.DeleteLocalPaths(ctx, failed.Input.LocalPaths()...)
	s.notifier.JobFailed(ctx, failed, job.KindValidation)
	return cause
}

func (s *Service) enqueue(ctx context.Context, route Route, rec *job.Record) error {
	return s.queues.Enqueue(ctx, route.Queue, queue.Entry{
		JobID:       rec.ID,
		Category:    rec.Category,
		AttemptBase: rec.AttemptBase,
		DispatchID:  rec.DispatchID,
	}, queue.Options{Policy: route.Policy})
}

// decodeInput returns the typed payload and any validation error. The
// payload is never nil so that rejected input can still be recorded.
func decodeInput(category job.Category, raw json.RawMessage, uploadDir string) (job.Payload, error) {
	payload, err := job.DecodePayload(category, raw)
	if err != nil {
		empty, _ := job.DecodePayload(category, nil)
		return empty, err
	}
	if err := payload.Validate(); err != nil {
		return payload, err
	}
	if err := job.ConfineLocalPaths(payload, uploadDir); err != nil {
		return payload, err
	}
	return payload, nil
}

// GetStatus returns the current state of a job
func (s *Service) GetStatus(ctx context.Context, id string) (Status, error) {
	rec, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return statusOf(rec), nil
}

// Resubmit re-enqueues a failed job with a fresh attempt budget. A job
// still queued is moved to a new entry chain with its budget unchanged,
// which recovers one whose entry was lost; any entry still pending for it
// becomes stale and is dropped by the workers.
func (s *Service) Resubmit(ctx context.Context, id string) (Status, error) {
	rec, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Status{}, err
	}

	var patch job.Patch
	switch rec.Status {
	case job.StatusFailed:
		patch = job.MarkResubmitted(uuid.NewString())
	case job.StatusQueued:
		patch = job.MarkRedispatched(uuid.NewString())
	default:
		return Status{}, fmt.Errorf("%w: job is %s", ErrNotResubmittable, rec.Status)
	}

	rec, err = s.store.UpdateJob(ctx, id, patch)
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			return Status{}, fmt.Errorf("%w: %v", ErrNotResubmittable, err)
		}
		return Status{}, fmt.Errorf("failed to resubmit job: %w", err)
	}

	route := s.routes.Route(rec.Category)
	if err := s.enqueue(ctx, route, rec); err != nil {
		s.logger.Error("Failed to enqueue resubmitted job",
			slog.String("job_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return statusOf(rec), err
	}

	s.logger.Info("Job resubmitted",
		slog.String("job_id", rec.ID),
		slog.Int("attempt_base", rec.AttemptBase),
	)
	return statusOf(rec), nil
}

// List returns one page of jobs, newest first
func (s *Service) List(ctx context.Context, filter storage.Filter) (Page, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = storage.DefaultPageSize
	}
	records, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list jobs: %w", err)
	}

	var page Page
	if len(records) > filter.PageSize {
		records = records[:filter.PageSize]
		last := records[len(records)-1]
		page.Next = &storage.Cursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	page.Jobs = make([]Status, len(records))
	for i, rec := range records {
		page.Jobs[i] = statusOf(rec)
	}
	return page, nil
}

func statusOf(rec *job.Record) Status {
	return Status{
		JobID:        rec.ID,
		Category:     rec.Category,
		Status:       rec.Status,
		Result:       rec.Result,
		ErrorMessage: rec.ErrorMessage,
		AttemptCount: rec.AttemptCount,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
