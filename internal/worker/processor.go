package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/pixelhive/internal/handler"
	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/metrics"
	"github.com/cuongbtq/pixelhive/internal/queue"
	"github.com/cuongbtq/pixelhive/internal/storage"
)

type action int

const (
	// actionDrop acknowledges without touching the record
	actionDrop action = iota
	// actionRequeue leaves the delivery for the transport to redeliver
	actionRequeue
	// actionReject dead-letters the delivery
	actionReject
	// actionRetry re-enqueues with a delay, then acknowledges
	actionRetry
	// actionFinish acknowledges a persisted terminal record
	actionFinish
)

// outcome is what one attempt decided, settled after the in-flight guard
// has been released
type outcome struct {
	action action
	reason string
	record *job.Record
	kind   job.Kind
	delay  time.Duration
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery) {
	entry := d.Entry
	logger := p.logger.With(
		slog.String("job_id", entry.JobID),
		slog.String("category", string(entry.Category)),
	)

	var out outcome
	if p.claim(entry.JobID) {
		out = p.attempt(ctx, logger, entry)
		p.release(entry.JobID)
	} else {
		out = outcome{action: actionDrop, reason: "in_flight"}
	}

	p.settle(ctx, logger, d, out)
}

// attempt runs one execution attempt and persists its result. The record
// is durable in its next state before attempt returns.
func (p *Pool) attempt(ctx context.Context, logger *slog.Logger, entry queue.Entry) outcome {
	rec, err := p.deps.Store.GetJob(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcome{action: actionDrop, reason: "missing_record"}
		}
		logger.Error("Failed to load job", slog.String("error", err.Error()))
		return outcome{action: actionRequeue, reason: "store_unavailable"}
	}

	if !rec.HasOwner() {
		return outcome{action: actionDrop, reason: "no_owner"}
	}
	if rec.Status.Terminal() {
		return outcome{action: actionDrop, reason: "already_" + string(rec.Status)}
	}
	if rec.Category != entry.Category {
		logger.Error("Entry category does not match record",
			slog.String("record_category", string(rec.Category)),
		)
		return outcome{action: actionReject, reason: "category_mismatch"}
	}
	if entry.DispatchID != rec.DispatchID {
		return outcome{action: actionDrop, reason: "stale_entry"}
	}

	rec, err = p.deps.Store.UpdateJob(ctx, rec.ID, job.MarkProcessing(entry.DispatchID))
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			return outcome{action: actionDrop, reason: "concurrent_transition"}
		}
		logger.Error("Failed to mark job processing", slog.String("error", err.Error()))
		return outcome{action: actionRequeue, reason: "store_unavailable"}
	}

	used := entry.AttemptsUsed(rec.AttemptCount)
	logger = logger.With(slog.Int("attempt", used), slog.Int("max_attempts", entry.Policy.MaxAttempts))
	logger.Info("Processing job")

	start := time.Now()
	result, runErr := p.runHandler(ctx, rec, used)
	metrics.JobProcessingDuration.WithLabelValues(string(rec.Category)).Observe(time.Since(start).Seconds())

	if runErr == nil {
		completed, err := p.deps.Store.UpdateJob(ctx, rec.ID, job.MarkCompleted(result))
		if err != nil {
			logger.Error("Failed to persist completed job", slog.String("error", err.Error()))
			// the redelivered attempt publishes its own artifact
			p.discardArtifact(ctx, logger, result)
			return outcome{action: actionRequeue, reason: "store_unavailable"}
		}
		rec = completed
		logger.Info("Job completed successfully", slog.Duration("took", time.Since(start)))
		return outcome{action: actionFinish, record: rec}
	}

	kind := job.KindOf(runErr)
	logger.Warn("Job attempt failed",
		slog.String("kind", kind.String()),
		slog.String("error", runErr.Error()),
	)

	if shouldRetry(kind, entry, rec) {
		delay := entry.Policy.Backoff.Delay(used)
		if _, err := p.deps.Store.UpdateJob(ctx, rec.ID, job.MarkRetrying()); err != nil {
			logger.Error("Failed to persist retry state", slog.String("error", err.Error()))
			return outcome{action: actionRequeue, reason: "store_unavailable"}
		}
		return outcome{action: actionRetry, record: rec, kind: kind, delay: delay}
	}

	rec, err = p.deps.Store.UpdateJob(ctx, rec.ID, job.MarkFailed(job.Message(runErr)))
	if err != nil {
		logger.Error("Failed to persist failed job", slog.String("error", err.Error()))
		return outcome{action: actionRequeue, reason: "store_unavailable"}
	}
	logger.Warn("Job failed", slog.String("kind", kind.String()))
	return outcome{action: actionFinish, record: rec, kind: kind}
}

// discardArtifact deletes the object a completed attempt published when the
// completion could not be recorded. Derived URLs (thumbnails) are not owned
// by the job and are left alone.
func (p *Pool) discardArtifact(ctx context.Context, logger *slog.Logger, result *job.Result) {
	if result == nil || result.URL == "" || p.deps.Artifacts == nil {
		return
	}
	if err := p.deps.Artifacts.Delete(ctx, result.URL); err != nil {
		logger.Warn("Failed to delete orphaned artifact",
			slog.String("url", result.URL),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("Deleted orphaned artifact", slog.String("url", result.URL))
}

// shouldRetry reports whether a failed attempt gets another try under the
// entry's policy
func shouldRetry(kind job.Kind, entry queue.Entry, rec *job.Record) bool {
	return kind.Retryable() && entry.Policy.AttemptsLeft(entry.AttemptsUsed(rec.AttemptCount))
}

// settle acknowledges d according to out, then runs the terminal side
// effects
func (p *Pool) settle(ctx context.Context, logger *slog.Logger, d *queue.Delivery, out outcome) {
	queueName := p.deps.Source.Name()

	switch out.action {
	case actionDrop:
		logger.Warn("Dropping entry", slog.String("reason", out.reason))
		metrics.JobsDroppedTotal.WithLabelValues(queueName, out.reason).Inc()
		p.ack(logger, d)

	case actionRequeue:
		p.nack(logger, d, true)

	case actionReject:
		metrics.JobsDroppedTotal.WithLabelValues(queueName, out.reason).Inc()
		p.nack(logger, d, false)

	case actionRetry:
		err := p.deps.Enqueuer.Enqueue(ctx, queueName, d.Entry, queue.Options{
			Policy: d.Entry.Policy,
			Delay:  out.delay,
		})
		if err != nil {
			// the record is queued; redelivering the original entry resumes it
			logger.Error("Failed to schedule retry", slog.String("error", err.Error()))
			p.nack(logger, d, true)
			return
		}
		logger.Info("Job will be retried", slog.Duration("retry_in", out.delay))
		metrics.JobsRetriedTotal.WithLabelValues(string(out.record.Category)).Inc()
		p.ack(logger, d)

	case actionFinish:
		p.ack(logger, d)

		rec := out.record
		if rec.Input != nil {
			p.deps.Cleaner.DeleteLocalPaths(ctx, rec.Input.LocalPaths()...)
		}
		if rec.Status == job.StatusCompleted {
			metrics.JobsCompletedTotal.WithLabelValues(string(rec.Category)).Inc()
			p.deps.Notifier.JobCompleted(ctx, rec)
		} else {
			metrics.JobsFailedTotal.WithLabelValues(string(rec.Category), out.kind.String()).Inc()
			p.deps.Notifier.JobFailed(ctx, rec, out.kind)
		}
	}
}

func (p *Pool) ack(logger *slog.Logger, d *queue.Delivery) {
	if err := d.Ack(); err != nil {
		logger.Error("Failed to ACK message", slog.String("error", err.Error()))
	}
}

func (p *Pool) nack(logger *slog.Logger, d *queue.Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		logger.Error("Failed to NACK message", slog.String("error", err.Error()))
		return
	}
	logger.Info("Message NACKed", slog.Bool("requeue", requeue))
}

type handlerResult struct {
	result *job.Result
	err    error
}

// runHandler runs the handler under the attempt deadline. A handler still
// running at the deadline is abandoned; a panic becomes a transient failure.
func (p *Pool) runHandler(ctx context.Context, rec *job.Record, attempt int) (*job.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: job.Transient(fmt.Errorf("%w: %v", job.ErrHandlerPanic, r))}
			}
		}()
		res, err := p.deps.Handler.Handle(attemptCtx, handler.Request{
			JobID:    rec.ID,
			Category: rec.Category,
			Input:    rec.Input,
			Attempt:  attempt,
		})
		done <- handlerResult{result: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, job.Transient(fmt.Errorf("%w after %s: %v", job.ErrAttemptTimeout, p.cfg.AttemptTimeout, r.err))
		}
		return r.result, r.err
	case <-attemptCtx.Done():
		return nil, job.Transient(fmt.Errorf("%w after %s", job.ErrAttemptTimeout, p.cfg.AttemptTimeout))
	}
}
