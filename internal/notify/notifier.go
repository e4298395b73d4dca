package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/metrics"
	"github.com/sethvargo/go-retry"
)

// Sender delivers one rendered message
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Config holds notifier settings
type Config struct {
	// Attempts is the total number of sends tried per notification
	Attempts   int
	RetryDelay time.Duration
	// SendTimeout bounds each individual send
	SendTimeout time.Duration
}

// Notifier tells job owners about terminal outcomes. It is best effort:
// failures are logged and counted, never returned, and never touch the
// job record.
type Notifier struct {
	sender   Sender
	composer *Composer
	cfg      Config
	logger   *slog.Logger
}

// New creates a Notifier
func New(sender Sender, cfg Config, logger *slog.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	composer, err := NewComposer()
	if err != nil {
		return nil, err
	}

	return &Notifier{
		sender:   sender,
		composer: composer,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// JobCompleted notifies the owner of a completed job
func (n *Notifier) JobCompleted(ctx context.Context, rec *job.Record) {
	msg, err := n.composer.Completed(rec)
	if err != nil {
		n.logFailure(rec, err)
		return
	}
	n.deliver(ctx, rec, msg)
}

// JobFailed notifies the owner of a failed job
func (n *Notifier) JobFailed(ctx context.Context, rec *job.Record, kind job.Kind) {
	msg, err := n.composer.Failed(rec, kind)
	if err != nil {
		n.logFailure(rec, err)
		return
	}
	n.deliver(ctx, rec, msg)
}

func (n *Notifier) deliver(ctx context.Context, rec *job.Record, msg Message) {
	logger := n.logger.With(
		slog.String("job_id", rec.ID),
		slog.String("category", string(rec.Category)),
	)

	if rec.OwnerContact == "" {
		logger.Warn("Skipping notification - job has no owner contact")
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	backoff := retry.WithMaxRetries(uint64(n.cfg.Attempts-1), retry.NewConstant(n.retryDelay()))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		defer cancel()

		if err := n.sender.Send(sendCtx, rec.OwnerContact, msg.Subject, msg.Body); err != nil {
			logger.Warn("Notification attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		n.logFailure(rec, err)
		return
	}

	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	logger.Info("Notification sent", slog.String("subject", msg.Subject))
}

// retryDelay returns the configured delay; go-retry rejects a zero constant
func (n *Notifier) retryDelay() time.Duration {
	if n.cfg.RetryDelay <= 0 {
		return time.Nanosecond
	}
	return n.cfg.RetryDelay
}

func (n *Notifier) logFailure(rec *job.Record, err error) {
	metrics.NotificationsTotal.WithLabelValues("failed").Inc()
	n.logger.Error("Failed to notify job owner",
		slog.String("job_id", rec.ID),
		slog.String("status", string(rec.Status)),
		slog.String("error", err.Error()),
	)
}
