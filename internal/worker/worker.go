// Package worker runs the polling email dispatcher.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/metrics"
)

type Repository interface {
	ClaimDueEmails(ctx context.Context, limit int, lease time.Duration) ([]*db.EmailJob, error)
	CompleteBatch(ctx context.Context, outcomes []db.DeliveryOutcome) error
}

type Worker struct {
	repo      Repository
	deliverer *delivery.Deliverer
	config    Config
	logger    *zap.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// ClaimLease is how long a claimed batch stays owned by this worker
	// before another instance may reclaim it.
	ClaimLease time.Duration
}

func New(repo Repository, deliverer *delivery.Deliverer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = 2 * time.Minute
	}

	return &Worker{
		repo:      repo,
		deliverer: deliverer,
		config:    cfg,
		logger:    logger,
	}
}

// Start polls until ctx is cancelled. A batch that has started always runs
// to completion, including its status write; cancellation is only observed
// between batches.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
	)

	work := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			// A full batch suggests more is due, so keep going until a
			// short one.
			for ctx.Err() == nil {
				n, err := w.ProcessBatch(work)
				if err != nil || n < w.config.BatchSize {
					break
				}
			}
		}
	}
}

// ProcessBatch claims due emails, attempts each in scheduled order, and
// commits every outcome together. It returns the number of jobs claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := w.repo.ClaimDueEmails(ctx, w.config.BatchSize, w.config.ClaimLease)
	if err != nil {
		w.logger.Error("failed to claim due emails", zap.Error(err))
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	outcomes := make([]db.DeliveryOutcome, 0, len(jobs))
	for _, job := range jobs {
		outcomes = append(outcomes, w.processJob(ctx, job))
	}

	if err := w.repo.CompleteBatch(ctx, outcomes); err != nil {
		// Claims expire after the lease, so the batch becomes due again.
		w.logger.Error("failed to commit batch",
			zap.Int("size", len(outcomes)),
			zap.Error(err),
		)
		return len(jobs), err
	}

	for _, o := range outcomes {
		metrics.RecordProcessed("poll", o.Status.String())
	}

	return len(jobs), nil
}

func (w *Worker) processJob(ctx context.Context, job *db.EmailJob) db.DeliveryOutcome {
	outcome := db.DeliveryOutcome{
		MessageID:    job.MessageID,
		LockID:       job.LockID,
		AttemptCount: job.AttemptCount + 1,
	}

	fail := func(reason string) db.DeliveryOutcome {
		outcome.Status = db.StatusFailed
		outcome.LastError = &reason
		return outcome
	}

	if !delivery.HasRecipient(job) {
		w.logger.Warn("email has no recipient", zap.Int64("message_id", job.MessageID))
		return fail(delivery.ReasonNoRecipient)
	}
	if job.TemplateID == nil || job.TemplateBody == nil {
		w.logger.Warn("email template not resolved", zap.Int64("message_id", job.MessageID))
		return fail(delivery.ReasonNoTemplate)
	}

	attempt, err := w.deliverer.Deliver(ctx, job, outcome.AttemptCount)
	outcome.Attempt = attempt
	now := w.deliverer.Now()

	if err != nil {
		w.logger.Error("failed to send email",
			zap.Int64("message_id", job.MessageID),
			zap.Int("attempt", outcome.AttemptCount),
			zap.Error(err),
		)
		next := now.Add(delivery.RetryDelay)
		outcome.NextRetryAt = &next
		return fail(err.Error())
	}

	w.logger.Info("email sent",
		zap.Int64("message_id", job.MessageID),
		zap.Int("attempt", outcome.AttemptCount),
	)
	metrics.RecordDeliveryLatency(db.ChannelEmail.String(), now.Sub(job.ScheduledAt))

	outcome.Status = db.StatusSent
	outcome.SentAt = &now
	return outcome
}
