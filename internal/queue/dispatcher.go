// Package queue sends individual email messages named by broker deliveries.
// Consumers for the concrete brokers live in the sqs and amqp packages; they
// hand every delivery body to Dispatcher.Handle and always acknowledge it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Outcome classifies how one delivery was handled. Every outcome is
// acknowledged to the broker.
type Outcome string

const (
	OutcomeInvalidPayload Outcome = "invalid_payload"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeNoRecipient    Outcome = "no_recipient"
	OutcomeNoTemplate     Outcome = "no_template"
	OutcomeAlreadyClaimed Outcome = "already_claimed"
	OutcomeSent           Outcome = "sent"
	OutcomeFailed         Outcome = "failed"
	OutcomeError          Outcome = "error"
)

// Handler processes one delivery body.
type Handler func(ctx context.Context, body []byte) Outcome

// Source feeds broker deliveries to a Handler until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, handle Handler) error
}

type Repository interface {
	EmailJob(ctx context.Context, messageID int64) (*db.EmailJob, error)
	ClaimMessage(ctx context.Context, messageID int64, lease time.Duration) (uuid.UUID, bool, error)
	CompleteMessage(ctx context.Context, o db.DeliveryOutcome) error
}

// Payload is the broker message body.
type Payload struct {
	NotificationMessageID int64 `json:"notificationMessageId"`
}

type Dispatcher struct {
	repo      Repository
	deliverer *delivery.Deliverer
	lease     time.Duration
	logger    *zap.Logger
}

func NewDispatcher(repo Repository, deliverer *delivery.Deliverer, lease time.Duration, logger *zap.Logger) *Dispatcher {
	if lease == 0 {
		lease = 2 * time.Minute
	}
	return &Dispatcher{
		repo:      repo,
		deliverer: deliverer,
		lease:     lease,
		logger:    logger,
	}
}

// Handle sends the message named by body. Failures are logged and reported
// through the returned Outcome; none of them is retried by redelivery.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) Outcome {
	outcome := d.handle(ctx, body)
	metrics.RecordProcessed("queue", string(outcome))
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, body []byte) Outcome {
	id, ok := ParsePayload(body)
	if !ok {
		d.logger.Warn("invalid email queue payload", zap.ByteString("body", body))
		return OutcomeInvalidPayload
	}

	log := d.logger.With(zap.Int64("message_id", id))

	job, err := d.repo.EmailJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("message not found")
		return OutcomeNotFound
	}
	if err != nil {
		log.Error("failed to load message", zap.Error(err))
		return OutcomeError
	}

	if !delivery.HasRecipient(job) {
		log.Warn("message has no recipient email")
		return OutcomeNoRecipient
	}
	if job.TemplateBody == nil {
		log.Warn("message template not resolved")
		return OutcomeNoTemplate
	}

	lockID, claimed, err := d.repo.ClaimMessage(ctx, id, d.lease)
	if err != nil {
		log.Error("failed to claim message", zap.Error(err))
		return OutcomeError
	}
	if !claimed {
		log.Info("message already sent or claimed, skipping")
		return OutcomeAlreadyClaimed
	}

	result := db.DeliveryOutcome{
		MessageID:    id,
		LockID:       lockID,
		AttemptCount: job.AttemptCount + 1,
	}

	attempt, sendErr := d.deliverer.Deliver(ctx, job, result.AttemptCount)
	result.Attempt = attempt

	if sendErr != nil {
		log.Error("failed to send email", zap.Int("attempt", result.AttemptCount), zap.Error(sendErr))
		// Released to Pending so the polling dispatcher picks it up again.
		reason := sendErr.Error()
		result.Status = db.StatusPending
		result.LastError = &reason
		if err := d.repo.CompleteMessage(ctx, result); err != nil {
			log.Error("failed to release message", zap.Error(err))
		}
		return OutcomeFailed
	}

	now := d.deliverer.Now()
	result.Status = db.StatusSent
	result.SentAt = &now
	if err := d.repo.CompleteMessage(ctx, result); err != nil {
		log.Error("email sent but status write failed", zap.Error(err))
		return OutcomeError
	}

	metrics.RecordDeliveryLatency(db.ChannelEmail.String(), now.Sub(job.ScheduledAt))
	log.Info("email sent", zap.Int("attempt", result.AttemptCount))
	return OutcomeSent
}

// ParsePayload extracts the message id from a delivery body. Property names
// match case-insensitively; a zero id is invalid.
func ParsePayload(body []byte) (int64, bool) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, false
	}
	if p.NotificationMessageID == 0 {
		return 0, false
	}
	return p.NotificationMessageID, true
}
