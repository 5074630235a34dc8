package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const emailJobColumns = `
	m.message_id, r.email, m.template_id, t.subject, t.body,
	e.template_data_json, m.attempt_count, m.scheduled_at
`

const emailJobFrom = `
	FROM notification_messages m
	JOIN notification_recipients r ON r.recipient_id = m.recipient_id
	JOIN notification_events e ON e.notification_id = m.notification_id
	LEFT JOIN notification_templates t ON t.template_id = m.template_id
`

// ClaimDueEmails atomically claims up to limit due email messages for one
// dispatcher pass. Claimed rows move to Processing under a fresh lock id
// that expires after lease. Rows whose previous claim expired are
// reclaimed. Failed rows are never selected. Jobs come back oldest
// scheduled_at first.
func (r *Repository) ClaimDueEmails(ctx context.Context, limit int, lease time.Duration) ([]*EmailJob, error) {
	lockID := uuid.New()

	claim := `
		WITH due AS (
			SELECT message_id
			FROM notification_messages
			WHERE channel_id = $1
				AND scheduled_at <= NOW()
				AND (next_retry_at IS NULL OR next_retry_at <= NOW())
				AND (status = $2 OR (status = $3 AND locked_until < NOW()))
			ORDER BY scheduled_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_messages m
		SET status = $3,
			lock_id = $5,
			locked_until = NOW() + make_interval(secs => $6),
			updated_at = NOW()
		FROM due
		WHERE m.message_id = due.message_id
		RETURNING m.message_id
	`

	var ids []int64
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claim,
			ChannelEmail, StatusPending, StatusProcessing, limit, lockID, lease.Seconds())
		if err != nil {
			return fmt.Errorf("claim due emails: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("collect claimed ids: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	jobs, err := r.loadEmailJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		job.LockID = lockID
	}

	r.logger.Debug("claimed due emails",
		zap.Int("count", len(jobs)),
		zap.String("lock_id", lockID.String()),
	)

	return jobs, nil
}

func (r *Repository) loadEmailJobs(ctx context.Context, ids []int64) ([]*EmailJob, error) {
	query := `SELECT ` + emailJobColumns + emailJobFrom + `
		WHERE m.message_id = ANY($1)
		ORDER BY m.scheduled_at ASC, m.message_id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query email jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*EmailJob
	byID := make(map[int64]*EmailJob, len(ids))
	for rows.Next() {
		job, err := scanEmailJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
		byID[job.MessageID] = job
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	attachments, err := r.attachmentsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range attachments {
		if job, ok := byID[a.MessageID]; ok {
			job.Attachments = append(job.Attachments, a)
		}
	}

	return jobs, nil
}

func scanEmailJob(row pgx.Row) (*EmailJob, error) {
	var (
		job  EmailJob
		data []byte
	)
	err := row.Scan(
		&job.MessageID,
		&job.RecipientEmail,
		&job.TemplateID,
		&job.TemplateSubject,
		&job.TemplateBody,
		&data,
		&job.AttemptCount,
		&job.ScheduledAt,
	)
	if err != nil {
		return nil, err
	}
	job.TemplateData = data
	return &job, nil
}

func (r *Repository) attachmentsFor(ctx context.Context, messageIDs []int64) ([]Attachment, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT attachment_id, message_id, file_name, content_type, content, is_inline, content_id
		FROM notification_attachments
		WHERE message_id = ANY($1)
		ORDER BY attachment_id
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FileName, &a.ContentType, &a.Content, &a.Inline, &a.ContentID); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CompleteBatch writes every outcome of one dispatcher pass in a single
// transaction. Outcomes whose claim was lost are skipped and logged.
func (r *Repository) CompleteBatch(ctx context.Context, outcomes []DeliveryOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		for _, o := range outcomes {
			if err := completeMessage(ctx, tx, o, r.logger); err != nil {
				return err
			}
		}
		return nil
	})
}

func completeMessage(ctx context.Context, tx pgx.Tx, o DeliveryOutcome, logger *zap.Logger) error {
	var providerID *string
	if o.Attempt != nil {
		providerID = o.Attempt.ProviderMessageID
	}

	tag, err := tx.Exec(ctx, `
		UPDATE notification_messages
		SET status = $1,
			attempt_count = $2,
			last_error = $3,
			next_retry_at = COALESCE($4, next_retry_at),
			sent_at = COALESCE($5, sent_at),
			provider_message_id = COALESCE($8, provider_message_id),
			lock_id = NULL,
			locked_until = NULL,
			updated_at = NOW()
		WHERE message_id = $6 AND lock_id = $7
	`, o.Status, o.AttemptCount, o.LastError, o.NextRetryAt, o.SentAt, o.MessageID, o.LockID, providerID)
	if err != nil {
		return fmt.Errorf("update message %d: %w", o.MessageID, err)
	}

	if tag.RowsAffected() == 0 {
		logger.Warn("claim lost before completion, outcome dropped",
			zap.Int64("message_id", o.MessageID),
			zap.String("lock_id", o.LockID.String()),
		)
		return nil
	}

	if o.Attempt != nil {
		if err := insertAttempt(ctx, tx, o.MessageID, o.Attempt); err != nil {
			return err
		}
	}
	return nil
}

func insertAttempt(ctx context.Context, tx pgx.Tx, messageID int64, a *Attempt) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO notification_attempts (
			message_id, attempt_no, started_at, ended_at, result_status,
			provider, error_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, messageID, a.AttemptNo, a.StartedAt, a.EndedAt, a.Result, a.Provider, a.ErrorCode, a.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert attempt for message %d: %w", messageID, err)
	}
	return nil
}

// EmailJob loads the send projection of one email message, or ErrNotFound.
func (r *Repository) EmailJob(ctx context.Context, messageID int64) (*EmailJob, error) {
	query := `SELECT ` + emailJobColumns + emailJobFrom + `
		WHERE m.message_id = $1 AND m.channel_id = $2
	`

	job, err := scanEmailJob(r.db.Pool().QueryRow(ctx, query, messageID, ChannelEmail))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query email job: %w", err)
	}

	job.Attachments, err = r.attachmentsFor(ctx, []int64{messageID})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimMessage claims a single email message for the queue-triggered path.
// Pending and Failed messages, and Processing ones whose claim expired, can
// be claimed. It reports false when the message is already sent or held by
// a live claim.
func (r *Repository) ClaimMessage(ctx context.Context, messageID int64, lease time.Duration) (uuid.UUID, bool, error) {
	lockID := uuid.New()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_messages
		SET status = $1,
			lock_id = $2,
			locked_until = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE message_id = $4
			AND channel_id = $5
			AND (status IN ($6, $7) OR (status = $1 AND locked_until < NOW()))
	`, StatusProcessing, lockID, lease.Seconds(), messageID, ChannelEmail, StatusPending, StatusFailed)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("claim message %d: %w", messageID, err)
	}

	return lockID, tag.RowsAffected() == 1, nil
}

// CompleteMessage writes the outcome of one queue-triggered delivery.
func (r *Repository) CompleteMessage(ctx context.Context, o DeliveryOutcome) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		return completeMessage(ctx, tx, o, r.logger)
	})
}
