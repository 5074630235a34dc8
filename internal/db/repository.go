package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// EmailNotificationEvent is the outbox event type that triggers queue
// dispatch of one email message.
const EmailNotificationEvent = "EmailNotification"

// Repository handles database operations for notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ActiveTemplate returns the highest-version active template for
// (channel, key), or ErrNotFound.
func (r *Repository) ActiveTemplate(ctx context.Context, channel Channel, key string) (*Template, error) {
	query := `
		SELECT
			template_id, channel_id, category_id, template_key, version,
			language_code, subject, body, is_active, created_at, updated_at
		FROM notification_templates
		WHERE channel_id = $1 AND template_key = $2 AND is_active
		ORDER BY version DESC
		LIMIT 1
	`

	var t Template
	err := r.db.Pool().QueryRow(ctx, query, channel, key).Scan(
		&t.ID,
		&t.Channel,
		&t.CategoryID,
		&t.Key,
		&t.Version,
		&t.LanguageCode,
		&t.Subject,
		&t.Body,
		&t.Active,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}

	return &t, nil
}

// CreateEmailMessage writes the event, recipient and pending email message
// (plus the outbox row when requested) in one transaction and returns the
// new message id.
func (r *Repository) CreateEmailMessage(ctx context.Context, in EmailEnqueue) (int64, error) {
	var messageID int64

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		eventID, err := insertEvent(ctx, tx, in.CategoryID, in.TemplateKey, in.TemplateData, in.UserID)
		if err != nil {
			return err
		}

		var recipientID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO notification_recipients (notification_id, user_id, email, target_key)
			VALUES ($1, $2, $3, $4)
			RETURNING recipient_id
		`, eventID, in.UserID, in.Email, in.TargetKey).Scan(&recipientID)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO notification_messages (
				notification_id, recipient_id, channel_id, template_id, status, scheduled_at
			) VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING message_id
		`, eventID, recipientID, ChannelEmail, in.TemplateID, StatusPending, in.ScheduledAt).Scan(&messageID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if in.WithOutbox {
			payload := fmt.Sprintf(`{"notificationMessageId":%d}`, messageID)
			aggregateID := strconv.FormatInt(messageID, 10)
			_, err = tx.Exec(ctx, `
				INSERT INTO notification_outbox (event_type, aggregate_id, idempotency_key, payload_json)
				VALUES ($1, $2, $3, $4)
			`, EmailNotificationEvent, aggregateID, EmailNotificationEvent+":"+aggregateID, payload)
			if err != nil {
				return fmt.Errorf("insert outbox: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		r.logger.Error("failed to create email message",
			zap.Error(err),
			zap.String("template_key", in.TemplateKey),
			zap.Int64("user_id", in.UserID),
		)
		return 0, err
	}

	return messageID, nil
}

// CreateBellMessage writes the event, recipient, sent bell message and its
// inbox item in one transaction.
func (r *Repository) CreateBellMessage(ctx context.Context, in BellCreate) (*BellInboxItem, error) {
	item := &BellInboxItem{
		UserID:      in.UserID,
		Title:       in.Title,
		Body:        in.Body,
		DeepLinkURL: in.DeepLinkURL,
	}

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		eventID, err := insertEvent(ctx, tx, 0, BellTemplateKey, in.TemplateData, in.UserID)
		if err != nil {
			return err
		}

		var recipientID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO notification_recipients (notification_id, user_id, target_key)
			VALUES ($1, $2, $3)
			RETURNING recipient_id
		`, eventID, in.UserID, in.TargetKey).Scan(&recipientID)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO notification_messages (
				notification_id, recipient_id, channel_id, status, scheduled_at, sent_at
			) VALUES ($1, $2, $3, $4, $5, $5)
			RETURNING message_id
		`, eventID, recipientID, ChannelBell, StatusSent, in.Now).Scan(&item.MessageID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO bell_inbox_items (message_id, user_id, title, body, deep_link_url, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING inbox_id, created_at
		`, item.MessageID, in.UserID, in.Title, in.Body, in.DeepLinkURL, in.Now).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert bell inbox item: %w", err)
		}

		return nil
	})
	if err != nil {
		r.logger.Error("failed to create bell message",
			zap.Error(err),
			zap.Int64("user_id", in.UserID),
		)
		return nil, err
	}

	return item, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, categoryID int, templateKey string, data []byte, userID int64) (int64, error) {
	var eventID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO notification_events (category_id, template_key, template_data_json, priority, created_by)
		VALUES (NULLIF($1, 0), $2, $3, 0, $4)
		RETURNING notification_id
	`, categoryID, templateKey, string(data), strconv.FormatInt(userID, 10)).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return eventID, nil
}

// MessageStatus returns the delivery state of one message.
func (r *Repository) MessageStatus(ctx context.Context, id int64) (*MessageStatusView, error) {
	query := `
		SELECT message_id, channel_id, status, attempt_count, last_error,
			next_retry_at, sent_at, scheduled_at
		FROM notification_messages
		WHERE message_id = $1
	`

	var (
		v       MessageStatusView
		channel Channel
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&v.ID,
		&channel,
		&v.Status,
		&v.AttemptCount,
		&v.LastError,
		&v.NextRetryAt,
		&v.SentAt,
		&v.ScheduledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	v.Channel = channel.String()

	return &v, nil
}
