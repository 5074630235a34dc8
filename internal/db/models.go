package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery medium of a message. Values match the stored
// channel_id column.
type Channel int16

const (
	ChannelEmail Channel = 1
	ChannelBell  Channel = 2
	ChannelPush  Channel = 3
	ChannelSMS   Channel = 4
)

func (c Channel) String() string {
	switch c {
	case ChannelEmail:
		return "email"
	case ChannelBell:
		return "bell"
	case ChannelPush:
		return "push"
	case ChannelSMS:
		return "sms"
	default:
		return "unknown"
	}
}

// MessageStatus is the lifecycle state of a notification message.
//
//	Pending -> Processing -> Sent
//	Pending -> Processing -> Failed
type MessageStatus int16

const (
	StatusPending    MessageStatus = 0
	StatusProcessing MessageStatus = 1
	StatusSent       MessageStatus = 2
	StatusFailed     MessageStatus = 3
	StatusCancelled  MessageStatus = 4
	StatusDeadLetter MessageStatus = 5
)

func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status by name in API responses.
func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// AttemptResult is the outcome recorded on a notification_attempts row.
type AttemptResult int16

const (
	AttemptSucceeded AttemptResult = 1
	AttemptFailed    AttemptResult = 2
)

// Category names seeded at setup time.
const (
	CategoryGeneral      = "General"
	CategorySecurity     = "Security"
	CategoryTimeTracking = "TimeTracking"
)

// BellTemplateKey is the fixed template key of in-app bell events.
const BellTemplateKey = "Bell.Generic"

// Category groups notifications for preference and unsubscribe purposes.
type Category struct {
	ID               int       `json:"id"`
	Name             string    `json:"name"`
	AllowUnsubscribe bool      `json:"allow_unsubscribe"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Template is one version of keyed, channel-scoped content.
type Template struct {
	ID           int64     `json:"id"`
	Channel      Channel   `json:"channel"`
	CategoryID   int       `json:"category_id"`
	Key          string    `json:"template_key"`
	Version      int       `json:"version"`
	LanguageCode *string   `json:"language_code,omitempty"`
	Subject      *string   `json:"subject,omitempty"`
	Body         string    `json:"body"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event is one logical notification occurrence.
type Event struct {
	ID             int64           `json:"id"`
	CategoryID     int             `json:"category_id"`
	TemplateKey    string          `json:"template_key"`
	TemplateData   json.RawMessage `json:"template_data"`
	Priority       int16           `json:"priority"`
	CreatedBy      *string         `json:"created_by,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Recipient is the resolved delivery target of an event.
type Recipient struct {
	ID        int64   `json:"id"`
	EventID   int64   `json:"event_id"`
	UserID    *int64  `json:"user_id,omitempty"`
	Email     *string `json:"email,omitempty"`
	PhoneE164 *string `json:"phone_e164,omitempty"`
	TargetKey string  `json:"target_key"`
}

// Message is the per (event, recipient, channel) unit of delivery work.
type Message struct {
	ID                int64         `json:"id"`
	EventID           int64         `json:"event_id"`
	RecipientID       int64         `json:"recipient_id"`
	Channel           Channel       `json:"channel"`
	TemplateID        *int64        `json:"template_id,omitempty"`
	Status            MessageStatus `json:"status"`
	ScheduledAt       time.Time     `json:"scheduled_at"`
	LockedUntil       *time.Time    `json:"locked_until,omitempty"`
	LockID            *uuid.UUID    `json:"lock_id,omitempty"`
	AttemptCount      int           `json:"attempt_count"`
	NextRetryAt       *time.Time    `json:"next_retry_at,omitempty"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	LastError         *string       `json:"last_error,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Attempt is an append-only audit record of one delivery try.
type Attempt struct {
	ID           int64         `json:"id"`
	MessageID    int64         `json:"message_id"`
	AttemptNo    int           `json:"attempt_no"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Result       AttemptResult `json:"result"`
	Provider     string        `json:"provider"`
	ErrorCode    *string       `json:"error_code,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`

	// ProviderMessageID is copied onto the message when the send succeeds.
	ProviderMessageID *string `json:"provider_message_id,omitempty"`
}

// Attachment is binary content delivered with an email message.
type Attachment struct {
	ID          int64   `json:"id"`
	MessageID   int64   `json:"message_id"`
	FileName    string  `json:"file_name"`
	ContentType string  `json:"content_type"`
	Content     []byte  `json:"-"`
	Inline      bool    `json:"inline"`
	ContentID   *string `json:"content_id,omitempty"`
}

// BellInboxItem is the read-state projection of a bell message.
type BellInboxItem struct {
	ID          int64      `json:"inbox_id"`
	MessageID   int64      `json:"message_id"`
	UserID      int64      `json:"user_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	DeepLinkURL *string    `json:"deep_link_url,omitempty"`
	IsRead      bool       `json:"is_read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// OutboxEntry is a transactional-outbox row awaiting publication.
type OutboxEntry struct {
	ID             int64           `json:"id"`
	EventType      string          `json:"event_type"`
	AggregateID    string          `json:"aggregate_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EmailJob is the projection a dispatcher needs to send one email message.
// Template fields are nil when the message has no resolved template.
type EmailJob struct {
	MessageID       int64
	RecipientEmail  *string
	TemplateID      *int64
	TemplateSubject *string
	TemplateBody    *string
	TemplateData    json.RawMessage
	Attachments     []Attachment
	AttemptCount    int
	ScheduledAt     time.Time
	LockID          uuid.UUID
}

// DeliveryOutcome is the terminal state a dispatcher writes back for a
// claimed message.
type DeliveryOutcome struct {
	MessageID    int64
	LockID       uuid.UUID
	Status       MessageStatus
	AttemptCount int
	LastError    *string
	NextRetryAt  *time.Time
	SentAt       *time.Time

	// Attempt is nil when no provider call was made.
	Attempt *Attempt
}

// EmailEnqueue carries everything written by one email enqueue.
type EmailEnqueue struct {
	TemplateID   int64
	TemplateKey  string
	CategoryID   int
	UserID       int64
	Email        string
	TargetKey    string
	TemplateData json.RawMessage
	ScheduledAt  time.Time
	// WithOutbox adds an EmailNotification outbox row in the same transaction.
	WithOutbox bool
}

// BellCreate carries everything written by one bell notification.
type BellCreate struct {
	UserID       int64
	Title        string
	Body         string
	DeepLinkURL  *string
	TargetKey    string
	TemplateData json.RawMessage
	Now          time.Time
}

// MessageStatusView is the API projection of a message's delivery state.
type MessageStatusView struct {
	ID           int64         `json:"id"`
	Channel      string        `json:"channel"`
	Status       MessageStatus `json:"status"`
	AttemptCount int           `json:"attempt_count"`
	LastError    *string       `json:"last_error,omitempty"`
	NextRetryAt  *time.Time    `json:"next_retry_at,omitempty"`
	SentAt       *time.Time    `json:"sent_at,omitempty"`
	ScheduledAt  time.Time     `json:"scheduled_at"`
}
