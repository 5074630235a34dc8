package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lalithlochan/herald/internal/db"
)

// BellPayload is the JSON pushed to clients for a new bell item.
type BellPayload struct {
	InboxID     int64      `json:"inboxId"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	DeepLinkURL *string    `json:"deepLinkUrl"`
	IsRead      bool       `json:"isRead"`
	CreatedAt   time.Time  `json:"createdAt"`
	ReadAt      *time.Time `json:"readAt"`
}

// Dispatcher serializes bell items and hands them to a Pusher.
type Dispatcher struct {
	pusher Pusher
}

func NewDispatcher(pusher Pusher) *Dispatcher {
	return &Dispatcher{pusher: pusher}
}

// Dispatch pushes item to the owning user's connections.
func (d *Dispatcher) Dispatch(ctx context.Context, item *db.BellInboxItem) error {
	payload, err := json.Marshal(BellPayload{
		InboxID:     item.ID,
		Title:       item.Title,
		Body:        item.Body,
		DeepLinkURL: item.DeepLinkURL,
		IsRead:      item.IsRead,
		CreatedAt:   item.CreatedAt,
		ReadAt:      item.ReadAt,
	})
	if err != nil {
		return fmt.Errorf("marshal bell payload: %w", err)
	}

	if err := d.pusher.PushToUser(ctx, item.UserID, string(payload)); err != nil {
		return fmt.Errorf("push to user %d: %w", item.UserID, err)
	}
	return nil
}
