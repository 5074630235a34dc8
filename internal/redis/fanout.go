package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/realtime"
)

// DefaultRealtimeChannel is the pub/sub channel bell pushes travel on.
const DefaultRealtimeChannel = "herald:realtime"

type fanoutMessage struct {
	UserID  int64  `json:"userId"`
	Payload string `json:"payload"`
}

// Fanout is a realtime.Pusher that broadcasts each push to every instance
// over Redis pub/sub. Each instance runs Fanout.Run to deliver into its own
// registry.
type Fanout struct {
	client  *Client
	channel string
	logger  *zap.Logger
}

func NewFanout(client *Client, channel string, logger *zap.Logger) *Fanout {
	if channel == "" {
		channel = DefaultRealtimeChannel
	}
	return &Fanout{client: client, channel: channel, logger: logger}
}

// PushToUser publishes payload for userID. Delivery to live connections
// happens on whichever instances hold them.
func (f *Fanout) PushToUser(ctx context.Context, userID int64, payload string) error {
	data, err := json.Marshal(fanoutMessage{UserID: userID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal fanout message: %w", err)
	}
	if err := f.client.rdb.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Run subscribes to the fan-out channel and pushes every message into
// local until ctx is cancelled. ready, when non-nil, is closed once the
// subscription is confirmed.
func (f *Fanout) Run(ctx context.Context, local realtime.Pusher, ready chan<- struct{}) error {
	sub := f.client.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	f.logger.Info("realtime fan-out subscribed", zap.String("channel", f.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m fanoutMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				f.logger.Warn("invalid fan-out message", zap.Error(err))
				continue
			}
			if err := local.PushToUser(ctx, m.UserID, m.Payload); err != nil {
				f.logger.Warn("local push failed", zap.Int64("user_id", m.UserID), zap.Error(err))
			}
		}
	}
}
