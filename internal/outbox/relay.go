// Package outbox relays transactional-outbox rows to the message broker.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Publisher delivers one outbox payload to a broker.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

type Repository interface {
	ProcessOutbox(ctx context.Context, limit int, fn func(*db.OutboxEntry) error) (int, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

type Relay struct {
	repo      Repository
	publisher Publisher
	config    Config
	logger    *zap.Logger
}

func NewRelay(repo Repository, publisher Publisher, cfg Config, logger *zap.Logger) *Relay {
	if cfg.Interval == 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		repo:      repo,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// Start relays on every tick until ctx is cancelled. A pass in progress
// finishes before Start returns.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Duration("interval", r.config.Interval))

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopping")
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(work); err != nil {
				r.logger.Error("outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce publishes one batch of unprocessed rows and returns how many
// were published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	n, err := r.repo.ProcessOutbox(ctx, r.config.BatchSize, func(e *db.OutboxEntry) error {
		if err := r.publisher.Publish(ctx, e.EventType, e.Payload); err != nil {
			return err
		}
		metrics.RecordOutboxPublished(e.EventType)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Debug("outbox entries published", zap.Int("count", n))
	}
	return n, nil
}
