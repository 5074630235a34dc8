package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ProcessOutbox hands up to limit unprocessed outbox rows, oldest first, to
// fn and marks each one processed when fn succeeds. Rows are locked with
// SKIP LOCKED so concurrent relays never publish the same row twice. A row
// whose fn fails stays unprocessed for the next pass. It returns how many
// rows were published.
func (r *Repository) ProcessOutbox(ctx context.Context, limit int, fn func(*OutboxEntry) error) (int, error) {
	published := 0

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT outbox_id, event_type, aggregate_id, idempotency_key, payload_json, created_at
			FROM notification_outbox
			WHERE processed_at IS NULL
			ORDER BY outbox_id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return fmt.Errorf("query outbox: %w", err)
		}

		var entries []*OutboxEntry
		for rows.Next() {
			var (
				e       OutboxEntry
				payload []byte
			)
			if err := rows.Scan(&e.ID, &e.EventType, &e.AggregateID, &e.IdempotencyKey, &payload, &e.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox: %w", err)
			}
			e.Payload = payload
			entries = append(entries, &e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate rows: %w", err)
		}

		for _, e := range entries {
			if err := fn(e); err != nil {
				r.logger.Warn("outbox publish failed",
					zap.Int64("outbox_id", e.ID),
					zap.String("event_type", e.EventType),
					zap.Error(err),
				)
				continue
			}

			if _, err := tx.Exec(ctx, `
				UPDATE notification_outbox SET processed_at = NOW() WHERE outbox_id = $1
			`, e.ID); err != nil {
				return fmt.Errorf("mark outbox %d processed: %w", e.ID, err)
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return published, nil
}
