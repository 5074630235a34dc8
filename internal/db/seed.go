package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// UpsertCategory inserts the category if its name is new and returns its id.
// An existing category keeps its row but takes the new unsubscribe flag.
func (r *Repository) UpsertCategory(ctx context.Context, name string, allowUnsubscribe bool) (int, error) {
	var id int
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_categories (name, allow_unsubscribe)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE
		SET allow_unsubscribe = EXCLUDED.allow_unsubscribe, updated_at = NOW()
		RETURNING category_id
	`, name, allowUnsubscribe).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert category %q: %w", name, err)
	}
	return id, nil
}

// TemplateSeed is one template loaded from the seed directory.
type TemplateSeed struct {
	Channel    Channel
	Key        string
	CategoryID int
	Subject    string
	Body       string
}

// UpsertTemplate inserts a new key as active version 1 in language "en".
// For an existing key the highest version takes the new body and category;
// its subject is left alone. It reports whether a row was inserted.
func (r *Repository) UpsertTemplate(ctx context.Context, t TemplateSeed) (bool, error) {
	inserted := false

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			SELECT template_id FROM notification_templates
			WHERE channel_id = $1 AND template_key = $2
			ORDER BY version DESC
			LIMIT 1
			FOR UPDATE
		`, t.Channel, t.Key).Scan(&id)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			_, err = tx.Exec(ctx, `
				INSERT INTO notification_templates (
					channel_id, category_id, template_key, version, language_code,
					subject, body, is_active
				) VALUES ($1, $2, $3, 1, 'en', $4, $5, TRUE)
			`, t.Channel, t.CategoryID, t.Key, t.Subject, t.Body)
			if err != nil {
				return fmt.Errorf("insert template %q: %w", t.Key, err)
			}
			inserted = true
			return nil
		case err != nil:
			return fmt.Errorf("lookup template %q: %w", t.Key, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE notification_templates
			SET body = $1, category_id = $2, updated_at = NOW()
			WHERE template_id = $3
		`, t.Body, t.CategoryID, id)
		if err != nil {
			return fmt.Errorf("update template %q: %w", t.Key, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	r.logger.Info("template seeded",
		zap.String("template_key", t.Key),
		zap.Bool("inserted", inserted),
	)
	return inserted, nil
}
