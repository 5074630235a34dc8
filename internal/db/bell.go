package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ListInbox returns a user's most recent bell items, newest first.
func (r *Repository) ListInbox(ctx context.Context, userID int64, take int) ([]BellInboxItem, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT inbox_id, message_id, user_id, title, body, deep_link_url,
			is_read, read_at, created_at
		FROM bell_inbox_items
		WHERE user_id = $1
		ORDER BY created_at DESC, inbox_id DESC
		LIMIT $2
	`, userID, take)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	items := make([]BellInboxItem, 0, take)
	for rows.Next() {
		var it BellInboxItem
		err := rows.Scan(&it.ID, &it.MessageID, &it.UserID, &it.Title, &it.Body,
			&it.DeepLinkURL, &it.IsRead, &it.ReadAt, &it.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// UnreadCount returns the number of unread bell items for a user.
func (r *Repository) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM bell_inbox_items WHERE user_id = $1 AND NOT is_read
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkRead marks one of the user's inbox items read. Marking an already-read
// item is a no-op; an item owned by someone else is ErrNotFound.
func (r *Repository) MarkRead(ctx context.Context, userID, inboxID int64) error {
	var found bool
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM bell_inbox_items WHERE inbox_id = $1 AND user_id = $2)
		`, inboxID, userID).Scan(&found)
		if err != nil {
			return fmt.Errorf("lookup inbox item: %w", err)
		}
		if !found {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE bell_inbox_items
			SET is_read = TRUE, read_at = NOW()
			WHERE inbox_id = $1 AND user_id = $2 AND NOT is_read
		`, inboxID, userID)
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("inbox item %d: %w", inboxID, ErrNotFound)
	}
	return nil
}

// MarkAllRead marks every unread item of the user read and returns how many
// changed.
func (r *Repository) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE bell_inbox_items
		SET is_read = TRUE, read_at = NOW()
		WHERE user_id = $1 AND NOT is_read
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}
