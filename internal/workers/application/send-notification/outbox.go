package sendnotification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"rental-queue/internal/common/database"
	"rental-queue/internal/models"

	"github.com/lib/pq"
)

// claimBatch moves up to limit deliverable rows to sending and commits, so no
// row lock is held while messages go out. SKIP LOCKED lets several drains run
// side by side. A sending row claimed before staleBefore belongs to a drain
// that never reported back and is claimed again.
func claimBatch(ctx context.Context, db *database.PostgresClient, limit int, now, staleBefore time.Time) ([]*models.Notification, error) {
	var batch []*models.Notification
	err := db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, recipient_id, type, application_id, listing_id, payload, attempts, created_at
			FROM notifications
			WHERE status = 'pending'
			   OR (status = 'sending' AND claimed_at < $2)
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit, staleBefore)
		if err != nil {
			return fmt.Errorf("claim notifications: %w", err)
		}
		batch, err = scanNotifications(rows)
		if err != nil || len(batch) == 0 {
			return err
		}

		ids := make([]string, len(batch))
		for i, n := range batch {
			ids[i] = n.ID
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE notifications
			SET status = 'sending', claimed_at = $2
			WHERE id = ANY($1)`, pq.Array(ids), now); err != nil {
			return fmt.Errorf("mark notifications sending: %w", err)
		}
		for _, n := range batch {
			claimedAt := now
			n.ClaimedAt = &claimedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func scanNotifications(rows *sql.Rows) ([]*models.Notification, error) {
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var (
			n       models.Notification
			typ     string
			payload []byte
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.ApplicationID, &n.ListingID,
			&payload, &n.Attempts, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = models.NotificationType(typ)
		n.Status = models.DeliveryPending
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", n.ID, err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// markResult records the outcome of one send and releases the claim. A row
// another drain has since reclaimed is left alone.
func markResult(ctx context.Context, db *sql.DB, n *models.Notification) error {
	var sentAt interface{}
	if n.SentAt != nil {
		sentAt = n.SentAt.UTC().Truncate(time.Microsecond)
	}
	var claimedAt interface{}
	if n.ClaimedAt != nil {
		claimedAt = n.ClaimedAt.UTC().Truncate(time.Microsecond)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE notifications
		SET status = $2, attempts = $3, last_error = $4, sent_at = $5, claimed_at = NULL
		WHERE id = $1 AND status = 'sending' AND claimed_at = $6`,
		n.ID, n.Status, n.Attempts, n.LastError, sentAt, claimedAt)
	if err != nil {
		return fmt.Errorf("update notification %s: %w", n.ID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("update notification %s: %w", n.ID, errClaimLost)
	}
	return nil
}
