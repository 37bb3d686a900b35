package store

import (
	"context"
	"time"
)

// RecordWebhookEvent notes that (replicateID, status) has been seen. fresh is
// false when it was already recorded, which makes ingestion idempotent
// across webhook redeliveries and polls.
func (db *DB) RecordWebhookEvent(ctx context.Context, replicateID, status string) (fresh bool, err error) {
	tag, err := db.Pool.Exec(ctx,
		`INSERT INTO webhook_events (replicate_id, status) VALUES ($1, $2) ON CONFLICT (replicate_id, status) DO NOTHING`,
		replicateID, status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ForgetWebhookEvent removes a recorded event so a failed ingestion can be
// retried by the next delivery.
func (db *DB) ForgetWebhookEvent(ctx context.Context, replicateID, status string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM webhook_events WHERE replicate_id = $1 AND status = $2`, replicateID, status)
	return err
}

// PruneWebhookEvents deletes events older than maxAge.
func (db *DB) PruneWebhookEvents(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
