package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Ledger reasons. Together with ref_id they are unique, which makes debits,
// grants and refunds idempotent.
const (
	ReasonTraining   = "training"
	ReasonGeneration = "generation"
	ReasonGrant      = "grant"
	refundPrefix     = "refund:"
)

type LedgerEntry struct {
	ID        int64     `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	RefID     string    `json:"ref_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RefundReason is the ledger reason recorded when a debit is returned.
func RefundReason(reason string) string { return refundPrefix + reason }

// DebitTx subtracts amount inside tx, failing with ErrInsufficientCredits
// when the balance would go negative. Returns the new balance.
func DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, reason, refID string) (int, error) {
	var balance int
	if amount <= 0 {
		err := tx.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance)
		return balance, notFound(err)
	}
	err := tx.QueryRow(ctx,
		`UPDATE users SET credits = credits - $2, updated_at = NOW() WHERE id = $1 AND credits >= $2 RETURNING credits`,
		userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_ledger (user_id, delta, reason, ref_id) VALUES ($1, $2, $3, $4)`,
		userID, -amount, reason, refID)
	return balance, err
}

// Refund returns the debit recorded under (reason, refID). It is safe to call
// any number of times: only the first call moves credits. Returns the amount
// refunded by this call.
func (db *DB) Refund(ctx context.Context, reason, refID string) (int, error) {
	var amount int
	err := db.Pool.QueryRow(ctx, `
		WITH orig AS (
			SELECT user_id, delta FROM credit_ledger WHERE reason = $1::text AND ref_id = $2::text AND delta < 0
		), ins AS (
			INSERT INTO credit_ledger (user_id, delta, reason, ref_id)
			SELECT user_id, -delta, $3::text, $2::text FROM orig
			ON CONFLICT (reason, ref_id) DO NOTHING
			RETURNING user_id, delta
		)
		UPDATE users u SET credits = u.credits + ins.delta, updated_at = NOW()
		FROM ins WHERE u.id = ins.user_id
		RETURNING ins.delta`,
		reason, refID, RefundReason(reason)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

func (db *DB) ListLedger(ctx context.Context, userID uuid.UUID, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, delta, reason, ref_id, created_at FROM credit_ledger
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &e.RefID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
