package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Credits   int       `json:"credits"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (db *DB) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := db.Pool.QueryRow(ctx,
		`SELECT id, email, credits, is_admin, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Credits, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UpsertUser inserts or updates user by id (from Supabase Auth), keeping the
// local users row in step with auth.users.
func (db *DB) UpsertUser(ctx context.Context, id uuid.UUID, email string) error {
	if email == "" {
		email = id.String() + "@supabase.local" // placeholder when JWT has no email
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO users (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, updated_at = NOW()
		 WHERE users.email IS DISTINCT FROM EXCLUDED.email`,
		id, email)
	return err
}

func (db *DB) Credits(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, notFound(err)
	}
	return n, nil
}

// GrantCredits adds amount to the user's balance and records it in the
// ledger under ref. A repeated ref is a no-op; the current balance is
// returned either way.
func (db *DB) GrantCredits(ctx context.Context, userID uuid.UUID, amount int, ref string) (int, error) {
	if ref == "" {
		ref = uuid.NewString()
	}
	var balance int
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance); err != nil {
			return notFound(err)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_ledger (user_id, delta, reason, ref_id) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (reason, ref_id) DO NOTHING`,
			userID, amount, ReasonGrant, ref)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		return tx.QueryRow(ctx,
			`UPDATE users SET credits = GREATEST(credits + $2, 0), updated_at = NOW() WHERE id = $1 RETURNING credits`,
			userID, amount).Scan(&balance)
	})
	return balance, err
}
