package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const userIDKey contextKey = "user_id"
const emailKey contextKey = "email"

func withUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func withEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailKey, email)
}

// WithUser returns ctx carrying an authenticated user, as SupabaseAuth
// leaves it. Handlers under test use it to skip token verification.
func WithUser(ctx context.Context, id uuid.UUID, email string) context.Context {
	return withEmail(withUserID(ctx, id), email)
}

func UserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

func Email(ctx context.Context) string {
	e, _ := ctx.Value(emailKey).(string)
	return e
}
