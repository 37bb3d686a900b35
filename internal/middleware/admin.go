package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"photoforge/backend/internal/store"
)

// UserLookup loads a user row; *store.DB implements it.
type UserLookup interface {
	UserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
}

// RequireAdmin ensures the request user has users.is_admin set. Use after
// SupabaseAuth.
func RequireAdmin(users UserLookup) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserID(r.Context())
			if !ok || userID == uuid.Nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			u, err := users.UserByID(r.Context(), userID)
			if err != nil || u == nil || !u.IsAdmin {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
