package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TokenVerifier checks a Supabase access token; *auth.Verifier implements it.
type TokenVerifier interface {
	Verify(token string) (uuid.UUID, string, error)
}

// UserSyncer mirrors the Supabase user into our users table.
type UserSyncer interface {
	UpsertUser(ctx context.Context, id uuid.UUID, email string) error
}

// SupabaseAuth verifies the bearer token, syncs the user to the DB and puts
// the user ID in the request context. GET requests may pass the token as
// ?token= since EventSource and WebSocket clients cannot set headers.
func SupabaseAuth(v TokenVerifier, users UserSyncer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" && r.Method == http.MethodGet && r.URL.Query().Get("token") != "" {
				raw = "Bearer " + r.URL.Query().Get("token")
			}
			if raw == "" {
				http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(raw, prefix) {
				http.Error(w, `{"error":"invalid authorization"}`, http.StatusUnauthorized)
				return
			}
			userID, email, err := v.Verify(strings.TrimPrefix(raw, prefix))
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("supabase auth: token rejected")
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if err := users.UpsertUser(r.Context(), userID, email); err != nil {
				log.Error().Err(err).Str("user_id", userID.String()).Msg("supabase auth: upsert user")
				http.Error(w, `{"error":"db error"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, email)))
		})
	}
}
