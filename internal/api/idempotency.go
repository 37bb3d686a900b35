package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"photoforge/backend/internal/cache"
)

const (
	idempotencyTTL  = 24 * time.Hour
	idempotencyLock = time.Minute
)

type idempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Remember(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// idempotency replays the first accepted response for an Idempotency-Key
// and holds a short lock while that first request is in flight. A nil
// *idempotency is a no-op.
type idempotency struct {
	store idempotencyStore
	key   string
}

func (s *Server) idempotency(r *http.Request, userID uuid.UUID, route string) *idempotency {
	k := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if k == "" || s.Cache == nil {
		return nil
	}
	return &idempotency{store: s.Cache, key: cache.IdempotencyKey(userID.String(), route, k)}
}

// begin writes the replayed or in-progress response and reports whether it
// did. Otherwise the caller owns the lock and must release it.
func (i *idempotency) begin(ctx context.Context, w http.ResponseWriter) bool {
	if i == nil {
		return false
	}
	if b, err := i.store.Get(ctx, i.key); err == nil && b != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(http.StatusAccepted)
		w.Write(b)
		return true
	}
	if ok, err := i.store.Claim(ctx, i.key+":lock", idempotencyLock); err == nil && !ok {
		http.Error(w, `{"error":"request in progress"}`, http.StatusConflict)
		return true
	}
	return false
}

func (i *idempotency) remember(ctx context.Context, body []byte) {
	if i == nil {
		return
	}
	if err := i.store.Remember(ctx, i.key, body, idempotencyTTL); err != nil {
		log.Warn().Err(err).Msg("idempotency: remember response")
	}
}

// release drops the lock. After a failed request the client may retry with
// the same key; after a remembered one the next request replays.
func (i *idempotency) release(ctx context.Context) {
	if i == nil {
		return
	}
	if err := i.store.Delete(ctx, i.key+":lock"); err != nil {
		log.Warn().Err(err).Msg("idempotency: release lock")
	}
}
