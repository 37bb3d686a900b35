package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"photoforge/backend/internal/cache"
	"photoforge/backend/internal/config"
	"photoforge/backend/internal/ingest"
	"photoforge/backend/internal/logging"
	"photoforge/backend/internal/middleware"
	"photoforge/backend/internal/queue"
	"photoforge/backend/internal/replicate"
	"photoforge/backend/internal/storage"
	"photoforge/backend/internal/store"
	"photoforge/backend/internal/stream"
)

// webhookRPM bounds webhook deliveries per source IP. Replicate sends two per
// prediction, so this is generous.
const webhookRPM = 1200

type Server struct {
	DB        *store.DB
	Cfg       *config.Config
	Queue     *queue.Enqueuer
	Inspector *asynq.Inspector
	Blob      storage.Blob
	Stream    *stream.Subscriber
	Cache     *cache.Redis
	Repl      *replicate.Client
	Ingest    *ingest.Ingestor
	Verifier  middleware.TokenVerifier

	now func() time.Time
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.AccessLog)
	r.Get("/health", s.health)
	r.Get("/health/ready", s.healthReady)

	// Public, rate-limited by IP; authenticated by callback token.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(webhookRPM))
		r.Post("/webhooks/replicate", s.replicateWebhook)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SupabaseAuth(s.Verifier, s.DB))
		r.Use(middleware.RateLimit(s.Cfg.RateLimitRPM))
		r.Get("/me", s.me)
		r.Get("/credits", s.credits)

		r.Post("/models", s.createModel)
		r.Get("/models", s.listModels)
		r.Get("/models/{id}", s.getModel)

		r.Post("/generations", s.createGeneration)
		r.Get("/generations", s.listGenerations)
		// Before /{id} so "sync" is not parsed as an id.
		r.Post("/generations/sync", s.syncGenerations)
		r.Get("/generations/{id}", s.getGeneration)
		r.Post("/generations/{id}/cancel", s.cancelGeneration)

		r.Get("/prompt/options", s.promptOptions)
		r.Post("/prompt/toggle", s.promptToggle)

		r.Get("/stream", s.streamEvents)
		r.Get("/ws", s.websocketEvents)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(s.DB))
			r.Post("/users/{id}/credits", s.adminGrantCredits)
			r.Get("/dead-letters", s.adminListDeadLetters)
			r.Post("/dead-letters/{queue}/{taskID}/retry", s.adminRetryDeadLetter)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health/ready: db ping")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "database unavailable"})
		return
	}
	if s.Cache != nil {
		if err := s.Cache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("health/ready: redis ping")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "redis unavailable"})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError is for messages built at runtime; fixed messages use http.Error
// with a literal body.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func pathID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

// pagination reads ?page= (1-based) and ?limit=, clamping limit to max.
func pagination(r *http.Request, def, max int) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return page, limit
}
