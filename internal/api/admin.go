package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"photoforge/backend/internal/middleware"
	"photoforge/backend/internal/queue"
	"photoforge/backend/internal/store"
)

const maxGrant = 100000

type grantRequest struct {
	Amount int    `json:"amount"`
	Ref    string `json:"ref,omitempty"`
}

func (req grantRequest) validate() error {
	if req.Amount < 1 || req.Amount > maxGrant {
		return errors.New("amount must be 1-100000")
	}
	if len(req.Ref) > 128 {
		return errors.New("ref too long")
	}
	return nil
}

func (s *Server) adminGrantCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.DB.GrantCredits(r.Context(), userID, req.Amount, req.Ref)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("grant credits")
		http.Error(w, `{"error":"grant"}`, http.StatusInternalServerError)
		return
	}
	adminID, _ := middleware.UserID(r.Context())
	log.Info().Str("admin_id", adminID.String()).Str("user_id", userID.String()).
		Int("amount", req.Amount).Int("balance", balance).Msg("credits granted")
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "balance": balance})
}

type deadLetter struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Type         string    `json:"type"`
	Payload      string    `json:"payload"`
	LastErr      string    `json:"last_error"`
	Retried      int       `json:"retried"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

func toDeadLetter(t *asynq.TaskInfo) deadLetter {
	return deadLetter{
		ID:           t.ID,
		Queue:        t.Queue,
		Type:         t.Type,
		Payload:      string(t.Payload),
		LastErr:      t.LastErr,
		Retried:      t.Retried,
		LastFailedAt: t.LastFailedAt,
	}
}

func (s *Server) adminListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.Inspector == nil {
		http.Error(w, `{"error":"queue inspector not configured"}`, http.StatusServiceUnavailable)
		return
	}
	page, limit := pagination(r, 50, 200)
	out := []deadLetter{}
	for name := range queue.Queues {
		tasks, err := s.Inspector.ListArchivedTasks(name, asynq.PageSize(limit), asynq.Page(page))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("queue", name).Msg("list archived tasks")
			http.Error(w, `{"error":"list dead letters"}`, http.StatusInternalServerError)
			return
		}
		for _, t := range tasks {
			out = append(out, toDeadLetter(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastFailedAt.After(out[j].LastFailedAt) })
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": out, "page": page, "limit": limit})
}

// adminRetryDeadLetter moves an archived task back to pending. Rows already
// failed by dead-lettering stay failed; a retried start or poll finds the row
// terminal and exits.
func (s *Server) adminRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.Inspector == nil {
		http.Error(w, `{"error":"queue inspector not configured"}`, http.StatusServiceUnavailable)
		return
	}
	qname := chi.URLParam(r, "queue")
	taskID := chi.URLParam(r, "taskID")
	if _, ok := queue.Queues[qname]; !ok || strings.TrimSpace(taskID) == "" {
		http.Error(w, `{"error":"unknown queue or task"}`, http.StatusBadRequest)
		return
	}
	err := s.Inspector.RunTask(qname, taskID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Str("task_id", taskID).Msg("run archived task")
		http.Error(w, `{"error":"retry"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": taskID, "queue": qname, "status": "pending"})
}
