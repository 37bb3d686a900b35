package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"photoforge/backend/internal/lifecycle"
	"photoforge/backend/internal/middleware"
	"photoforge/backend/internal/prompt"
	"photoforge/backend/internal/reconcile"
	"photoforge/backend/internal/store"
)

const (
	maxOutputs     = 4
	maxSyncPending = 100
	maxSyncHistory = 500
)

var aspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4", "3:2", "2:3", "4:5", "5:4", "21:9"}

type generationRequest struct {
	ModelID     uuid.UUID         `json:"model_id"`
	Prompt      string            `json:"prompt"`
	Settings    map[string]string `json:"settings"`
	NumOutputs  int               `json:"num_outputs"`
	AspectRatio string            `json:"aspect_ratio"`
}

// normalize fills defaults and applies settings to the prompt. It does not
// look at the model; the trigger word is added once the model is loaded.
func (req *generationRequest) normalize() error {
	if req.ModelID == uuid.Nil {
		return errors.New("model_id required")
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if len(req.Prompt) > maxPromptLen {
		return errors.New("prompt too long")
	}
	if req.NumOutputs == 0 {
		req.NumOutputs = 1
	}
	if req.NumOutputs < 1 || req.NumOutputs > maxOutputs {
		return errors.New("num_outputs must be 1-4")
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "1:1"
	}
	if !lo.Contains(aspectRatios, req.AspectRatio) {
		return errors.New("unsupported aspect_ratio")
	}
	p, err := prompt.Apply(req.Prompt, req.Settings)
	if err != nil {
		return err
	}
	if p == "" {
		return errors.New("prompt required")
	}
	req.Prompt = p
	if req.Settings == nil {
		req.Settings = map[string]string{}
	}
	return nil
}

func (s *Server) createGeneration(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	ctx := r.Context()
	var req generationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := req.normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Idempotency-Key replays the first response for a day.
	idem := s.idempotency(r, userID, "generations")
	if idem.begin(ctx, w) {
		return
	}
	defer idem.release(ctx)

	m, err := s.DB.GetTrainedModelForUser(ctx, req.ModelID, userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"get model"}`, http.StatusInternalServerError)
		return
	}
	if m.Status != lifecycle.Succeeded || m.Version == "" {
		http.Error(w, `{"error":"model not ready"}`, http.StatusConflict)
		return
	}

	finalPrompt := prompt.WithTrigger(req.Prompt, m.TriggerWord, m.Subject)
	cost := s.Cfg.GenerationCost * req.NumOutputs
	id, balance, err := s.DB.CreateGeneration(ctx, store.NewGeneration{
		UserID:      userID,
		ModelID:     m.ID,
		Prompt:      finalPrompt,
		Settings:    req.Settings,
		AspectRatio: req.AspectRatio,
		NumOutputs:  req.NumOutputs,
	}, cost)
	if errors.Is(err, store.ErrInsufficientCredits) {
		http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("create generation")
		http.Error(w, `{"error":"create generation"}`, http.StatusInternalServerError)
		return
	}
	if err := s.Queue.EnqueueGenerationStart(ctx, id); err != nil {
		log.Error().Err(err).Str("generation_id", id.String()).Msg("enqueue generation:start")
	}

	out := map[string]interface{}{
		"generation_id": id,
		"status":        lifecycle.Queued,
		"prompt":        finalPrompt,
		"credits":       balance,
	}
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(out)
	idem.remember(ctx, buf.Bytes())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write(buf.Bytes())
}

func (s *Server) listGenerations(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	page, limit := pagination(r, 20, 100)
	status := lifecycle.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, `{"error":"invalid status"}`, http.StatusBadRequest)
		return
	}
	list, total, err := s.DB.ListGenerations(r.Context(), userID, status, (page-1)*limit, limit)
	if err != nil {
		http.Error(w, `{"error":"list generations"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generations": list,
		"total":       total,
		"page":        page,
		"limit":       limit,
	})
}

func (s *Server) getGeneration(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	userID, _ := middleware.UserID(r.Context())
	g, err := s.DB.GetGenerationForUser(r.Context(), id, userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"get generation"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// toRecords converts rows to reconcile records.
func toRecords(list []store.Generation) []reconcile.Record {
	return lo.Map(list, func(g store.Generation, _ int) reconcile.Record {
		return reconcile.Record{
			ID:        g.ID.String(),
			Status:    g.Status,
			Prompt:    g.Prompt,
			Images:    g.Images,
			Error:     g.Error,
			UpdatedAt: g.UpdatedAt,
		}
	})
}

// parseIDs keeps the ids that are valid uuids.
func parseIDs(ids []string) []uuid.UUID {
	return lo.FilterMap(ids, func(s string, _ int) (uuid.UUID, bool) {
		id, err := uuid.Parse(s)
		return id, err == nil
	})
}

func (s *Server) syncGenerations(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var req struct {
		Pending []reconcile.Pending `json:"pending"`
		History []reconcile.Record  `json:"history"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if len(req.Pending) > maxSyncPending || len(req.History) > maxSyncHistory {
		http.Error(w, `{"error":"too many pending items"}`, http.StatusBadRequest)
		return
	}
	var records []reconcile.Record
	if ids := parseIDs(reconcile.IDs(req.Pending)); len(ids) > 0 {
		list, err := s.DB.ListGenerationsByIDs(r.Context(), userID, ids)
		if err != nil {
			http.Error(w, `{"error":"list generations"}`, http.StatusInternalServerError)
			return
		}
		records = toRecords(list)
	}
	writeJSON(w, http.StatusOK, syncResult(req.Pending, req.History, records, s.clock(), s.Cfg.PendingTimeout))
}

type syncResponse struct {
	reconcile.Result
	History []reconcile.Record `json:"history,omitempty"`
}

// syncResult buckets the pending items and, when the client sent its
// history, folds the finished rows into it.
func syncResult(pending []reconcile.Pending, history, records []reconcile.Record, now time.Time, timeout time.Duration) syncResponse {
	res := syncResponse{Result: reconcile.Reconcile(pending, records, now, timeout)}
	if history != nil {
		finished := append(append([]reconcile.Record{}, res.Completed...), res.Failed...)
		res.History = reconcile.MergeHistory(history, finished)
	}
	return res
}

func (s *Server) cancelGeneration(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	userID, _ := middleware.UserID(r.Context())
	ctx := r.Context()
	g, err := s.DB.GetGenerationForUser(ctx, id, userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"get generation"}`, http.StatusInternalServerError)
		return
	}
	if g.Status.Terminal() {
		writeError(w, http.StatusConflict, "generation already "+string(g.Status))
		return
	}
	if g.ReplicateID == "" {
		// Never reached Replicate; close it here.
		if err := s.Ingest.CancelGeneration(ctx, g, "canceled by user"); err != nil {
			http.Error(w, `{"error":"cancel"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": g.ID, "status": lifecycle.Canceled})
		return
	}
	if s.Repl == nil {
		http.Error(w, `{"error":"replicate not configured"}`, http.StatusServiceUnavailable)
		return
	}
	if err := s.Repl.CancelPrediction(ctx, g.ReplicateID); err != nil {
		log.Warn().Err(err).Str("generation_id", g.ID.String()).Msg("cancel prediction")
		http.Error(w, `{"error":"cancel failed"}`, http.StatusBadGateway)
		return
	}
	// The canceled webhook or the next poll applies the status and refunds.
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": g.ID, "status": "canceling"})
}
