package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	repgo "github.com/replicate/replicate-go"
	"github.com/rs/zerolog/log"

	"photoforge/backend/internal/auth"
	"photoforge/backend/internal/ingest"
	"photoforge/backend/internal/replicate"
)

const maxWebhookBody = 4 << 20

// replicateWebhook ingests a prediction or training update. The callback
// token names the row; the signature, when checkable, proves the sender.
// Duplicates and stale events still answer 200 so Replicate stops retrying.
func (s *Server) replicateWebhook(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ParseCallbackToken(r.URL.Query().Get("token"), s.Cfg.CallbackSecret)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	logger := log.With().Str("kind", claims.Kind).Str("target_id", claims.TargetID.String()).Logger()

	if s.Repl != nil {
		ok, err := s.Repl.ValidateWebhook(r)
		switch {
		case errors.Is(err, replicate.ErrNoSigningSecret):
			logger.Warn().Err(err).Msg("webhook: signature not checked")
		case err != nil || !ok:
			logger.Warn().Err(err).Msg("webhook: bad signature")
			http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
		return
	}
	update, err := decodeWebhook(claims.Kind, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	update.TargetID = claims.TargetID

	var outcome ingest.Outcome
	switch claims.Kind {
	case auth.KindGeneration:
		outcome, err = s.Ingest.Generation(r.Context(), update)
	case auth.KindTraining:
		outcome, err = s.Ingest.Training(r.Context(), update)
	}
	if err != nil {
		logger.Error().Err(err).Str("replicate_id", update.ReplicateID).Msg("webhook: ingest")
		http.Error(w, `{"error":"ingest failed"}`, http.StatusInternalServerError)
		return
	}
	logger.Debug().Str("replicate_id", update.ReplicateID).Str("status", update.Status).
		Str("outcome", string(outcome)).Msg("webhook")
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// decodeWebhook parses the body as the object the token's kind promises.
func decodeWebhook(kind string, body []byte) (ingest.Update, error) {
	switch kind {
	case auth.KindGeneration:
		var p repgo.Prediction
		if err := json.Unmarshal(body, &p); err != nil || p.ID == "" {
			return ingest.Update{}, errors.New("invalid prediction body")
		}
		return ingest.FromPrediction(&p, uuid.Nil), nil
	case auth.KindTraining:
		var t repgo.Training
		if err := json.Unmarshal(body, &t); err != nil || t.ID == "" {
			return ingest.Update{}, errors.New("invalid training body")
		}
		return ingest.FromTraining(&t, uuid.Nil), nil
	}
	return ingest.Update{}, errors.New("unknown callback kind")
}
