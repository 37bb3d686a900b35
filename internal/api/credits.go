package api

import (
	"errors"
	"net/http"

	"photoforge/backend/internal/middleware"
	"photoforge/backend/internal/store"
)

const ledgerPageSize = 50

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	user, err := s.DB.UserByID(r.Context(), userID)
	if err != nil || user == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":    user,
		"credits": user.Credits,
		"costs": map[string]int{
			"training":   s.Cfg.TrainingCost,
			"generation": s.Cfg.GenerationCost,
		},
	})
}

func (s *Server) credits(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	balance, err := s.DB.Credits(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"credits"}`, http.StatusInternalServerError)
		return
	}
	ledger, err := s.DB.ListLedger(r.Context(), userID, ledgerPageSize)
	if err != nil {
		http.Error(w, `{"error":"ledger"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance, "ledger": ledger})
}
