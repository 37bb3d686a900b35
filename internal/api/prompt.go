package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"photoforge/backend/internal/prompt"
)

const maxPromptLen = 2000

func (s *Server) promptOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": prompt.Catalog()})
}

type toggleRequest struct {
	Prompt string `json:"prompt"`
	Group  string `json:"group,omitempty"`
	Option string `json:"option,omitempty"`
	// Phrase toggles free text outside the catalog; On says which way.
	Phrase string `json:"phrase,omitempty"`
	On     *bool  `json:"on,omitempty"`
}

type toggleResponse struct {
	Prompt   string            `json:"prompt"`
	Selected map[string]string `json:"selected"`
}

// applyToggle flips one choice. Picking the option already selected in its
// group clears the group, like clicking an active chip.
func applyToggle(req toggleRequest) (toggleResponse, error) {
	p := req.Prompt
	var err error
	switch {
	case req.Group != "":
		option := req.Option
		if prompt.Selected(p)[req.Group] == option {
			option = ""
		}
		p, err = prompt.Select(p, req.Group, option)
	case req.Phrase != "":
		on := !prompt.Contains(p, req.Phrase)
		if req.On != nil {
			on = *req.On
		}
		p = prompt.Toggle(p, req.Phrase, on)
	default:
		p = prompt.Normalize(p)
	}
	if err != nil {
		return toggleResponse{}, err
	}
	return toggleResponse{Prompt: p, Selected: prompt.Selected(p)}, nil
}

func (s *Server) promptToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if len(req.Prompt) > maxPromptLen {
		http.Error(w, `{"error":"prompt too long"}`, http.StatusBadRequest)
		return
	}
	res, err := applyToggle(req)
	if errors.Is(err, prompt.ErrUnknownGroup) || errors.Is(err, prompt.ErrUnknownOption) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		http.Error(w, `{"error":"toggle"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
