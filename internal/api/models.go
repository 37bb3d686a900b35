package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"photoforge/backend/internal/archive"
	"photoforge/backend/internal/cache"
	"photoforge/backend/internal/middleware"
	"photoforge/backend/internal/storage"
	"photoforge/backend/internal/store"
)

const (
	minTrainingImages = 4
	maxTrainingImages = 30
	maxUploadBytes    = archive.MaxTotalSize + 10<<20
	defaultTrigger    = "TOK"
	defaultSubject    = "person"
)

var (
	triggerRe = regexp.MustCompile(`^[A-Za-z0-9_]{2,32}$`)
	subjectRe = regexp.MustCompile(`^[A-Za-z ]{2,32}$`)
)

type trainingRequest struct {
	Name        string   `json:"name"`
	Subject     string   `json:"subject"`
	TriggerWord string   `json:"trigger_word"`
	Images      []string `json:"images"`
}

type namedImage struct {
	name string
	data []byte
}

// validate fills defaults and checks the text fields.
func (req *trainingRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	req.Subject = strings.ToLower(strings.TrimSpace(req.Subject))
	req.TriggerWord = strings.TrimSpace(req.TriggerWord)
	if req.Subject == "" {
		req.Subject = defaultSubject
	}
	if req.TriggerWord == "" {
		req.TriggerWord = defaultTrigger
	}
	switch {
	case req.Name == "" || len(req.Name) > 64:
		return errors.New("name required (max 64 chars)")
	case !subjectRe.MatchString(req.Subject):
		return errors.New("subject must be 2-32 letters")
	case !triggerRe.MatchString(req.TriggerWord):
		return errors.New("trigger_word must be one word of 2-32 letters, digits or _")
	}
	return nil
}

// readTrainingRequest accepts multipart (files[] uploads and/or images[]
// data URLs) or a JSON body with data URLs.
func readTrainingRequest(r *http.Request) (trainingRequest, []namedImage, error) {
	var req trainingRequest
	var images []namedImage

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return req, nil, fmt.Errorf("invalid form: %w", err)
		}
		form := r.MultipartForm
		req.Name = first(form.Value["name"])
		req.Subject = first(form.Value["subject"])
		req.TriggerWord = first(form.Value["trigger_word"])
		req.Images = append(form.Value["images"], form.Value["images[]"]...)
		for _, fh := range append(form.File["files"], form.File["files[]"]...) {
			data, err := readPart(fh)
			if err != nil {
				return req, nil, err
			}
			images = append(images, namedImage{name: fh.Filename, data: data})
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, errors.New("invalid body")
	}

	for i, s := range req.Images {
		data, _, err := archive.DecodeDataURL(s)
		if err != nil {
			return req, nil, fmt.Errorf("images[%d]: %w", i, err)
		}
		images = append(images, namedImage{name: fmt.Sprintf("image_%02d", i+1), data: data})
	}
	return req, images, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > archive.MaxFileSize {
		return nil, fmt.Errorf("%s: %w", fh.Filename, archive.ErrTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, archive.MaxFileSize+1))
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// buildBundle zips the images, enforcing the count limits.
func buildBundle(images []namedImage) ([]byte, error) {
	if len(images) < minTrainingImages || len(images) > maxTrainingImages {
		return nil, fmt.Errorf("need %d-%d images, got %d", minTrainingImages, maxTrainingImages, len(images))
	}
	b := archive.NewBuilder()
	for _, img := range images {
		if err := b.Add(img.name, img.data); err != nil {
			return nil, err
		}
	}
	return b.Bytes()
}

func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	req, images, err := readTrainingRequest(r)
	if err == nil {
		err = req.validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bundle, err := buildBundle(images)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Blob == nil {
		http.Error(w, `{"error":"storage not configured"}`, http.StatusServiceUnavailable)
		return
	}

	if bal, err := s.DB.Credits(ctx, userID); err == nil && bal < s.Cfg.TrainingCost {
		http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
		return
	}

	key := fmt.Sprintf("trainings/%s/%s.zip", userID, uuid.NewString())
	var id uuid.UUID
	var balance int
	err = storeBundle(ctx, s.Blob, key, bundle, func(zipURL string) (err error) {
		id, balance, err = s.DB.CreateTrainedModel(ctx, store.NewTrainedModel{
			UserID:      userID,
			Name:        req.Name,
			Subject:     req.Subject,
			TriggerWord: req.TriggerWord,
			ZipKey:      key,
			ZipURL:      zipURL,
			ImageCount:  len(images),
		}, s.Cfg.TrainingCost)
		return err
	})
	switch {
	case errors.Is(err, errUpload):
		log.Error().Err(err).Str("key", key).Msg("upload training bundle")
		http.Error(w, `{"error":"upload failed"}`, http.StatusBadGateway)
		return
	case errors.Is(err, store.ErrInsufficientCredits):
		http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
		return
	case err != nil:
		log.Error().Err(err).Msg("create trained model")
		http.Error(w, `{"error":"create model"}`, http.StatusInternalServerError)
		return
	}
	// The sweep picks the row up if this enqueue is lost.
	if err := s.Queue.EnqueueTrainStart(ctx, id); err != nil {
		log.Error().Err(err).Str("model_id", id.String()).Msg("enqueue train:start")
	}
	s.invalidateModels(r, userID)
	log.Info().Str("model_id", id.String()).Str("user_id", userID.String()).Int("images", len(images)).Msg("training requested")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"model_id": id,
		"status":   "queued",
		"credits":  balance,
	})
}

var errUpload = errors.New("upload bundle")

// storeBundle uploads a training bundle and hands its URL to commit. The
// object is removed again when commit fails, so a rejected request leaves
// nothing behind in the bucket.
func storeBundle(ctx context.Context, blob storage.Blob, key string, bundle []byte, commit func(zipURL string) error) error {
	if err := blob.Put(ctx, key, bytes.NewReader(bundle), "application/zip"); err != nil {
		return fmt.Errorf("%w: %v", errUpload, err)
	}
	if err := commit(blob.URL(key)); err != nil {
		if derr := blob.Delete(context.WithoutCancel(ctx), key); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("delete unused training bundle")
		}
		return err
	}
	return nil
}

func (s *Server) invalidateModels(r *http.Request, userID uuid.UUID) {
	if s.Cache == nil {
		return
	}
	_ = s.Cache.Delete(r.Context(), cache.ModelsKey(userID.String()))
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	key := cache.ModelsKey(userID.String())
	if s.Cache != nil {
		if b, err := s.Cache.Get(r.Context(), key); err == nil && b != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write(b)
			return
		}
	}
	models, err := s.DB.ListTrainedModels(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error":"list models"}`, http.StatusInternalServerError)
		return
	}
	b, err := json.Marshal(map[string]interface{}{"models": models})
	if err != nil {
		http.Error(w, `{"error":"encode"}`, http.StatusInternalServerError)
		return
	}
	if s.Cache != nil {
		_ = s.Cache.Set(r.Context(), key, b)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	userID, _ := middleware.UserID(r.Context())
	m, err := s.DB.GetTrainedModelForUser(r.Context(), id, userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"get model"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
