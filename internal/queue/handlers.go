package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	repgo "github.com/replicate/replicate-go"
	"github.com/rs/zerolog/log"

	"photoforge/backend/internal/auth"
	"photoforge/backend/internal/config"
	"photoforge/backend/internal/ingest"
	"photoforge/backend/internal/lifecycle"
	"photoforge/backend/internal/replicate"
	"photoforge/backend/internal/storage"
	"photoforge/backend/internal/store"
	"photoforge/backend/internal/stream"
)

const (
	firstPollDelay    = 30 * time.Second
	pollInterval      = 15 * time.Second
	trainPollInterval = time.Minute
	callbackTokenTTL  = 72 * time.Hour

	// SweepStaleAfter is how long an open row may go unchecked before the
	// sweep re-polls it. Every poll attempt touches the row first, so a live
	// chain, even one waiting out the longest retry delay, stays fresher than
	// this and the sweep never starts a second chain beside it.
	SweepStaleAfter  = retryCap + 2*time.Minute
	sweepBatch       = 200
	webhookEventsTTL = 7 * 24 * time.Hour
)

const (
	msgTimedOut       = "timed out"
	msgNotConfigured  = "Replicate not configured"
	msgModelNotReady  = "model is not ready"
	msgStorageMissing = "storage not configured"
)

// Store is the persistence the task handlers need; *store.DB implements it.
type Store interface {
	GetGeneration(ctx context.Context, id uuid.UUID) (*store.Generation, error)
	SetPredictionStarted(ctx context.Context, id uuid.UUID, replicateID string) (bool, error)
	SetGenerationImages(ctx context.Context, id uuid.UUID, images []string) error
	SetGenerationCaption(ctx context.Context, id uuid.UUID, caption string) error
	TouchGeneration(ctx context.Context, id uuid.UUID) error
	ListStaleGenerations(ctx context.Context, olderThan time.Duration, limit int) ([]store.Generation, error)

	GetTrainedModel(ctx context.Context, id uuid.UUID) (*store.TrainedModel, error)
	SetTrainingStarted(ctx context.Context, id uuid.UUID, replicateModel, trainingID string) (bool, error)
	TouchTraining(ctx context.Context, id uuid.UUID) error
	ListStaleTrainings(ctx context.Context, olderThan time.Duration, limit int) ([]store.TrainedModel, error)

	PruneWebhookEvents(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Replicator is the Replicate API surface; *replicate.Client implements it.
type Replicator interface {
	CreatePrediction(ctx context.Context, version string, input map[string]interface{}, webhookURL string) (*repgo.Prediction, error)
	GetPrediction(ctx context.Context, id string) (*repgo.Prediction, error)
	CancelPrediction(ctx context.Context, id string) error
	CreateModel(ctx context.Context, owner, name, hardware string) error
	CreateTraining(ctx context.Context, trainer, destination string, input map[string]interface{}, webhookURL string) (*repgo.Training, error)
	GetTraining(ctx context.Context, id string) (*repgo.Training, error)
	CancelTraining(ctx context.Context, id string) error
}

// Scheduler enqueues follow-up tasks; *Enqueuer implements it.
type Scheduler interface {
	EnqueueGenerationStart(ctx context.Context, id uuid.UUID) error
	EnqueueGenerationPoll(ctx context.Context, id uuid.UUID, seq int64, delay time.Duration) error
	EnqueueFinalize(ctx context.Context, id uuid.UUID) error
	EnqueueTrainStart(ctx context.Context, id uuid.UUID) error
	EnqueueTrainPoll(ctx context.Context, id uuid.UUID, seq int64, delay time.Duration) error
}

// Captioner describes a finished image; *caption.Captioner implements it.
type Captioner interface {
	Caption(ctx context.Context, imageURL string) (string, error)
}

// Handlers runs the asynq tasks. Repl, Blob and Captioner are optional and
// must be left nil, not set to a nil pointer, when unconfigured.
type Handlers struct {
	DB        Store
	Cfg       *config.Config
	Repl      Replicator
	Blob      storage.Blob // vendor URLs are kept when nil
	Captioner Captioner
	Queue     Scheduler
	Ingest    *ingest.Ingestor
	now       func() time.Time
}

func (h *Handlers) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// CallbackURL is the webhook URL handed to Replicate for one row, or "" when
// no public base URL is configured and polling alone must do.
func CallbackURL(base, secret, kind string, id uuid.UUID) (string, error) {
	if base == "" {
		return "", nil
	}
	token, err := auth.NewCallbackToken(kind, id, secret, callbackTokenTTL)
	if err != nil {
		return "", err
	}
	return base + "?token=" + url.QueryEscape(token), nil
}

// PredictionInput is the input sent to a trained FLUX LoRA version.
func PredictionInput(g *store.Generation) map[string]interface{} {
	n := g.NumOutputs
	if n < 1 {
		n = 1
	}
	ar := g.AspectRatio
	if ar == "" {
		ar = "1:1"
	}
	return map[string]interface{}{
		"prompt":              g.Prompt,
		"num_outputs":         n,
		"aspect_ratio":        ar,
		"output_format":       "png",
		"guidance_scale":      3.5,
		"num_inference_steps": 28,
		"lora_scale":          1,
	}
}

// TrainingInput is the input for the LoRA trainer.
func TrainingInput(m *store.TrainedModel, steps int) map[string]interface{} {
	return map[string]interface{}{
		"input_images": m.ZipURL,
		"trigger_word": m.TriggerWord,
		"steps":        steps,
		"lora_rank":    16,
		"autocaption":  true,
	}
}

// DestinationName names the Replicate model a training writes to.
func DestinationName(id uuid.UUID) string {
	return "pf-" + strings.ReplaceAll(id.String(), "-", "")
}

func (h *Handlers) GenerationStartHandler(ctx context.Context, t *asynq.Task) error {
	p, err := ParsePayload(t)
	if err != nil {
		return err
	}
	g, err := h.DB.GetGeneration(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("generation %s: %v: %w", p.ID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if g.Status.Terminal() {
		return nil
	}
	if g.ReplicateID != "" {
		return h.Queue.EnqueueGenerationPoll(ctx, g.ID, 1, firstPollDelay)
	}
	if h.Repl == nil {
		return h.Ingest.FailGeneration(ctx, g, msgNotConfigured)
	}
	m, err := h.DB.GetTrainedModel(ctx, g.ModelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if m == nil || m.Status != lifecycle.Succeeded || m.Version == "" {
		return h.Ingest.FailGeneration(ctx, g, msgModelNotReady)
	}

	hook, err := CallbackURL(h.Cfg.WebhookURL(), h.Cfg.CallbackSecret, auth.KindGeneration, g.ID)
	if err != nil {
		return err
	}
	pred, err := h.Repl.CreatePrediction(ctx, replicate.VersionID(m.Version), PredictionInput(g), hook)
	if err != nil {
		return fmt.Errorf("create prediction: %w", err)
	}
	logger := log.With().Str("generation_id", g.ID.String()).Str("replicate_id", pred.ID).Logger()
	started, err := h.DB.SetPredictionStarted(ctx, g.ID, pred.ID)
	if err != nil {
		if cerr := h.Repl.CancelPrediction(ctx, pred.ID); cerr != nil {
			logger.Warn().Err(cerr).Msg("cancel orphaned prediction")
		}
		return err
	}
	if !started {
		// Either the start webhook for this very prediction got here first,
		// or a concurrent delivery recorded its own prediction. Only the
		// latter is a duplicate.
		cur, err := h.DB.GetGeneration(ctx, g.ID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("reload generation; leaving prediction running")
		case cur.ReplicateID == pred.ID:
			logger.Info().Msg("prediction recorded by its start webhook")
		default:
			logger.Info().Str("recorded", cur.ReplicateID).Msg("row follows another prediction, canceling duplicate")
			if cerr := h.Repl.CancelPrediction(ctx, pred.ID); cerr != nil {
				logger.Warn().Err(cerr).Msg("cancel duplicate prediction")
			}
		}
		return h.Queue.EnqueueGenerationPoll(ctx, g.ID, 1, firstPollDelay)
	}
	logger.Info().Str("model_id", m.ID.String()).Msg("prediction created")
	if _, err := h.Ingest.Generation(ctx, ingest.FromPrediction(pred, g.ID)); err != nil {
		logger.Warn().Err(err).Msg("ingest initial status")
	}
	return h.Queue.EnqueueGenerationPoll(ctx, g.ID, 1, firstPollDelay)
}

func (h *Handlers) GenerationPollHandler(ctx context.Context, t *asynq.Task) error {
	p, err := ParsePayload(t)
	if err != nil {
		return err
	}
	g, err := h.DB.GetGeneration(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("generation %s: %v: %w", p.ID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if g.Status.Terminal() {
		if g.Status == lifecycle.Succeeded && len(g.Images) == 0 {
			return h.Queue.EnqueueFinalize(ctx, g.ID)
		}
		return nil
	}
	if err := h.DB.TouchGeneration(ctx, g.ID); err != nil {
		return err
	}
	expired := h.clock().Sub(g.CreatedAt) > h.Cfg.PendingTimeout
	if g.ReplicateID == "" {
		if expired {
			return h.Ingest.FailGeneration(ctx, g, msgTimedOut)
		}
		return h.Queue.EnqueueGenerationStart(ctx, g.ID)
	}
	if h.Repl == nil {
		return h.Ingest.FailGeneration(ctx, g, msgNotConfigured)
	}
	pred, err := h.Repl.GetPrediction(ctx, g.ReplicateID)
	if err != nil {
		return fmt.Errorf("get prediction: %w", err)
	}
	if _, err := h.Ingest.Generation(ctx, ingest.FromPrediction(pred, g.ID)); err != nil {
		return err
	}
	if to, ok := lifecycle.FromReplicate(string(pred.Status)); ok && to.Terminal() {
		return nil
	}
	if expired {
		if err := h.Repl.CancelPrediction(ctx, g.ReplicateID); err != nil {
			log.Warn().Err(err).Str("generation_id", g.ID.String()).Msg("cancel timed out prediction")
		}
		log.Info().Str("generation_id", g.ID.String()).Dur("age", h.clock().Sub(g.CreatedAt)).Msg("generation timed out")
		return h.Ingest.FailGeneration(ctx, g, msgTimedOut)
	}
	return h.Queue.EnqueueGenerationPoll(ctx, g.ID, p.Seq+1, pollInterval)
}

func (h *Handlers) GenerationFinalizeHandler(ctx context.Context, t *asynq.Task) error {
	p, err := ParsePayload(t)
	if err != nil {
		return err
	}
	g, err := h.DB.GetGeneration(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("generation %s: %v: %w", p.ID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	switch {
	case !g.Status.Terminal():
		return fmt.Errorf("generation %s still %s", g.ID, g.Status)
	case g.Status != lifecycle.Succeeded, len(g.Images) > 0:
		return nil
	}
	logger := log.With().Str("generation_id", g.ID.String()).Logger()
	urls := replicate.OutputURLs(g.Output)
	if len(urls) == 0 {
		logger.Warn().Msg("succeeded without output")
		return nil
	}
	images := urls
	if h.Blob != nil {
		images, err = storage.Mirror(ctx, h.Blob, urls, "generations/"+g.ID.String())
		if err != nil {
			return err
		}
	}
	if err := h.DB.SetGenerationImages(ctx, g.ID, images); err != nil {
		return err
	}
	if h.Captioner != nil && g.Caption == "" {
		if c, err := h.Captioner.Caption(ctx, images[0]); err != nil {
			logger.Warn().Err(err).Msg("caption")
		} else if err := h.DB.SetGenerationCaption(ctx, g.ID, c); err != nil {
			logger.Warn().Err(err).Msg("store caption")
		}
	}
	logger.Info().Int("images", len(images)).Bool("mirrored", h.Blob != nil).Msg("generation finalized")
	h.Ingest.Publish(ctx, g.UserID, stream.Event{Kind: stream.KindGeneration, ID: g.ID, Status: lifecycle.Succeeded, Images: images})
	return nil
}

func (h *Handlers) TrainStartHandler(ctx context.Context, t *asynq.Task) error {
	p, err := ParsePayload(t)
	if err != nil {
		return err
	}
	m, err := h.DB.GetTrainedModel(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("model %s: %v: %w", p.ID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	if m.TrainingID != "" {
		return h.Queue.EnqueueTrainPoll(ctx, m.ID, 1, trainPollInterval)
	}
	if h.Repl == nil || h.Cfg.ReplicateUsername == "" {
		return h.Ingest.FailTraining(ctx, m, msgNotConfigured)
	}
	if m.ZipURL == "" {
		return h.Ingest.FailTraining(ctx, m, msgStorageMissing)
	}

	owner, name := h.Cfg.ReplicateUsername, DestinationName(m.ID)
	if err := h.Repl.CreateModel(ctx, owner, name, h.Cfg.ModelHardware); err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	hook, err := CallbackURL(h.Cfg.WebhookURL(), h.Cfg.CallbackSecret, auth.KindTraining, m.ID)
	if err != nil {
		return err
	}
	destination := owner + "/" + name
	tr, err := h.Repl.CreateTraining(ctx, h.Cfg.TrainerModel, destination, TrainingInput(m, h.Cfg.TrainingSteps), hook)
	if err != nil {
		return fmt.Errorf("create training: %w", err)
	}
	logger := log.With().Str("model_id", m.ID.String()).Str("training_id", tr.ID).Logger()
	started, err := h.DB.SetTrainingStarted(ctx, m.ID, destination, tr.ID)
	if err != nil {
		if cerr := h.Repl.CancelTraining(ctx, tr.ID); cerr != nil {
			logger.Warn().Err(cerr).Msg("cancel orphaned training")
		}
		return err
	}
	if !started {
		if cur, err := h.DB.GetTrainedModel(ctx, m.ID); err == nil && cur.TrainingID != tr.ID {
			logger.Info().Str("recorded", cur.TrainingID).Msg("row follows another training, canceling duplicate")
			if cerr := h.Repl.CancelTraining(ctx, tr.ID); cerr != nil {
				logger.Warn().Err(cerr).Msg("cancel duplicate training")
			}
		}
		return h.Queue.EnqueueTrainPoll(ctx, m.ID, 1, trainPollInterval)
	}
	logger.Info().Str("destination", destination).Msg("training created")
	if _, err := h.Ingest.Training(ctx, ingest.FromTraining(tr, m.ID)); err != nil {
		logger.Warn().Err(err).Msg("ingest initial status")
	}
	return h.Queue.EnqueueTrainPoll(ctx, m.ID, 1, trainPollInterval)
}

func (h *Handlers) TrainPollHandler(ctx context.Context, t *asynq.Task) error {
	p, err := ParsePayload(t)
	if err != nil {
		return err
	}
	m, err := h.DB.GetTrainedModel(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("model %s: %v: %w", p.ID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	if err := h.DB.TouchTraining(ctx, m.ID); err != nil {
		return err
	}
	expired := h.clock().Sub(m.CreatedAt) > h.Cfg.TrainingTimeout
	if m.TrainingID == "" {
		if expired {
			return h.Ingest.FailTraining(ctx, m, msgTimedOut)
		}
		return h.Queue.EnqueueTrainStart(ctx, m.ID)
	}
	if h.Repl == nil {
		return h.Ingest.FailTraining(ctx, m, msgNotConfigured)
	}
	tr, err := h.Repl.GetTraining(ctx, m.TrainingID)
	if err != nil {
		return fmt.Errorf("get training: %w", err)
	}
	if _, err := h.Ingest.Training(ctx, ingest.FromTraining(tr, m.ID)); err != nil {
		return err
	}
	if to, ok := lifecycle.FromReplicate(string(tr.Status)); ok && to.Terminal() {
		return nil
	}
	if expired {
		if err := h.Repl.CancelTraining(ctx, m.TrainingID); err != nil {
			log.Warn().Err(err).Str("model_id", m.ID.String()).Msg("cancel timed out training")
		}
		return h.Ingest.FailTraining(ctx, m, msgTimedOut)
	}
	return h.Queue.EnqueueTrainPoll(ctx, m.ID, p.Seq+1, trainPollInterval)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Generations int   `json:"generations"`
	Trainings   int   `json:"trainings"`
	Pruned      int64 `json:"pruned_events"`
}

// Sweep re-polls open rows nobody has checked recently, covering lost tasks
// and dropped webhooks, and prunes old webhook events.
func (h *Handlers) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	// One seq per minute: a sweep never collides with itself across runs.
	seq := h.clock().Unix() / 60
	gens, err := h.DB.ListStaleGenerations(ctx, SweepStaleAfter, sweepBatch)
	if err != nil {
		return res, err
	}
	for _, g := range gens {
		if err := h.Queue.EnqueueGenerationPoll(ctx, g.ID, seq, 0); err != nil {
			return res, err
		}
		res.Generations++
	}
	models, err := h.DB.ListStaleTrainings(ctx, SweepStaleAfter, sweepBatch)
	if err != nil {
		return res, err
	}
	for _, m := range models {
		if err := h.Queue.EnqueueTrainPoll(ctx, m.ID, seq, 0); err != nil {
			return res, err
		}
		res.Trainings++
	}
	if res.Pruned, err = h.DB.PruneWebhookEvents(ctx, webhookEventsTTL); err != nil {
		log.Warn().Err(err).Msg("prune webhook events")
	}
	return res, nil
}

func (h *Handlers) SweepHandler(ctx context.Context, _ *asynq.Task) error {
	res, err := h.Sweep(ctx)
	if err != nil {
		return err
	}
	if res.Generations+res.Trainings > 0 || res.Pruned > 0 {
		log.Info().Int("generations", res.Generations).Int("trainings", res.Trainings).
			Int64("pruned", res.Pruned).Msg("sweep")
	}
	return nil
}

// IsFinalAttempt reports whether asynq will archive the task after this
// failure.
func IsFinalAttempt(retried, maxRetry int, err error) bool {
	return retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
}

// HandleError is the server's asynq.ErrorHandler. On a task's last attempt
// the row it worked on is dead-lettered: failed, flagged and refunded.
func (h *Handlers) HandleError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	final := IsFinalAttempt(retried, maxRetry, err)
	ev := log.Warn()
	if final {
		ev = log.Error()
	}
	ev.Err(err).Str("type", t.Type()).Int("retried", retried).Int("max_retry", maxRetry).
		Bool("dead_letter", final).Msg("task failed")
	if !final {
		return
	}
	p, perr := ParsePayload(t)
	if perr != nil {
		return
	}
	// The task context may be past its deadline already.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if derr := h.deadLetter(dctx, t.Type(), p.ID, err); derr != nil {
		log.Error().Err(derr).Str("type", t.Type()).Str("id", p.ID.String()).Msg("dead-letter")
	}
}

func (h *Handlers) deadLetter(ctx context.Context, typ string, id uuid.UUID, cause error) error {
	msg := "gave up after retries: " + cause.Error()
	switch typ {
	case TypeGenerationStart, TypeGenerationPoll:
		if g, err := h.DB.GetGeneration(ctx, id); err == nil && g.ReplicateID != "" && !g.Status.Terminal() && h.Repl != nil {
			_ = h.Repl.CancelPrediction(ctx, g.ReplicateID)
		}
		return h.Ingest.DeadLetterGeneration(ctx, id, msg)
	case TypeGenerationFinalize:
		// The generation itself succeeded; fall back to the vendor URLs so
		// the user still sees the result.
		g, err := h.DB.GetGeneration(ctx, id)
		if err != nil || len(g.Images) > 0 {
			return err
		}
		urls := replicate.OutputURLs(g.Output)
		if len(urls) == 0 {
			return nil
		}
		if err := h.DB.SetGenerationImages(ctx, id, urls); err != nil {
			return err
		}
		h.Ingest.Publish(ctx, g.UserID, stream.Event{Kind: stream.KindGeneration, ID: id, Status: g.Status, Images: urls})
		return nil
	case TypeTrainStart, TypeTrainPoll:
		if m, err := h.DB.GetTrainedModel(ctx, id); err == nil && m.TrainingID != "" && !m.Status.Terminal() && h.Repl != nil {
			_ = h.Repl.CancelTraining(ctx, m.TrainingID)
		}
		return h.Ingest.DeadLetterTraining(ctx, id, msg)
	}
	return nil
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeGenerationStart, h.GenerationStartHandler)
	mux.HandleFunc(TypeGenerationPoll, h.GenerationPollHandler)
	mux.HandleFunc(TypeGenerationFinalize, h.GenerationFinalizeHandler)
	mux.HandleFunc(TypeTrainStart, h.TrainStartHandler)
	mux.HandleFunc(TypeTrainPoll, h.TrainPollHandler)
	mux.HandleFunc(TypeSweep, h.SweepHandler)
}
