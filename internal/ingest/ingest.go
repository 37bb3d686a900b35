// Package ingest applies Replicate status updates to generations and
// trainings. Webhooks and polls both funnel through here, so the same update
// seen twice, or seen out of order, changes nothing the second time.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	repgo "github.com/replicate/replicate-go"
	"github.com/rs/zerolog/log"

	"photoforge/backend/internal/lifecycle"
	"photoforge/backend/internal/replicate"
	"photoforge/backend/internal/store"
	"photoforge/backend/internal/stream"
)

// Outcome reports what an update did.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Ignored   Outcome = "ignored"
)

// Update is a vendor-neutral view of a prediction or training.
type Update struct {
	ReplicateID string
	Status      string
	Output      interface{}
	Error       interface{}
	// TargetID is the row named by the callback token or the polling task.
	// It lets an update land before the row has learned its replicate id.
	TargetID uuid.UUID
}

func FromPrediction(p *repgo.Prediction, target uuid.UUID) Update {
	return Update{ReplicateID: p.ID, Status: string(p.Status), Output: p.Output, Error: p.Error, TargetID: target}
}

func FromTraining(t *repgo.Training, target uuid.UUID) Update {
	return Update{ReplicateID: t.ID, Status: string(t.Status), Output: t.Output, Error: t.Error, TargetID: target}
}

// Store is the persistence the ingestor needs; *store.DB implements it.
type Store interface {
	RecordWebhookEvent(ctx context.Context, replicateID, status string) (bool, error)
	ForgetWebhookEvent(ctx context.Context, replicateID, status string) error
	Refund(ctx context.Context, reason, refID string) (int, error)

	GetGeneration(ctx context.Context, id uuid.UUID) (*store.Generation, error)
	GenerationByReplicateID(ctx context.Context, replicateID string) (*store.Generation, error)
	SetPredictionStarted(ctx context.Context, id uuid.UUID, replicateID string) (bool, error)
	ApplyGenerationStatus(ctx context.Context, id uuid.UUID, to lifecycle.Status, output json.RawMessage, errMsg string) (bool, error)
	MarkGenerationDeadLettered(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)

	GetTrainedModel(ctx context.Context, id uuid.UUID) (*store.TrainedModel, error)
	TrainedModelByTrainingID(ctx context.Context, trainingID string) (*store.TrainedModel, error)
	SetTrainingStarted(ctx context.Context, id uuid.UUID, replicateModel, trainingID string) (bool, error)
	ApplyTrainingStatus(ctx context.Context, id uuid.UUID, to lifecycle.Status, version, errMsg string) (bool, error)
	MarkTrainingDeadLettered(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
}

// Finalizer schedules post-processing of a succeeded generation.
type Finalizer interface {
	EnqueueFinalize(ctx context.Context, generationID uuid.UUID) error
}

// Publisher pushes events to the owning user.
type Publisher interface {
	PublishUser(ctx context.Context, userID uuid.UUID, ev stream.Event) error
}

// Invalidator drops cached per-user views.
type Invalidator interface {
	Delete(ctx context.Context, keys ...string) error
}

type Ingestor struct {
	Store     Store
	Finalizer Finalizer
	Publisher Publisher   // optional
	Cache     Invalidator // optional
	// ModelsKey names the cached model list of a user.
	ModelsKey func(userID string) string
}

// Generation applies a prediction update.
func (in *Ingestor) Generation(ctx context.Context, u Update) (Outcome, error) {
	to, ok := lifecycle.FromReplicate(u.Status)
	if !ok || u.ReplicateID == "" {
		return Ignored, nil
	}
	g, err := in.generationFor(ctx, u)
	if errors.Is(err, store.ErrNotFound) {
		return Ignored, nil
	}
	if err != nil {
		return "", err
	}
	if g.ReplicateID != u.ReplicateID {
		// An earlier attempt's prediction; the row follows a newer one.
		return Ignored, nil
	}

	fresh, err := in.Store.RecordWebhookEvent(ctx, u.ReplicateID, string(to))
	if err != nil {
		return "", err
	}
	if !fresh {
		return Duplicate, nil
	}
	outcome, err := in.applyGeneration(ctx, g, to, u)
	if err != nil {
		// Let the next delivery or poll try again.
		if ferr := in.Store.ForgetWebhookEvent(ctx, u.ReplicateID, string(to)); ferr != nil {
			log.Error().Err(ferr).Str("replicate_id", u.ReplicateID).Msg("ingest: forget event")
		}
		return "", err
	}
	return outcome, nil
}

func (in *Ingestor) generationFor(ctx context.Context, u Update) (*store.Generation, error) {
	if u.TargetID == uuid.Nil {
		return in.Store.GenerationByReplicateID(ctx, u.ReplicateID)
	}
	g, err := in.Store.GetGeneration(ctx, u.TargetID)
	if err != nil {
		return nil, err
	}
	if g.ReplicateID == "" {
		// The start webhook can beat the start task's own write.
		if _, err := in.Store.SetPredictionStarted(ctx, g.ID, u.ReplicateID); err != nil {
			return nil, err
		}
		return in.Store.GetGeneration(ctx, u.TargetID)
	}
	return g, nil
}

func (in *Ingestor) applyGeneration(ctx context.Context, g *store.Generation, to lifecycle.Status, u Update) (Outcome, error) {
	var output json.RawMessage
	if to == lifecycle.Succeeded && u.Output != nil {
		b, err := json.Marshal(u.Output)
		if err != nil {
			return "", err
		}
		output = b
	}
	errMsg := ""
	if to == lifecycle.Failed || to == lifecycle.Canceled {
		errMsg = replicate.ErrorText(u.Error)
		if errMsg == "" && to == lifecycle.Canceled {
			errMsg = "canceled"
		}
	}
	changed, err := in.Store.ApplyGenerationStatus(ctx, g.ID, to, output, errMsg)
	if err != nil {
		return "", err
	}
	if !changed {
		// Late or out-of-order event: the row has already moved on. A
		// succeeded row whose finalize was lost gets another one.
		if to == lifecycle.Succeeded && g.Status == lifecycle.Succeeded && len(g.Images) == 0 && in.Finalizer != nil {
			return Ignored, in.Finalizer.EnqueueFinalize(ctx, g.ID)
		}
		return Ignored, nil
	}
	logger := log.With().Str("generation_id", g.ID.String()).Str("replicate_id", u.ReplicateID).Logger()
	logger.Info().Str("status", string(to)).Msg("generation status")

	switch to {
	case lifecycle.Succeeded:
		if in.Finalizer != nil {
			if err := in.Finalizer.EnqueueFinalize(ctx, g.ID); err != nil {
				return "", fmt.Errorf("enqueue finalize: %w", err)
			}
		}
	case lifecycle.Failed, lifecycle.Canceled:
		in.refund(ctx, store.ReasonGeneration, g.ID)
	}
	in.publish(ctx, g.UserID, stream.Event{Kind: stream.KindGeneration, ID: g.ID, Status: to, Error: errMsg})
	return Applied, nil
}

// Training applies a training update.
func (in *Ingestor) Training(ctx context.Context, u Update) (Outcome, error) {
	to, ok := lifecycle.FromReplicate(u.Status)
	if !ok || u.ReplicateID == "" {
		return Ignored, nil
	}
	m, err := in.trainingFor(ctx, u)
	if errors.Is(err, store.ErrNotFound) {
		return Ignored, nil
	}
	if err != nil {
		return "", err
	}
	if m.TrainingID != u.ReplicateID {
		return Ignored, nil
	}
	fresh, err := in.Store.RecordWebhookEvent(ctx, u.ReplicateID, string(to))
	if err != nil {
		return "", err
	}
	if !fresh {
		return Duplicate, nil
	}
	outcome, err := in.applyTraining(ctx, m, to, u)
	if err != nil {
		if ferr := in.Store.ForgetWebhookEvent(ctx, u.ReplicateID, string(to)); ferr != nil {
			log.Error().Err(ferr).Str("replicate_id", u.ReplicateID).Msg("ingest: forget event")
		}
		return "", err
	}
	return outcome, nil
}

func (in *Ingestor) trainingFor(ctx context.Context, u Update) (*store.TrainedModel, error) {
	if u.TargetID == uuid.Nil {
		return in.Store.TrainedModelByTrainingID(ctx, u.ReplicateID)
	}
	m, err := in.Store.GetTrainedModel(ctx, u.TargetID)
	if err != nil {
		return nil, err
	}
	if m.TrainingID == "" {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (in *Ingestor) applyTraining(ctx context.Context, m *store.TrainedModel, to lifecycle.Status, u Update) (Outcome, error) {
	version, errMsg := "", ""
	switch to {
	case lifecycle.Succeeded:
		version = replicate.TrainingVersion(u.Output)
		if version == "" {
			to, errMsg = lifecycle.Failed, "training finished without a model version"
		}
	case lifecycle.Failed, lifecycle.Canceled:
		errMsg = replicate.ErrorText(u.Error)
	}
	changed, err := in.Store.ApplyTrainingStatus(ctx, m.ID, to, version, errMsg)
	if err != nil || !changed {
		return Ignored, err
	}
	log.Info().Str("model_id", m.ID.String()).Str("replicate_id", u.ReplicateID).
		Str("status", string(to)).Msg("training status")
	if to == lifecycle.Failed || to == lifecycle.Canceled {
		in.refund(ctx, store.ReasonTraining, m.ID)
	}
	in.invalidate(ctx, m.UserID)
	in.publish(ctx, m.UserID, stream.Event{Kind: stream.KindTraining, ID: m.ID, Status: to, Error: errMsg})
	return Applied, nil
}

// FailGeneration fails an open generation from our side (timeout, start
// error), refunding and notifying. A row that already finished is left alone.
func (in *Ingestor) FailGeneration(ctx context.Context, g *store.Generation, msg string) error {
	return in.closeGeneration(ctx, g, lifecycle.Failed, msg)
}

// CancelGeneration cancels a generation that never reached Replicate.
func (in *Ingestor) CancelGeneration(ctx context.Context, g *store.Generation, msg string) error {
	return in.closeGeneration(ctx, g, lifecycle.Canceled, msg)
}

func (in *Ingestor) closeGeneration(ctx context.Context, g *store.Generation, to lifecycle.Status, msg string) error {
	changed, err := in.Store.ApplyGenerationStatus(ctx, g.ID, to, nil, msg)
	if err != nil || !changed {
		return err
	}
	in.refund(ctx, store.ReasonGeneration, g.ID)
	in.publish(ctx, g.UserID, stream.Event{Kind: stream.KindGeneration, ID: g.ID, Status: to, Error: msg})
	return nil
}

func (in *Ingestor) FailTraining(ctx context.Context, m *store.TrainedModel, msg string) error {
	changed, err := in.Store.ApplyTrainingStatus(ctx, m.ID, lifecycle.Failed, "", msg)
	if err != nil || !changed {
		return err
	}
	in.refund(ctx, store.ReasonTraining, m.ID)
	in.invalidate(ctx, m.UserID)
	in.publish(ctx, m.UserID, stream.Event{Kind: stream.KindTraining, ID: m.ID, Status: lifecycle.Failed, Error: msg})
	return nil
}

// DeadLetterGeneration flags a generation whose task ran out of retries.
func (in *Ingestor) DeadLetterGeneration(ctx context.Context, id uuid.UUID, msg string) error {
	changed, err := in.Store.MarkGenerationDeadLettered(ctx, id, msg)
	if err != nil || !changed {
		return err
	}
	g, err := in.Store.GetGeneration(ctx, id)
	if err != nil {
		return err
	}
	in.refund(ctx, store.ReasonGeneration, id)
	in.publish(ctx, g.UserID, stream.Event{Kind: stream.KindGeneration, ID: id, Status: lifecycle.Failed, Error: msg})
	return nil
}

func (in *Ingestor) DeadLetterTraining(ctx context.Context, id uuid.UUID, msg string) error {
	changed, err := in.Store.MarkTrainingDeadLettered(ctx, id, msg)
	if err != nil || !changed {
		return err
	}
	m, err := in.Store.GetTrainedModel(ctx, id)
	if err != nil {
		return err
	}
	in.refund(ctx, store.ReasonTraining, id)
	in.invalidate(ctx, m.UserID)
	in.publish(ctx, m.UserID, stream.Event{Kind: stream.KindTraining, ID: id, Status: lifecycle.Failed, Error: msg})
	return nil
}

// Publish forwards an event, logging failures; events are best effort.
func (in *Ingestor) Publish(ctx context.Context, userID uuid.UUID, ev stream.Event) {
	in.publish(ctx, userID, ev)
}

func (in *Ingestor) refund(ctx context.Context, reason string, id uuid.UUID) {
	n, err := in.Store.Refund(ctx, reason, id.String())
	if err != nil {
		// Refund is keyed by (reason, id); the dead-letter path or an admin
		// can replay it.
		log.Error().Err(err).Str("reason", reason).Str("ref_id", id.String()).Msg("refund failed")
		return
	}
	if n > 0 {
		log.Info().Str("reason", reason).Str("ref_id", id.String()).Int("credits", n).Msg("refunded")
	}
}

func (in *Ingestor) publish(ctx context.Context, userID uuid.UUID, ev stream.Event) {
	if in.Publisher == nil {
		return
	}
	if err := in.Publisher.PublishUser(ctx, userID, ev); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("publish event")
	}
}

func (in *Ingestor) invalidate(ctx context.Context, userID uuid.UUID) {
	if in.Cache == nil || in.ModelsKey == nil {
		return
	}
	_ = in.Cache.Delete(ctx, in.ModelsKey(userID.String()))
}
