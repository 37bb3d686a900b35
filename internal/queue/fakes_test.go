package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	repgo "github.com/replicate/replicate-go"

	"photoforge/backend/internal/lifecycle"
	"photoforge/backend/internal/store"
	"photoforge/backend/internal/stream"
)

// fakeDB serves both the task handlers and the ingestor they drive.
type fakeDB struct {
	gens    map[uuid.UUID]*store.Generation
	models  map[uuid.UUID]*store.TrainedModel
	events  map[string]bool
	refunds map[string]int
	touched map[uuid.UUID]int

	staleAfter time.Duration
	// beforeStart and beforeTrain run once, ahead of the next
	// SetPredictionStarted or SetTrainingStarted write.
	beforeStart func()
	beforeTrain func()
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		gens:    map[uuid.UUID]*store.Generation{},
		models:  map[uuid.UUID]*store.TrainedModel{},
		events:  map[string]bool{},
		refunds: map[string]int{},
		touched: map[uuid.UUID]int{},
	}
}

func (f *fakeDB) GetGeneration(_ context.Context, id uuid.UUID) (*store.Generation, error) {
	g, ok := f.gens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeDB) GenerationByReplicateID(_ context.Context, rid string) (*store.Generation, error) {
	for _, g := range f.gens {
		if g.ReplicateID == rid {
			cp := *g
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) SetPredictionStarted(_ context.Context, id uuid.UUID, rid string) (bool, error) {
	if hook := f.beforeStart; hook != nil {
		f.beforeStart = nil
		hook()
	}
	g, ok := f.gens[id]
	if !ok || g.ReplicateID != "" || g.Status.Terminal() {
		return false, nil
	}
	g.ReplicateID = rid
	g.Attempts++
	return true, nil
}

func (f *fakeDB) ApplyGenerationStatus(_ context.Context, id uuid.UUID, to lifecycle.Status, output json.RawMessage, errMsg string) (bool, error) {
	g, ok := f.gens[id]
	if !ok || !lifecycle.CanTransition(g.Status, to) {
		return false, nil
	}
	g.Status = to
	if len(output) > 0 {
		g.Output = output
	}
	if errMsg != "" {
		g.Error = errMsg
	}
	return true, nil
}

func (f *fakeDB) SetGenerationImages(_ context.Context, id uuid.UUID, images []string) error {
	f.gens[id].Images = images
	return nil
}

func (f *fakeDB) SetGenerationCaption(_ context.Context, id uuid.UUID, caption string) error {
	f.gens[id].Caption = caption
	return nil
}

func (f *fakeDB) MarkGenerationDeadLettered(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	if g, ok := f.gens[id]; ok {
		g.DeadLettered = true
	}
	return f.ApplyGenerationStatus(ctx, id, lifecycle.Failed, nil, errMsg)
}

func (f *fakeDB) TouchGeneration(_ context.Context, id uuid.UUID) error {
	f.touched[id]++
	return nil
}

func (f *fakeDB) ListStaleGenerations(_ context.Context, olderThan time.Duration, _ int) ([]store.Generation, error) {
	f.staleAfter = olderThan
	var out []store.Generation
	for _, g := range f.gens {
		if !g.Status.Terminal() {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (f *fakeDB) GetTrainedModel(_ context.Context, id uuid.UUID) (*store.TrainedModel, error) {
	m, ok := f.models[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeDB) TrainedModelByTrainingID(_ context.Context, tid string) (*store.TrainedModel, error) {
	for _, m := range f.models {
		if m.TrainingID == tid {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) SetTrainingStarted(_ context.Context, id uuid.UUID, replicateModel, tid string) (bool, error) {
	if hook := f.beforeTrain; hook != nil {
		f.beforeTrain = nil
		hook()
	}
	m, ok := f.models[id]
	if !ok || m.TrainingID != "" || m.Status.Terminal() {
		return false, nil
	}
	m.ReplicateModel, m.TrainingID = replicateModel, tid
	return true, nil
}

func (f *fakeDB) ApplyTrainingStatus(_ context.Context, id uuid.UUID, to lifecycle.Status, version, errMsg string) (bool, error) {
	m, ok := f.models[id]
	if !ok || !lifecycle.CanTransition(m.Status, to) {
		return false, nil
	}
	m.Status = to
	if version != "" {
		m.Version = version
	}
	if errMsg != "" {
		m.Error = errMsg
	}
	return true, nil
}

func (f *fakeDB) MarkTrainingDeadLettered(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	if m, ok := f.models[id]; ok {
		m.DeadLettered = true
	}
	return f.ApplyTrainingStatus(ctx, id, lifecycle.Failed, "", errMsg)
}

func (f *fakeDB) TouchTraining(_ context.Context, id uuid.UUID) error {
	f.touched[id]++
	return nil
}

func (f *fakeDB) ListStaleTrainings(_ context.Context, olderThan time.Duration, _ int) ([]store.TrainedModel, error) {
	f.staleAfter = olderThan
	var out []store.TrainedModel
	for _, m := range f.models {
		if !m.Status.Terminal() {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeDB) PruneWebhookEvents(context.Context, time.Duration) (int64, error) { return 0, nil }

func (f *fakeDB) RecordWebhookEvent(_ context.Context, rid, status string) (bool, error) {
	k := rid + "/" + status
	if f.events[k] {
		return false, nil
	}
	f.events[k] = true
	return true, nil
}

func (f *fakeDB) ForgetWebhookEvent(_ context.Context, rid, status string) error {
	delete(f.events, rid+"/"+status)
	return nil
}

func (f *fakeDB) Refund(_ context.Context, reason, refID string) (int, error) {
	k := reason + "/" + refID
	f.refunds[k]++
	if f.refunds[k] > 1 {
		return 0, nil
	}
	return 1, nil
}

func (f *fakeDB) refunded(reason string, id uuid.UUID) int {
	return f.refunds[reason+"/"+id.String()]
}

type fakeRepl struct {
	nextID   string
	status   map[string]string
	created  []string
	canceled []string
}

func (r *fakeRepl) CreatePrediction(_ context.Context, _ string, _ map[string]interface{}, _ string) (*repgo.Prediction, error) {
	r.created = append(r.created, r.nextID)
	return &repgo.Prediction{ID: r.nextID, Status: repgo.Status("starting")}, nil
}

func (r *fakeRepl) GetPrediction(_ context.Context, id string) (*repgo.Prediction, error) {
	return &repgo.Prediction{ID: id, Status: repgo.Status(r.status[id])}, nil
}

func (r *fakeRepl) CancelPrediction(_ context.Context, id string) error {
	r.canceled = append(r.canceled, id)
	return nil
}

func (r *fakeRepl) CreateModel(context.Context, string, string, string) error { return nil }

func (r *fakeRepl) CreateTraining(_ context.Context, _, _ string, _ map[string]interface{}, _ string) (*repgo.Training, error) {
	r.created = append(r.created, r.nextID)
	return &repgo.Training{ID: r.nextID, Status: repgo.Status("starting")}, nil
}

func (r *fakeRepl) GetTraining(_ context.Context, id string) (*repgo.Training, error) {
	return &repgo.Training{ID: id, Status: repgo.Status(r.status[id])}, nil
}

func (r *fakeRepl) CancelTraining(_ context.Context, id string) error {
	r.canceled = append(r.canceled, id)
	return nil
}

type enqueued struct {
	typ   string
	id    uuid.UUID
	seq   int64
	delay time.Duration
}

type fakeScheduler struct{ calls []enqueued }

func (s *fakeScheduler) add(typ string, id uuid.UUID, seq int64, delay time.Duration) error {
	s.calls = append(s.calls, enqueued{typ, id, seq, delay})
	return nil
}

func (s *fakeScheduler) EnqueueGenerationStart(_ context.Context, id uuid.UUID) error {
	return s.add(TypeGenerationStart, id, 0, 0)
}

func (s *fakeScheduler) EnqueueGenerationPoll(_ context.Context, id uuid.UUID, seq int64, delay time.Duration) error {
	return s.add(TypeGenerationPoll, id, seq, delay)
}

func (s *fakeScheduler) EnqueueFinalize(_ context.Context, id uuid.UUID) error {
	return s.add(TypeGenerationFinalize, id, 0, 0)
}

func (s *fakeScheduler) EnqueueTrainStart(_ context.Context, id uuid.UUID) error {
	return s.add(TypeTrainStart, id, 0, 0)
}

func (s *fakeScheduler) EnqueueTrainPoll(_ context.Context, id uuid.UUID, seq int64, delay time.Duration) error {
	return s.add(TypeTrainPoll, id, seq, delay)
}

type fakePublisher struct{ events []stream.Event }

func (p *fakePublisher) PublishUser(_ context.Context, _ uuid.UUID, ev stream.Event) error {
	p.events = append(p.events, ev)
	return nil
}

type fakeCaptioner struct{ seen []string }

func (c *fakeCaptioner) Caption(_ context.Context, imageURL string) (string, error) {
	c.seen = append(c.seen, imageURL)
	return "a man in a studio", nil
}
