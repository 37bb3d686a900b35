package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoforge/backend/internal/config"
	"photoforge/backend/internal/ingest"
	"photoforge/backend/internal/lifecycle"
	"photoforge/backend/internal/store"
)

type worker struct {
	h     *Handlers
	db    *fakeDB
	repl  *fakeRepl
	sched *fakeScheduler
	pub   *fakePublisher
	now   time.Time
}

func newWorker() *worker {
	w := &worker{
		db:    newFakeDB(),
		repl:  &fakeRepl{nextID: "p1", status: map[string]string{}},
		sched: &fakeScheduler{},
		pub:   &fakePublisher{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	w.h = &Handlers{
		DB:     w.db,
		Cfg:    &config.Config{PendingTimeout: 10 * time.Minute, TrainingTimeout: 2 * time.Hour, CallbackSecret: "cb"},
		Repl:   w.repl,
		Queue:  w.sched,
		Ingest: &ingest.Ingestor{Store: w.db, Finalizer: w.sched, Publisher: w.pub},
		now:    func() time.Time { return w.now },
	}
	return w
}

// readyGeneration adds a queued generation on a trained model.
func (w *worker) readyGeneration() *store.Generation {
	m := &store.TrainedModel{ID: uuid.New(), Status: lifecycle.Succeeded, Version: "me/pf-1:abc"}
	w.db.models[m.ID] = m
	g := &store.Generation{ID: uuid.New(), UserID: uuid.New(), ModelID: m.ID, Prompt: "photo of TOK man",
		Status: lifecycle.Queued, CreatedAt: w.now.Add(-time.Minute)}
	w.db.gens[g.ID] = g
	return g
}

func (w *worker) start(t *testing.T, id uuid.UUID) error {
	t.Helper()
	task, err := NewGenerationStartTask(id)
	require.NoError(t, err)
	return w.h.GenerationStartHandler(context.Background(), task)
}

func (w *worker) poll(t *testing.T, id uuid.UUID, seq int64) error {
	t.Helper()
	task, err := NewGenerationPollTask(id, seq)
	require.NoError(t, err)
	return w.h.GenerationPollHandler(context.Background(), task)
}

func TestGenerationStartCreatesPrediction(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()

	require.NoError(t, w.start(t, g.ID))
	assert.Equal(t, []string{"p1"}, w.repl.created)
	assert.Equal(t, "p1", w.db.gens[g.ID].ReplicateID)
	assert.Empty(t, w.repl.canceled)
	assert.Equal(t, []enqueued{{TypeGenerationPoll, g.ID, 1, firstPollDelay}}, w.sched.calls)
}

func TestGenerationStartKeepsPredictionRecordedByWebhook(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	// The start webhook for p1 lands between create and record.
	w.db.beforeStart = func() {
		out, err := w.h.Ingest.Generation(context.Background(), ingest.Update{ReplicateID: "p1", Status: "processing", TargetID: g.ID})
		require.NoError(t, err)
		require.Equal(t, ingest.Applied, out)
	}

	require.NoError(t, w.start(t, g.ID))
	assert.Empty(t, w.repl.canceled)
	assert.Equal(t, "p1", w.db.gens[g.ID].ReplicateID)
	assert.Equal(t, lifecycle.Processing, w.db.gens[g.ID].Status)
	assert.Zero(t, w.db.refunded(store.ReasonGeneration, g.ID))
	assert.Equal(t, []enqueued{{TypeGenerationPoll, g.ID, 1, firstPollDelay}}, w.sched.calls)
}

func TestGenerationStartCancelsDuplicatePrediction(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	w.db.beforeStart = func() { w.db.gens[g.ID].ReplicateID = "p0" }

	require.NoError(t, w.start(t, g.ID))
	assert.Equal(t, []string{"p1"}, w.repl.canceled)
	assert.Equal(t, "p0", w.db.gens[g.ID].ReplicateID)
}

func TestGenerationStartRedeliveryOnlyPolls(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	g.ReplicateID = "p0"

	require.NoError(t, w.start(t, g.ID))
	assert.Empty(t, w.repl.created)
	assert.Equal(t, []enqueued{{TypeGenerationPoll, g.ID, 1, firstPollDelay}}, w.sched.calls)
}

func TestGenerationStartModelNotReady(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	w.db.models[g.ModelID].Status = lifecycle.Processing

	require.NoError(t, w.start(t, g.ID))
	assert.Empty(t, w.repl.created)
	assert.Equal(t, lifecycle.Failed, w.db.gens[g.ID].Status)
	assert.Equal(t, 1, w.db.refunded(store.ReasonGeneration, g.ID))
}

func TestGenerationPollReschedules(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	g.ReplicateID = "p1"
	w.repl.status["p1"] = "processing"

	require.NoError(t, w.poll(t, g.ID, 4))
	assert.Equal(t, lifecycle.Processing, w.db.gens[g.ID].Status)
	assert.Equal(t, 1, w.db.touched[g.ID])
	assert.Equal(t, []enqueued{{TypeGenerationPoll, g.ID, 5, pollInterval}}, w.sched.calls)
}

func TestGenerationPollTimesOut(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	g.ReplicateID = "p1"
	g.CreatedAt = w.now.Add(-11 * time.Minute)
	w.repl.status["p1"] = "processing"

	require.NoError(t, w.poll(t, g.ID, 9))
	assert.Equal(t, []string{"p1"}, w.repl.canceled)
	assert.Equal(t, lifecycle.Failed, w.db.gens[g.ID].Status)
	assert.Equal(t, msgTimedOut, w.db.gens[g.ID].Error)
	assert.Equal(t, 1, w.db.refunded(store.ReasonGeneration, g.ID))
	assert.Empty(t, w.sched.calls)
}

func TestGenerationPollSucceededEnqueuesFinalize(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	g.ReplicateID = "p1"
	w.repl.status["p1"] = "succeeded"

	require.NoError(t, w.poll(t, g.ID, 2))
	assert.Equal(t, lifecycle.Succeeded, w.db.gens[g.ID].Status)
	assert.Equal(t, []enqueued{{TypeGenerationFinalize, g.ID, 0, 0}}, w.sched.calls)
}

func TestGenerationFinalizeKeepsVendorURLsWithoutStorage(t *testing.T) {
	w := newWorker()
	capt := &fakeCaptioner{}
	w.h.Captioner = capt
	g := w.readyGeneration()
	g.Status = lifecycle.Succeeded
	g.Output = json.RawMessage(`["https://replicate.delivery/a.png","https://replicate.delivery/b.png"]`)

	task, err := NewGenerationFinalizeTask(g.ID)
	require.NoError(t, err)
	require.NoError(t, w.h.GenerationFinalizeHandler(context.Background(), task))
	assert.Equal(t, []string{"https://replicate.delivery/a.png", "https://replicate.delivery/b.png"}, w.db.gens[g.ID].Images)
	assert.Equal(t, []string{"https://replicate.delivery/a.png"}, capt.seen)
	assert.Equal(t, "a man in a studio", w.db.gens[g.ID].Caption)
	require.Len(t, w.pub.events, 1)
	assert.Len(t, w.pub.events[0].Images, 2)
}

func TestDeadLetterFinalizeFallsBackToVendorURLs(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	g.Status = lifecycle.Succeeded
	g.Output = json.RawMessage(`"https://replicate.delivery/a.png"`)

	require.NoError(t, w.h.deadLetter(context.Background(), TypeGenerationFinalize, g.ID, errors.New("bucket down")))
	assert.Equal(t, []string{"https://replicate.delivery/a.png"}, w.db.gens[g.ID].Images)
	assert.Equal(t, lifecycle.Succeeded, w.db.gens[g.ID].Status)
	assert.False(t, w.db.gens[g.ID].DeadLettered)
	require.Len(t, w.pub.events, 1)
}

func TestDeadLetterPollFailsAndRefunds(t *testing.T) {
	w := newWorker()
	g := w.readyGeneration()
	g.ReplicateID = "p1"
	g.Status = lifecycle.Processing

	require.NoError(t, w.h.deadLetter(context.Background(), TypeGenerationPoll, g.ID, errors.New("replicate 503")))
	assert.Equal(t, []string{"p1"}, w.repl.canceled)
	assert.True(t, w.db.gens[g.ID].DeadLettered)
	assert.Equal(t, lifecycle.Failed, w.db.gens[g.ID].Status)
	assert.Contains(t, w.db.gens[g.ID].Error, "replicate 503")
	assert.Equal(t, 1, w.db.refunded(store.ReasonGeneration, g.ID))
}

func TestTrainStartRecordRace(t *testing.T) {
	cases := map[string]struct {
		recorded string
		canceled []string
	}{
		"no race":             {recorded: "", canceled: nil},
		"same training":       {recorded: "t1", canceled: nil},
		"concurrent delivery": {recorded: "t0", canceled: []string{"t1"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := newWorker()
			w.h.Cfg.ReplicateUsername = "me"
			w.repl.nextID = "t1"
			m := &store.TrainedModel{ID: uuid.New(), Status: lifecycle.Queued, ZipURL: "https://cdn/x.zip", TriggerWord: "TOK"}
			w.db.models[m.ID] = m
			if tc.recorded != "" {
				w.db.beforeTrain = func() { m.TrainingID = tc.recorded }
			}

			task, err := NewTrainStartTask(m.ID)
			require.NoError(t, err)
			require.NoError(t, w.h.TrainStartHandler(context.Background(), task))
			assert.Equal(t, tc.canceled, w.repl.canceled)
			want := tc.recorded
			if want == "" {
				want = "t1"
				assert.Equal(t, "me/"+DestinationName(m.ID), m.ReplicateModel)
			}
			assert.Equal(t, want, m.TrainingID)
			assert.Equal(t, []enqueued{{TypeTrainPoll, m.ID, 1, trainPollInterval}}, w.sched.calls)
		})
	}
}

func TestSweepLeavesRetryingChainsAlone(t *testing.T) {
	// A poll waiting out its longest retry delay, plus its own run time,
	// still touches the row before the sweep calls it stale.
	longest := backoff(maxRetryPoll, 0.9999) + 30*time.Second
	assert.Greater(t, SweepStaleAfter, longest)

	w := newWorker()
	g := w.readyGeneration()
	res, err := w.h.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStaleAfter, w.db.staleAfter)
	assert.Equal(t, 1, res.Generations)
	assert.Equal(t, []enqueued{{TypeGenerationPoll, g.ID, w.now.Unix() / 60, 0}}, w.sched.calls)
}
