package api

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoforge/backend/internal/lifecycle"
	"photoforge/backend/internal/reconcile"
	"photoforge/backend/internal/store"
)

func TestGenerationRequestNormalize(t *testing.T) {
	model := uuid.New()
	req := generationRequest{ModelID: model, Prompt: "  photo of TOK man ", Settings: map[string]string{"lighting": "studio"}}
	require.NoError(t, req.normalize())
	assert.Equal(t, "photo of TOK man, studio lighting", req.Prompt)
	assert.Equal(t, 1, req.NumOutputs)
	assert.Equal(t, "1:1", req.AspectRatio)

	req = generationRequest{ModelID: model, Settings: map[string]string{"mood": "smiling"}}
	require.NoError(t, req.normalize())
	assert.Equal(t, "warm smile", req.Prompt)
	assert.NotNil(t, req.Settings)
}

func TestGenerationRequestRejects(t *testing.T) {
	model := uuid.New()
	cases := map[string]generationRequest{
		"no model":       {Prompt: "x"},
		"empty prompt":   {ModelID: model},
		"too many":       {ModelID: model, Prompt: "x", NumOutputs: 5},
		"negative":       {ModelID: model, Prompt: "x", NumOutputs: -1},
		"aspect":         {ModelID: model, Prompt: "x", AspectRatio: "7:3"},
		"unknown group":  {ModelID: model, Prompt: "x", Settings: map[string]string{"weather": "rain"}},
		"unknown option": {ModelID: model, Prompt: "x", Settings: map[string]string{"lighting": "neon"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, req.normalize())
		})
	}
}

func TestSyncPieces(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done, running := uuid.New(), uuid.New()
	rows := []store.Generation{
		{ID: done, Status: lifecycle.Succeeded, Images: []string{"https://cdn/a.png"}, UpdatedAt: now},
		{ID: running, Status: lifecycle.Processing, UpdatedAt: now},
	}
	pending := []reconcile.Pending{
		{ID: done.String(), StartedAt: now.Add(-time.Minute)},
		{ID: running.String(), StartedAt: now.Add(-time.Minute)},
		{ID: "not-a-uuid", StartedAt: now.Add(-time.Hour)},
	}

	ids := parseIDs(reconcile.IDs(pending))
	assert.ElementsMatch(t, []uuid.UUID{done, running}, ids)

	res := reconcile.Reconcile(pending, toRecords(rows), now, 10*time.Minute)
	require.Len(t, res.Completed, 1)
	assert.Equal(t, done.String(), res.Completed[0].ID)
	assert.Equal(t, []string{"https://cdn/a.png"}, res.Completed[0].Images)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, running.String(), res.Pending[0].ID)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, "not-a-uuid", res.Expired[0].ID)
}

func TestSyncResultMergesHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := uuid.NewString()
	pending := []reconcile.Pending{{ID: done, StartedAt: now.Add(-time.Minute)}}
	records := []reconcile.Record{{ID: done, Status: lifecycle.Succeeded, Images: []string{"b.png"}, UpdatedAt: now}}
	history := []reconcile.Record{
		{ID: "old", Status: lifecycle.Succeeded, UpdatedAt: now.Add(-time.Hour)},
		{ID: done, Status: lifecycle.Processing, UpdatedAt: now.Add(-time.Minute)},
	}

	res := syncResult(pending, history, records, now, 10*time.Minute)
	require.Len(t, res.History, 2)
	assert.Equal(t, done, res.History[0].ID)
	assert.Equal(t, lifecycle.Succeeded, res.History[0].Status)
	assert.Equal(t, "old", res.History[1].ID)

	assert.Nil(t, syncResult(pending, nil, records, now, 10*time.Minute).History)
}
