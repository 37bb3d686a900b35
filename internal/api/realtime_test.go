package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoforge/backend/internal/lifecycle"
	"photoforge/backend/internal/store"
	"photoforge/backend/internal/stream"
)

func TestStatusChanges(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	seen := map[uuid.UUID]lifecycle.Status{}

	evs := statusChanges(seen, []store.Generation{{ID: a, Status: lifecycle.Queued}})
	assert.Len(t, evs, 1)

	evs = statusChanges(seen, []store.Generation{
		{ID: a, Status: lifecycle.Queued},
		{ID: b, Status: lifecycle.Processing},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, b, evs[0].ID)

	evs = statusChanges(seen, []store.Generation{
		{ID: a, Status: lifecycle.Succeeded, Images: []string{"x.png"}},
		{ID: b, Status: lifecycle.Processing},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, a, evs[0].ID)
	assert.Equal(t, lifecycle.Succeeded, evs[0].Status)
	assert.Equal(t, []string{"x.png"}, evs[0].Images)
	assert.Equal(t, stream.KindGeneration, evs[0].Kind)
}

func TestWriteSSE(t *testing.T) {
	rec := httptest.NewRecorder()
	id := uuid.MustParse("8d1d5b8e-8a0e-4c43-9c59-0f5b1b1f3a11")
	require.NoError(t, writeSSE(rec, stream.Event{Kind: stream.KindTraining, ID: id, Status: lifecycle.Failed, Error: "boom"}))
	out := rec.Body.String()
	assert.True(t, strings.HasPrefix(out, "event: training\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "}\n\n"))
	assert.Contains(t, out, `"error":"boom"`)
}

func TestUpgraderOrigins(t *testing.T) {
	s := testServer()
	up := s.upgrader()
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, up.CheckOrigin(req("https://app.example.com")))
	assert.True(t, up.CheckOrigin(req("")))
	assert.False(t, up.CheckOrigin(req("https://evil.example")))

	s.Cfg.CORSOrigins = ""
	assert.True(t, s.upgrader().CheckOrigin(req("https://evil.example")))
}

func TestGrantRequestValidate(t *testing.T) {
	assert.NoError(t, grantRequest{Amount: 50}.validate())
	assert.Error(t, grantRequest{Amount: 0}.validate())
	assert.Error(t, grantRequest{Amount: maxGrant + 1}.validate())
	assert.Error(t, grantRequest{Amount: 5, Ref: strings.Repeat("r", 129)}.validate())
}

func TestToDeadLetter(t *testing.T) {
	dl := toDeadLetter(&asynq.TaskInfo{ID: "generation:poll:x:3", Queue: "default", Type: "generation:poll", Payload: []byte(`{"id":"x"}`), LastErr: "boom", Retried: 30})
	assert.Equal(t, "generation:poll", dl.Type)
	assert.Equal(t, `{"id":"x"}`, dl.Payload)
	assert.Equal(t, 30, dl.Retried)
}

func TestAdminWithoutInspector(t *testing.T) {
	rec := httptest.NewRecorder()
	testServer().adminListDeadLetters(rec, httptest.NewRequest(http.MethodGet, "/api/admin/dead-letters", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
