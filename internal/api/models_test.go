package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoforge/backend/internal/archive"
	"photoforge/backend/internal/store"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{7}, 64)...)

func TestTrainingRequestValidate(t *testing.T) {
	req := trainingRequest{Name: " Me "}
	require.NoError(t, req.validate())
	assert.Equal(t, "Me", req.Name)
	assert.Equal(t, defaultSubject, req.Subject)
	assert.Equal(t, defaultTrigger, req.TriggerWord)

	for name, bad := range map[string]trainingRequest{
		"no name":       {},
		"long name":     {Name: string(bytes.Repeat([]byte("n"), 65))},
		"subject chars": {Name: "x", Subject: "man!"},
		"two words":     {Name: "x", TriggerWord: "ohw ohw"},
		"short trigger": {Name: "x", TriggerWord: "a"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, bad.validate())
		})
	}
}

func multipartRequest(t *testing.T, fields map[string]string, files int, dataURLs int) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for i := 0; i < files; i++ {
		fw, err := mw.CreateFormFile("files[]", fmt.Sprintf("IMG_%d.png", i))
		require.NoError(t, err)
		_, err = fw.Write(pngBytes)
		require.NoError(t, err)
	}
	for i := 0; i < dataURLs; i++ {
		require.NoError(t, mw.WriteField("images[]", "data:image/png;base64,"+base64.StdEncoding.EncodeToString(pngBytes)))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/models", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestReadTrainingRequestMultipart(t *testing.T) {
	r := multipartRequest(t, map[string]string{"name": "Me", "subject": "man", "trigger_word": "ohwx"}, 3, 2)
	req, images, err := readTrainingRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "Me", req.Name)
	assert.Equal(t, "man", req.Subject)
	assert.Equal(t, "ohwx", req.TriggerWord)
	assert.Len(t, images, 5)

	bundle, err := buildBundle(images)
	require.NoError(t, err)
	assert.NotEmpty(t, bundle)
}

func TestReadTrainingRequestJSON(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString(pngBytes)
	body, _ := json.Marshal(trainingRequest{Name: "Me", Images: []string{enc, "data:image/png;base64," + enc}})
	r := httptest.NewRequest(http.MethodPost, "/api/models", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	_, images, err := readTrainingRequest(r)
	require.NoError(t, err)
	assert.Len(t, images, 2)

	r = httptest.NewRequest(http.MethodPost, "/api/models", bytes.NewReader([]byte(`{"name":"Me","images":["%%%"]}`)))
	_, _, err = readTrainingRequest(r)
	assert.ErrorIs(t, err, archive.ErrInvalidDataURL)
}

func TestBuildBundleLimits(t *testing.T) {
	img := namedImage{name: "a.png", data: pngBytes}
	_, err := buildBundle([]namedImage{img, img, img})
	assert.Error(t, err)

	many := make([]namedImage, maxTrainingImages+1)
	for i := range many {
		many[i] = img
	}
	_, err = buildBundle(many)
	assert.Error(t, err)

	_, err = buildBundle([]namedImage{img, img, img, {name: "notes.txt", data: []byte("hello there")}})
	assert.ErrorIs(t, err, archive.ErrUnsupportedType)
}

func TestCreateModelRejectsBeforeStorage(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.createModel(rec, multipartRequest(t, map[string]string{"name": "Me"}, 2, 0))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.createModel(rec, multipartRequest(t, map[string]string{"name": "Me"}, 4, 0))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type bucket struct {
	objects map[string][]byte
	putErr  error
}

func (b *bucket) Put(_ context.Context, key string, body io.Reader, _ string) error {
	if b.putErr != nil {
		return b.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.objects[key] = data
	return nil
}

func (b *bucket) Delete(_ context.Context, key string) error {
	delete(b.objects, key)
	return nil
}

func (b *bucket) URL(key string) string { return "https://cdn.test/" + key }

func TestStoreBundle(t *testing.T) {
	ctx := context.Background()
	key := "trainings/u1/b1.zip"

	b := &bucket{objects: map[string][]byte{}}
	var got string
	require.NoError(t, storeBundle(ctx, b, key, []byte("zip"), func(zipURL string) error {
		got = zipURL
		return nil
	}))
	assert.Equal(t, "https://cdn.test/"+key, got)
	assert.Contains(t, b.objects, key)

	// A debit that fails after the upload leaves no orphaned bundle.
	b = &bucket{objects: map[string][]byte{}}
	err := storeBundle(ctx, b, key, []byte("zip"), func(string) error { return store.ErrInsufficientCredits })
	assert.ErrorIs(t, err, store.ErrInsufficientCredits)
	assert.Empty(t, b.objects)

	b = &bucket{objects: map[string][]byte{}, putErr: errors.New("bucket offline")}
	called := false
	err = storeBundle(ctx, b, key, []byte("zip"), func(string) error { called = true; return nil })
	assert.ErrorIs(t, err, errUpload)
	assert.False(t, called)
}
