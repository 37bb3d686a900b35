package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"photoforge/backend/internal/store"
)

type fakeVerifier struct {
	id  uuid.UUID
	err error
}

func (f fakeVerifier) Verify(token string) (uuid.UUID, string, error) {
	if f.err != nil || token != "good" {
		return uuid.Nil, "", errors.New("bad token")
	}
	return f.id, "a@b.c", nil
}

type fakeUsers struct {
	upserted []uuid.UUID
	admin    map[uuid.UUID]bool
	err      error
}

func (f *fakeUsers) UpsertUser(_ context.Context, id uuid.UUID, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, id)
	return nil
}

func (f *fakeUsers) UserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	return &store.User{ID: id, IsAdmin: f.admin[id]}, nil
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	id, _ := UserID(r.Context())
	w.Write([]byte(id.String()))
}

func TestSupabaseAuth(t *testing.T) {
	id := uuid.New()
	users := &fakeUsers{}
	h := SupabaseAuth(fakeVerifier{id: id}, users)(http.HandlerFunc(echoUser))

	cases := []struct {
		name   string
		method string
		target string
		header string
		code   int
	}{
		{"missing", http.MethodGet, "/api/me", "", http.StatusUnauthorized},
		{"not bearer", http.MethodGet, "/api/me", "Basic xyz", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/me", "Bearer nope", http.StatusUnauthorized},
		{"good", http.MethodGet, "/api/me", "Bearer good", http.StatusOK},
		{"query token on GET", http.MethodGet, "/api/stream?token=good", "", http.StatusOK},
		{"query token on POST", http.MethodPost, "/api/generations?token=good", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, id.String(), rec.Body.String())
			}
		})
	}
	assert.Len(t, users.upserted, 2)
}

func TestSupabaseAuthUpsertFailure(t *testing.T) {
	h := SupabaseAuth(fakeVerifier{id: uuid.New()}, &fakeUsers{err: errors.New("down")})(http.HandlerFunc(echoUser))
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequireAdmin(t *testing.T) {
	admin, user := uuid.New(), uuid.New()
	h := RequireAdmin(&fakeUsers{admin: map[uuid.UUID]bool{admin: true}})(http.HandlerFunc(echoUser))

	run := func(ctx context.Context) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/dead-letters", nil).WithContext(ctx))
		return rec.Code
	}
	assert.Equal(t, http.StatusUnauthorized, run(context.Background()))
	assert.Equal(t, http.StatusForbidden, run(WithUser(context.Background(), user, "")))
	assert.Equal(t, http.StatusOK, run(WithUser(context.Background(), admin, "")))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2)(http.HandlerFunc(echoUser))
	a, b := uuid.New(), uuid.New()
	call := func(id uuid.UUID) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		h.ServeHTTP(rec, req.WithContext(WithUser(req.Context(), id, "")))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call(a))
	assert.Equal(t, http.StatusOK, call(a))
	assert.Equal(t, http.StatusTooManyRequests, call(a))
	assert.Equal(t, http.StatusOK, call(b))
}

func TestRateLimitByIP(t *testing.T) {
	h := RateLimitByIP(1)(http.HandlerFunc(echoUser))
	call := func(remote, fwd string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/replicate", nil)
		req.RemoteAddr = remote
		if fwd != "" {
			req.Header.Set("X-Forwarded-For", fwd)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:5678", ""))
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1234", "203.0.113.9, 10.0.0.1"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:80"
	assert.Equal(t, "192.0.2.1", clientIP(req))
	req.Header.Set("X-Forwarded-For", " 198.51.100.7 ,10.0.0.1")
	assert.Equal(t, "198.51.100.7", clientIP(req))
}
