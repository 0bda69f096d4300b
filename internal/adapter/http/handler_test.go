package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/renderq/internal/adapter/storage/memory"
)

func newTestServer(t *testing.T, token string) (*Server, *memory.Registry) {
	t.Helper()
	registry := memory.NewRegistry()
	return NewServer(registry, registry, nil, token), registry
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz_StoreDown(t *testing.T) {
	registry := memory.NewRegistry()
	srv := NewServer(registry, registry, func() error { return assert.AnError }, "")

	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnqueueJob(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs", "", map[string]any{
		"user_id": "alice",
		"params":  map[string]string{"source": "in.mov"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, 0.0, body["progress"])
}

func TestEnqueueJob_MissingUser(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/jobs", "", map[string]any{"params": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueJob_BadBody(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	srv, registry := newTestServer(t, "")
	job, err := registry.Enqueue(context.Background(), "bob", json.RawMessage(`{}`))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/jobs/"+job.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decodeBody(t, rec)["id"])
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/api/jobs/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	srv, registry := newTestServer(t, "")
	job, err := registry.Enqueue(context.Background(), "bob", json.RawMessage(`{}`))
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/jobs/"+job.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "a cancelled queued job is gone")
}

func TestCancelJob_Terminal(t *testing.T) {
	srv, registry := newTestServer(t, "")
	ctx := context.Background()
	_, err := registry.Enqueue(ctx, "bob", json.RawMessage(`{}`))
	require.NoError(t, err)
	job, err := registry.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, registry.MarkFailed(ctx, job.ID, "boom"))

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUserLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodPost, "/api/users", "", map[string]any{"user_id": "carol", "credits": 5})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/users", "", map[string]any{"user_id": "carol", "credits": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/users/carol/credits", "", map[string]any{"credits": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12.0, decodeBody(t, rec)["credits"])

	rec = doJSON(t, srv, http.MethodGet, "/api/users/carol", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12.0, decodeBody(t, rec)["credits"])
}

func TestAddCredits_RejectsNonPositive(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/api/users/x/credits", "", map[string]any{"credits": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUser_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/api/users/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t, "sekret")

	rec := doJSON(t, srv, http.MethodGet, "/api/users/ghost", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token")

	rec = doJSON(t, srv, http.MethodGet, "/api/users/ghost", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong token")

	rec = doJSON(t, srv, http.MethodGet, "/api/users/ghost", "sekret", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "valid token reaches the handler")

	// Health stays open for probes.
	rec = doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
