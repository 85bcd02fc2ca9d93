package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvault/internal/app"
	"docvault/internal/testutils"
	"docvault/internal/worker"
)

type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
}

func do(t *testing.T, h http.Handler, method, path, tenant string, body []byte, contentType string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func uploadBody(t *testing.T, name, content string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestApp_EndToEnd(t *testing.T) {
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	cfg := s.GetAppConfig()
	deps, err := app.Bootstrap(context.Background(), cfg, &app.Options{Embedder: constEmbedder{dim: 4}})
	require.NoError(t, err)

	application, err := app.New(cfg, deps, nil)
	require.NoError(t, err)
	defer application.Close()
	h := application.Handler

	// Upload synchronously for tenant acme.
	body, ct := uploadBody(t, "handbook.txt", strings.Repeat("Employees accrue vacation monthly. ", 60))
	w, _ := do(t, h, http.MethodPost, "/sources/upload", "acme", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Ingest a second source through the worker path.
	staged := filepath.Join(t.TempDir(), "policy.txt")
	require.NoError(t, os.WriteFile(staged, []byte("Refunds are issued within thirty days."), 0o600))
	task := &worker.IngestTask{TenantID: "acme", SourceID: "policy.txt", Kind: "upload", Path: staged, ContentType: "text/plain"}
	payload, err := task.Encode()
	require.NoError(t, err)
	require.NoError(t, application.Consumer.HandleMessage(&nsq.Message{ID: nsq.MessageID{'1'}, Body: payload}))

	w, env := do(t, h, http.MethodGet, "/sources", "acme", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, env.Meta.Count)

	w, env = do(t, h, http.MethodPost, "/search", "acme", []byte(`{"query":"vacation"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Positive(t, env.Meta.Count)

	// Another tenant sees nothing.
	w, env = do(t, h, http.MethodPost, "/search", "globex", []byte(`{"query":"vacation"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, env.Meta.Count)

	w, env = do(t, h, http.MethodGet, "/stats", "acme", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Sources  int `json:"sources"`
		Passages int `json:"passages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 2, stats.Sources)
	assert.Positive(t, stats.Passages)

	w, _ = do(t, h, http.MethodDelete, "/sources/all", "acme", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, h, http.MethodGet, "/sources", "acme", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, env.Meta.Count)
}
