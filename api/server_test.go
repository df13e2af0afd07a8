package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/coordinator/chroma"
	"github.com/c360studio/coordinator/dispatch"
	"github.com/c360studio/coordinator/model"
	"github.com/c360studio/coordinator/rerank"
)

type fakeEmbedder struct {
	vectors [][]float64
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors, nil
}

type fakeStore struct {
	collErr  error
	rows     []chroma.QueryResult
	queryErr error
	gotK     int
}

func (f *fakeStore) CollectionID(_ context.Context, name string) (string, error) {
	if f.collErr != nil {
		return "", f.collErr
	}
	return "coll-1", nil
}

func (f *fakeStore) Query(_ context.Context, _ string, _ []float64, k int) ([]chroma.QueryResult, error) {
	f.gotK = k
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

type fakeSelector struct {
	sel *rerank.Selection
	err error
}

func (f *fakeSelector) Select(_ context.Context, _ string, _ []model.Candidate) (*rerank.Selection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sel, nil
}

type fakeRunner struct {
	result *dispatch.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, _ map[string]any) (*dispatch.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewServer(cfg).RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["detail"]
}

func TestSearchReturnsResults(t *testing.T) {
	store := &fakeStore{rows: []chroma.QueryResult{
		{ID: "customer-service", Metadata: model.Metadata{"endpoint": "http://svc"}, Distance: 0.12},
	}}
	srv := newTestServer(t, Config{
		Embedder: &fakeEmbedder{vectors: [][]float64{{0.1, 0.2}}},
		Store:    store,
	})

	resp, err := http.Get(srv.URL + "/api/search?q=rent+a+car&k=3")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, store.gotK)

	var results []model.SearchResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "customer-service", results[0].ID)
	assert.Equal(t, 0.12, results[0].Distance)
}

func TestSearchRequiresQuery(t *testing.T) {
	srv := newTestServer(t, Config{Embedder: &fakeEmbedder{}, Store: &fakeStore{}})

	resp, err := http.Get(srv.URL + "/api/search")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "require 'q'", decodeDetail(t, resp))
}

func TestSearchEmbeddingFailureIsBadGateway(t *testing.T) {
	srv := newTestServer(t, Config{
		Embedder: &fakeEmbedder{err: errors.New("connection refused")},
		Store:    &fakeStore{},
	})

	resp, err := http.Get(srv.URL + "/api/search?q=x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, decodeDetail(t, resp), "embedding error")
}

func TestSearchChromaFailureIsBadGateway(t *testing.T) {
	srv := newTestServer(t, Config{
		Embedder: &fakeEmbedder{vectors: [][]float64{{0.1}}},
		Store:    &fakeStore{collErr: errors.New("collection 'services' not found")},
	})

	resp, err := http.Get(srv.URL + "/api/search?q=x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, decodeDetail(t, resp), "chroma error")
}

func TestRerankReturnsSelection(t *testing.T) {
	srv := newTestServer(t, Config{Selector: &fakeSelector{sel: &rerank.Selection{
		PickIDs: []string{"A"},
		Order:   []string{"A"},
		Reasons: map[string]string{"A": "needed"},
		Raw:     `{"pickids":["A"]}`,
	}}})

	body := `{"query": "rent a car", "candidates": [{"id": "A", "metadata": {}}]}`
	resp, err := http.Post(srv.URL+"/api/rerank", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sel rerank.Selection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sel))
	assert.Equal(t, []string{"A"}, sel.PickIDs)
	assert.Equal(t, "needed", sel.Reasons["A"])
	assert.NotEmpty(t, sel.Raw)
}

func TestRerankRequiresQueryAndCandidates(t *testing.T) {
	srv := newTestServer(t, Config{Selector: &fakeSelector{}})

	for name, body := range map[string]string{
		"missing query":      `{"candidates": [{"id": "A"}]}`,
		"missing candidates": `{"query": "x"}`,
		"empty candidates":   `{"query": "x", "candidates": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/rerank", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "require 'query' and 'candidates'", decodeDetail(t, resp))
		})
	}
}

func TestRerankSelectorFailureIsBadGateway(t *testing.T) {
	srv := newTestServer(t, Config{Selector: &fakeSelector{err: errors.New("no pickids returned")}})

	body := `{"query": "x", "candidates": [{"id": "A", "metadata": {}}]}`
	resp, err := http.Post(srv.URL+"/api/rerank", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, decodeDetail(t, resp), "rerank error")
}

func TestDispatchStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		runner     *fakeRunner
		wantStatus int
	}{
		{
			name:       "ok",
			runner:     &fakeRunner{result: &dispatch.Result{PickIDs: []string{"A"}}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "bad request",
			runner:     &fakeRunner{err: &dispatch.BadRequestError{Detail: "No usable values extracted from query"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "upstream failure",
			runner:     &fakeRunner{err: &dispatch.UpstreamError{Op: "rerank error", Err: errors.New("timeout")}},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Config{Dispatcher: tt.runner})
			body := `{"query": "x", "candidates": [{"id": "A", "metadata": {}}]}`
			resp, err := http.Post(srv.URL+"/api/dispatch", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestDispatchReturnsResult(t *testing.T) {
	srv := newTestServer(t, Config{Dispatcher: &fakeRunner{result: &dispatch.Result{
		PickIDs:   []string{"A"},
		Reasons:   map[string]string{"A": "needed"},
		Responses: map[string]any{"A": map[string]any{"customer_tier": "gold"}},
		Skipped:   map[string]any{},
		LLMRaw:    "{}",
	}}})

	body := `{"query": "x", "candidates": [{"id": "A", "metadata": {}}]}`
	resp, err := http.Post(srv.URL+"/api/dispatch", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Contains(t, result, "pickids")
	assert.Contains(t, result, "responses")
	assert.Contains(t, result, "skipped")
	assert.Contains(t, result, "llm_raw")
}

func TestDispatchRejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(t, Config{Dispatcher: &fakeRunner{}})

	resp, err := http.Post(srv.URL+"/api/dispatch", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogsServesFileContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"service":"coordinator-agent"}`+"\n"), 0o644))
	srv := newTestServer(t, Config{LogPath: path})

	resp, err := http.Get(srv.URL + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestLogsMissingFileIs404(t *testing.T) {
	srv := newTestServer(t, Config{LogPath: filepath.Join(t.TempDir(), "absent.log")})

	resp, err := http.Get(srv.URL + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Log file not found", decodeDetail(t, resp))
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{Version: "0.1.0"})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "coordinator-agent", health["service"])
	assert.Equal(t, "0.1.0", health["version"])
}

func TestMethodGuards(t *testing.T) {
	srv := newTestServer(t, Config{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/search"},
		{http.MethodGet, "/api/rerank"},
		{http.MethodGet, "/api/dispatch"},
		{http.MethodPost, "/api/logs"},
		{http.MethodPost, "/health"},
	} {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}
