// Package api exposes the coordinator's HTTP surface: candidate search,
// selection-only rerank, the full dispatch pipeline, the trace log, and
// the health/metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/c360studio/coordinator/audit"
	"github.com/c360studio/coordinator/chroma"
	"github.com/c360studio/coordinator/dispatch"
	"github.com/c360studio/coordinator/metrics"
	"github.com/c360studio/coordinator/model"
	"github.com/c360studio/coordinator/rerank"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// defaultSearchK is how many candidates a search returns when k is absent.
const defaultSearchK = 5

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// VectorStore is the slice of the chroma client the search handler needs.
type VectorStore interface {
	CollectionID(ctx context.Context, name string) (string, error)
	Query(ctx context.Context, collectionID string, embedding []float64, k int) ([]chroma.QueryResult, error)
}

// Selector runs the selection round for the rerank endpoint.
type Selector interface {
	Select(ctx context.Context, query string, candidates []model.Candidate) (*rerank.Selection, error)
}

// Runner executes the full dispatch pipeline.
type Runner interface {
	Run(ctx context.Context, body map[string]any) (*dispatch.Result, error)
}

// Server holds the handler dependencies.
type Server struct {
	embedder   Embedder
	store      VectorStore
	selector   Selector
	dispatcher Runner

	collection string
	logPath    string
	version    string
	logger     *slog.Logger
}

// Config wires a Server.
type Config struct {
	Embedder   Embedder
	Store      VectorStore
	Selector   Selector
	Dispatcher Runner

	// Collection is the vector-store collection searched for candidates.
	Collection string

	// LogPath is the trace log served by GET /api/logs.
	LogPath string

	// Version is reported by GET /health.
	Version string

	Logger *slog.Logger
}

// NewServer creates the HTTP surface.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collection := cfg.Collection
	if collection == "" {
		collection = chroma.DefaultCollection
	}
	logPath := cfg.LogPath
	if logPath == "" {
		logPath = audit.DefaultPath
	}
	return &Server{
		embedder:   cfg.Embedder,
		store:      cfg.Store,
		selector:   cfg.Selector,
		dispatcher: cfg.Dispatcher,
		collection: collection,
		logPath:    logPath,
		version:    cfg.Version,
		logger:     logger,
	}
}

// RegisterHandlers registers all coordinator handlers:
//
//	GET  /api/search
//	POST /api/rerank
//	POST /api/dispatch
//	GET  /api/logs
//	GET  /health
//	GET  /metrics
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/rerank", s.handleRerank)
	mux.HandleFunc("/api/dispatch", s.handleDispatch)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
}

// ----------------------------------------------------------------------------
// GET /api/search?q=<s>&k=<int>
// ----------------------------------------------------------------------------

// handleSearch embeds the query, runs the nearest-neighbour lookup, and
// returns candidate rows. Any backend failure is a 502.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		metrics.SearchesTotal.WithLabelValues(metrics.StatusBadRequest).Inc()
		writeError(w, http.StatusBadRequest, "require 'q'")
		return
	}
	k := defaultSearchK
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			metrics.SearchesTotal.WithLabelValues(metrics.StatusBadRequest).Inc()
			writeError(w, http.StatusBadRequest, "'k' must be a positive integer")
			return
		}
		k = parsed
	}

	vectors, err := s.embedder.Embed(r.Context(), []string{q})
	if err != nil || len(vectors) == 0 {
		metrics.SearchesTotal.WithLabelValues(metrics.StatusUpstreamError).Inc()
		s.logger.Error("Embedding failed", "error", err)
		writeError(w, http.StatusBadGateway, "embedding error: "+errDetail(err))
		return
	}

	collID, err := s.store.CollectionID(r.Context(), s.collection)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues(metrics.StatusUpstreamError).Inc()
		s.logger.Error("Collection lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, "chroma error: "+err.Error())
		return
	}

	rows, err := s.store.Query(r.Context(), collID, vectors[0], k)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues(metrics.StatusUpstreamError).Inc()
		s.logger.Error("Vector query failed", "error", err)
		writeError(w, http.StatusBadGateway, "vector search error: "+err.Error())
		return
	}

	results := make([]model.SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, model.SearchResult{
			ID:       row.ID,
			Metadata: row.Metadata,
			Distance: row.Distance,
		})
	}

	metrics.SearchesTotal.WithLabelValues(metrics.StatusOK).Inc()
	writeJSON(w, http.StatusOK, results)
}

// ----------------------------------------------------------------------------
// POST /api/rerank
// ----------------------------------------------------------------------------

// handleRerank runs the selection round only.
func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.decodeBody(w, r)
	if !ok {
		metrics.ReranksTotal.WithLabelValues(metrics.StatusBadRequest).Inc()
		return
	}

	query, _ := body["query"].(string)
	candidates, err := model.ParseCandidates(body["candidates"])
	if err != nil || query == "" || len(candidates) == 0 {
		metrics.ReranksTotal.WithLabelValues(metrics.StatusBadRequest).Inc()
		writeError(w, http.StatusBadRequest, "require 'query' and 'candidates'")
		return
	}

	sel, err := s.selector.Select(r.Context(), query, candidates)
	if err != nil {
		metrics.ReranksTotal.WithLabelValues(metrics.StatusUpstreamError).Inc()
		s.logger.Error("Selection failed", "error", err)
		writeError(w, http.StatusBadGateway, "rerank error: "+err.Error())
		return
	}

	metrics.ReranksTotal.WithLabelValues(metrics.StatusOK).Inc()
	writeJSON(w, http.StatusOK, sel)
}

// ----------------------------------------------------------------------------
// POST /api/dispatch
// ----------------------------------------------------------------------------

// handleDispatch runs the full pipeline. Contained per-service failures
// still return 200; only preamble failures map to 400/502.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.decodeBody(w, r)
	if !ok {
		metrics.DispatchesTotal.WithLabelValues(metrics.StatusBadRequest).Inc()
		return
	}

	start := time.Now()
	result, err := s.dispatcher.Run(r.Context(), body)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		status, label := statusForDispatchError(err)
		metrics.DispatchesTotal.WithLabelValues(label).Inc()
		if status == http.StatusBadGateway {
			s.logger.Error("Dispatch failed upstream", "error", err)
		}
		writeError(w, status, err.Error())
		return
	}

	metrics.DispatchesTotal.WithLabelValues(metrics.StatusOK).Inc()
	writeJSON(w, http.StatusOK, result)
}

// statusForDispatchError maps the dispatch error kinds of the pipeline to
// HTTP statuses. Unclassified errors count as upstream failures.
func statusForDispatchError(err error) (int, string) {
	var badReq *dispatch.BadRequestError
	if errors.As(err, &badReq) {
		return http.StatusBadRequest, metrics.StatusBadRequest
	}
	return http.StatusBadGateway, metrics.StatusUpstreamError
}

// ----------------------------------------------------------------------------
// GET /api/logs
// ----------------------------------------------------------------------------

// handleLogs serves the trace log verbatim as plain text. Concurrent
// appends mean the tail may hold a partial line; readers tolerate that.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := os.ReadFile(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "Log file not found")
			return
		}
		s.logger.Error("Trace log read failed", "path", s.logPath, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read log file")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ----------------------------------------------------------------------------
// GET /health
// ----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": dispatch.ServiceName,
		"version": s.version,
	})
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

// decodeBody reads a capped JSON object body, writing a 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var body map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the {"detail": ...} error body shared by every
// endpoint.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func errDetail(err error) string {
	if err == nil {
		return "empty embedding response"
	}
	return err.Error()
}
