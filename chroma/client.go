// Package chroma is a minimal REST client for the Chroma vector store: it
// resolves collections by name, runs nearest-neighbour queries for candidate
// retrieval, and adds documents for the bootstrap loader.
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/coordinator/model"
)

// DefaultCollection is the collection holding the service catalog.
const DefaultCollection = "services"

const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client talks to one Chroma server over its v1 REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryResult is one nearest-neighbour row.
type QueryResult struct {
	ID       string
	Document string
	Metadata model.Metadata
	Distance float64
}

// Document is one record for Add.
type Document struct {
	ID        string
	Document  string
	Metadata  model.Metadata
	Embedding []float64
}

type collectionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CollectionID resolves a collection name to its id. The lookup runs per
// call: the catalog collection can be rebuilt underneath a long-running
// coordinator.
func (c *Client) CollectionID(ctx context.Context, name string) (string, error) {
	var collections []collectionInfo
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/v1/collections", nil, &collections); err != nil {
		return "", fmt.Errorf("list collections: %w", err)
	}
	for _, col := range collections {
		if col.Name == name {
			return col.ID, nil
		}
	}
	return "", fmt.Errorf("collection %q not found", name)
}

// GetOrCreateCollection returns the id of the named collection, creating it
// when absent.
func (c *Client) GetOrCreateCollection(ctx context.Context, name string) (string, error) {
	payload := map[string]any{"name": name, "get_or_create": true}
	var created collectionInfo
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/collections", payload, &created); err != nil {
		return "", fmt.Errorf("get or create collection %q: %w", name, err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("get or create collection %q: no id in response", name)
	}
	return created.ID, nil
}

// Query returns the k nearest documents to the embedding.
func (c *Client) Query(ctx context.Context, collectionID string, embedding []float64, k int) ([]QueryResult, error) {
	payload := map[string]any{
		"query_embeddings": [][]float64{embedding},
		"n_results":        k,
		"include":          []string{"documents", "metadatas", "distances"},
	}

	var parsed struct {
		IDs       [][]string         `json:"ids"`
		Documents [][]string         `json:"documents"`
		Metadatas [][]model.Metadata `json:"metadatas"`
		Distances [][]float64        `json:"distances"`
	}
	url := fmt.Sprintf("%s/api/v1/collections/%s/query", c.baseURL, collectionID)
	if err := c.doJSON(ctx, http.MethodPost, url, payload, &parsed); err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	if len(parsed.IDs) == 0 {
		return nil, nil
	}
	ids := parsed.IDs[0]
	results := make([]QueryResult, 0, len(ids))
	for i, id := range ids {
		r := QueryResult{ID: id}
		if len(parsed.Documents) > 0 && i < len(parsed.Documents[0]) {
			r.Document = parsed.Documents[0][i]
		}
		if len(parsed.Metadatas) > 0 && i < len(parsed.Metadatas[0]) {
			r.Metadata = parsed.Metadatas[0][i]
		}
		if len(parsed.Distances) > 0 && i < len(parsed.Distances[0]) {
			r.Distance = parsed.Distances[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

// Add inserts documents with precomputed embeddings into a collection.
func (c *Client) Add(ctx context.Context, collectionID string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, len(docs))
	contents := make([]string, len(docs))
	metadatas := make([]model.Metadata, len(docs))
	embeddings := make([][]float64, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		contents[i] = d.Document
		metadatas[i] = d.Metadata
		embeddings[i] = d.Embedding
	}

	payload := map[string]any{
		"ids":        ids,
		"documents":  contents,
		"metadatas":  metadatas,
		"embeddings": embeddings,
	}
	url := fmt.Sprintf("%s/api/v1/collections/%s/add", c.baseURL, collectionID)
	if err := c.doJSON(ctx, http.MethodPost, url, payload, nil); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// doJSON executes one request with an optional JSON payload and decodes the
// response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := string(respBody)
		if len(detail) > 200 {
			detail = detail[:200] + "..."
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
