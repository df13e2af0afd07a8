// Package llm provides the chat and embeddings client for the
// OpenAI-compatible backend (LM Studio), with retry, transient/fatal error
// classification, and helpers for salvaging JSON from model replies.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

// maxResponseSize limits response bodies to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Default endpoint paths and timeouts for the LM Studio backend.
const (
	DefaultChatPath       = "/v1/chat/completions"
	DefaultEmbedPath      = "/v1/embeddings"
	DefaultConnectTimeout = 2 * time.Second
	DefaultReadTimeout    = 60 * time.Second
)

// Config holds the backend endpoint and model names.
type Config struct {
	BaseURL        string
	ChatPath       string
	EmbedPath      string
	ChatModel      string
	EmbedModel     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Client talks to one OpenAI-compatible backend. Both selection and
// extraction run at temperature 0, so chat requests pin it.
type Client struct {
	baseURL    string
	chatPath   string
	embedPath  string
	chatModel  string
	embedModel string

	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// New creates a client for the configured backend.
func New(cfg Config, opts ...ClientOption) *Client {
	if cfg.ChatPath == "" {
		cfg.ChatPath = DefaultChatPath
	}
	if cfg.EmbedPath == "" {
		cfg.EmbedPath = DefaultEmbedPath
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	c := &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		chatPath:    cfg.ChatPath,
		embedPath:   cfg.EmbedPath,
		chatModel:   cfg.ChatModel,
		embedModel:  cfg.EmbedModel,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: cfg.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Chat sends the messages to the chat model at temperature 0 and returns
// the assistant's reply text. Transient failures are retried with backoff
// before the last error surfaces.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("at least one message is required")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("build chat request body: %w", err)
	}

	var content string
	err = c.withRetry(ctx, "chat", func() error {
		respBody, err := c.post(ctx, c.url(c.chatPath), body)
		if err != nil {
			return err
		}

		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return NewFatalError(fmt.Errorf("parse chat response: %w", err))
		}
		if len(parsed.Choices) == 0 {
			return NewFatalError(fmt.Errorf("no choices in chat response"))
		}

		content = parsed.Choices[0].Message.Content
		return nil
	})
	return content, err
}

// Embed returns one vector per input text, in input order. The nested
// OpenAI shape and the bare {embedding: [...]} shape some backends return
// are both accepted.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("at least one text is required")
	}

	body, err := json.Marshal(embedRequest{
		Model: c.embedModel,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("build embeddings request body: %w", err)
	}

	var vectors [][]float64
	err = c.withRetry(ctx, "embed", func() error {
		respBody, err := c.post(ctx, c.url(c.embedPath), body)
		if err != nil {
			return err
		}

		var parsed embedResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return NewFatalError(fmt.Errorf("parse embeddings response: %w", err))
		}

		switch {
		case len(parsed.Data) > 0:
			sort.Slice(parsed.Data, func(i, j int) bool {
				return parsed.Data[i].Index < parsed.Data[j].Index
			})
			vectors = make([][]float64, 0, len(parsed.Data))
			for _, d := range parsed.Data {
				vectors = append(vectors, d.Embedding)
			}
		case len(parsed.Embedding) > 0:
			vectors = [][]float64{parsed.Embedding}
		default:
			return NewFatalError(fmt.Errorf("no embedding in response"))
		}
		return nil
	})
	return vectors, err
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

// withRetry runs fn until it succeeds, returns a fatal error, or the
// attempt budget is exhausted.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsFatal(err) {
			return err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"op", op,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple clients retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// post executes a single JSON POST and classifies failures.
func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	return respBody, nil
}
