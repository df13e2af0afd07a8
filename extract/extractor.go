// Package extract pulls structured parameter values out of a free-form user
// query, guided by the merged null-permissive schema of the selected
// services' input contracts.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/coordinator/contract"
	"github.com/c360studio/coordinator/llm"
)

// ChatClient is the slice of the LLM client the extractor needs.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// systemPromptFormat is the strict extraction instruction. %s receives the
// merged allow-nulls schema as indented JSON.
const systemPromptFormat = `You are a strict JSON extractor.

Your task is to extract only explicitly stated or clearly implied values from the user's input, based on the following JSON schema:

%s

Guidelines:
- Prefer extracting values over returning null if the user's intent is reasonably clear and matches the schema type.
- For example: "I am user 2345" means "customer_id": 2345.
- Normalize common variants if unambiguous (e.g. city names like "Munic" to "MUC", or dates like "4. Mai 2025" to "2025-05-04").

Rules:
- Do NOT guess or fabricate values.
- Do NOT infer unstated values (e.g. don't assume a vehicle type unless one is mentioned).
- Return a single valid JSON object only. No text, markdown, code blocks, or explanations.

Important:
- If a value is missing, ambiguous, or not explicitly derivable, return null.
- Return only fields defined in the schema. Ignore irrelevant content.`

// Extractor drives the chat LLM to produce one JSON object conforming to a
// merged extraction schema.
type Extractor struct {
	chat   ChatClient
	logger *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// NewExtractor creates an extractor backed by the given chat client.
func NewExtractor(chat ChatClient, opts ...Option) *Extractor {
	e := &Extractor{
		chat:   chat,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract sends the query to the chat model under the strict extraction
// prompt and returns the parsed object. The schema must already be
// null-permissive (contract.AllowNulls).
//
// The reply is parsed strictly and validated against the schema. Any
// transport, parse, or validation failure degrades to an all-null object so
// unextractable services skip instead of failing the dispatch.
func (e *Extractor) Extract(ctx context.Context, query string, schema map[string]any) map[string]any {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		e.logger.Warn("Extraction schema not encodable, degrading to all-null", "error", err)
		return AllNull(schema)
	}

	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(systemPromptFormat, schemaJSON)},
		{Role: "user", Content: query},
	}

	content, err := e.chat.Chat(ctx, messages)
	if err != nil {
		e.logger.Warn("Extraction chat call failed, degrading to all-null", "error", err)
		return AllNull(schema)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		e.logger.Warn("Extraction reply not parseable, degrading to all-null", "error", err)
		return AllNull(schema)
	}

	if err := contract.Validate(result, schema); err != nil {
		e.logger.Warn("Extraction reply failed schema validation, degrading to all-null", "error", err)
		return AllNull(schema)
	}

	e.logger.Debug("Extracted values from query", "keys", len(result))
	return result
}

// AllNull returns {k: nil} for every property of the schema, the degraded
// result shape.
func AllNull(schema map[string]any) map[string]any {
	result := make(map[string]any)
	if props, ok := schema["properties"].(map[string]any); ok {
		for k := range props {
			result[k] = nil
		}
	}
	return result
}

// Filter drops entries whose value is absent under the uniform presence
// rule: nil, "null" in any case, or empty/whitespace strings. What survives
// merges into the dispatch context.
func Filter(values map[string]any) map[string]any {
	kept := make(map[string]any, len(values))
	for k, v := range values {
		if contract.Present(v) {
			kept[k] = v
		}
	}
	return kept
}
