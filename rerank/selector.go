// Package rerank narrows a candidate list down to the services a query
// actually needs, using the chat LLM as the selection engine.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/coordinator/contract"
	"github.com/c360studio/coordinator/llm"
	"github.com/c360studio/coordinator/model"
)

// ChatClient is the slice of the LLM client the selector needs.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Templates provides the current selection prompt templates.
type Templates interface {
	System() string
	FillUser(query, candidates string) string
}

// Selection is the parsed result of one selection round.
//
// PickIDs preserve the LLM's order. Order is the LLM's preferred execution
// order and defaults to PickIDs when the response omits it; the dispatcher
// treats it as a hint only. Reasons may be missing entries.
type Selection struct {
	PickIDs []string          `json:"pickids"`
	Order   []string          `json:"order"`
	Reasons map[string]string `json:"reasons"`
	Raw     string            `json:"raw_response"`
}

// Selector asks the chat LLM which candidate services a query needs.
type Selector struct {
	chat      ChatClient
	templates Templates
	logger    *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// NewSelector creates a selector backed by the given chat client and
// templates.
func NewSelector(chat ChatClient, templates Templates, opts ...Option) *Selector {
	s := &Selector{
		chat:      chat,
		templates: templates,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// selectionWire is the JSON shape the LLM is instructed to return.
type selectionWire struct {
	PickIDs []string          `json:"pickids"`
	Order   []string          `json:"order"`
	Reasons map[string]string `json:"reasons"`
}

// Select renders the candidate blocks into the prompt templates, sends them
// to the chat LLM, and parses the returned selection.
//
// Ids that do not name a candidate are dropped silently. An empty selection
// after dropping is an error.
func (s *Selector) Select(ctx context.Context, query string, candidates []model.Candidate) (*Selection, error) {
	messages := []llm.Message{
		{Role: "system", Content: s.templates.System()},
		{Role: "user", Content: s.templates.FillUser(query, BuildCandidatesSection(candidates))},
	}

	content, err := s.chat.Chat(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	var picked selectionWire
	if err := json.Unmarshal([]byte(content), &picked); err != nil {
		extracted := llm.ExtractJSON(content)
		if extracted == "" {
			return nil, fmt.Errorf("parse selection: %w", err)
		}
		if err := json.Unmarshal([]byte(extracted), &picked); err != nil {
			return nil, fmt.Errorf("parse selection: %w", err)
		}
	}

	known := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		known[c.ID] = struct{}{}
	}

	pickids := keepKnown(picked.PickIDs, known)
	if dropped := len(picked.PickIDs) - len(pickids); dropped > 0 {
		s.logger.Warn("Selection named unknown services",
			"dropped", dropped,
			"picked", picked.PickIDs)
	}
	if len(pickids) == 0 {
		return nil, fmt.Errorf("no pickids returned")
	}

	order := pickids
	if picked.Order != nil {
		order = keepKnown(picked.Order, known)
	}

	sel := &Selection{
		PickIDs: pickids,
		Order:   order,
		Reasons: picked.Reasons,
		Raw:     content,
	}

	s.logger.Debug("Selected services",
		"query", query,
		"pickids", sel.PickIDs,
		"order", sel.Order)
	return sel, nil
}

// keepKnown filters ids down to those present in known, preserving order.
func keepKnown(ids []string, known map[string]struct{}) []string {
	if ids == nil {
		return nil
	}
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := known[id]; ok {
			kept = append(kept, id)
		}
	}
	return kept
}

// BuildCandidatesSection renders each candidate as a textual block for the
// selection prompt. Blocks are separated by a blank line.
func BuildCandidatesSection(candidates []model.Candidate) string {
	blocks := make([]string, 0, len(candidates))
	for _, c := range candidates {
		sc := contract.ForCandidate(c)
		block := fmt.Sprintf("%s:\n"+
			"  description: %s\n"+
			"  provides: %s\n"+
			"  inputs: %s\n"+
			"  outputs: %s\n"+
			"  tags: %s\n"+
			"  endpoint: %s",
			c.ID,
			c.Document,
			c.Metadata.Provides(),
			strings.Join(sc.Input.PropertyKeys(), ", "),
			strings.Join(sc.Output.PropertyKeys(), ", "),
			c.Metadata.Tags(),
			c.Metadata.Endpoint(),
		)
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n")
}
