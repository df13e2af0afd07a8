// Package model holds the request-scoped types shared across the coordinator
// pipeline: candidate service descriptions fetched from the vector store,
// their metadata, and semantic search results.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known metadata keys on a candidate document.
const (
	MetaEndpoint       = "endpoint"
	MetaURL            = "url"
	MetaProvides       = "provides"
	MetaTags           = "tags"
	MetaContractInput  = "contract_input"
	MetaContractOutput = "contract_output"
)

// Metadata is the open key/value bag attached to a candidate document.
// Search results feed rerank and dispatch verbatim, so unknown keys must
// survive the round trip; the accessors read the well-known ones.
type Metadata map[string]any

// Endpoint returns the candidate's HTTP endpoint. It may contain {field}
// placeholders that the dispatcher substitutes from resolved inputs.
func (m Metadata) Endpoint() string { return m.str(MetaEndpoint) }

// TargetURL returns the url metadata key when set, falling back to the
// endpoint. Audit events for skipped services record it verbatim.
func (m Metadata) TargetURL() string {
	if u := m.str(MetaURL); u != "" {
		return u
	}
	return m.Endpoint()
}

// ContractInput returns the JSON-encoded input schema, empty when absent.
func (m Metadata) ContractInput() string { return m.str(MetaContractInput) }

// ContractOutput returns the JSON-encoded output schema, empty when absent.
func (m Metadata) ContractOutput() string { return m.str(MetaContractOutput) }

// Provides renders the provides tags for prompt display.
func (m Metadata) Provides() string { return joinList(m[MetaProvides]) }

// Tags renders the tags for prompt display.
func (m Metadata) Tags() string { return joinList(m[MetaTags]) }

func (m Metadata) str(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// joinList renders string-or-list metadata values as a comma-joined string.
func joinList(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, fmt.Sprintf("%v", e))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Candidate is one service description, immutable for the lifetime of a
// request. Document is the free-text description used only by the selector
// prompt.
type Candidate struct {
	ID       string   `json:"id"`
	Document string   `json:"document,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// SearchResult is one row of a semantic search response.
type SearchResult struct {
	ID       string   `json:"id"`
	Metadata Metadata `json:"metadata"`
	Distance float64  `json:"distance"`
}

// ParseCandidates converts the decoded candidates value of a request body
// into typed candidates. It round-trips through JSON so that bodies decoded
// as map[string]any and pre-typed slices are both accepted.
func ParseCandidates(v any) ([]Candidate, error) {
	if v == nil {
		return nil, nil
	}
	if cs, ok := v.([]Candidate); ok {
		return cs, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding candidates: %w", err)
	}
	var cs []Candidate
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("decoding candidates: %w", err)
	}
	return cs, nil
}
