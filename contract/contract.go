// Package contract models the JSON-schema input/output declarations carried
// by candidate services: parsing, effective required sets, the allow-nulls
// transform for the merged extraction schema, payload validation, and the
// uniform presence rule shared by the resolver and the extraction filter.
package contract

import (
	"encoding/json"
	"slices"
	"sort"
	"strings"

	"github.com/c360studio/coordinator/model"
)

// Contract is the parsed form of a service's JSON-schema declaration.
// Properties holds the raw per-property schemas as decoded JSON.
type Contract struct {
	Properties map[string]any
	Required   []string
}

// ServiceContracts pairs a service's input and output declarations.
type ServiceContracts struct {
	Input  Contract
	Output Contract
}

// Parse decodes a JSON-schema string. Malformed or empty input yields the
// empty contract: the service becomes trivially resolvable and contributes
// nothing to the extraction schema.
func Parse(raw string) Contract {
	empty := Contract{Properties: map[string]any{}}
	if strings.TrimSpace(raw) == "" {
		return empty
	}
	var doc struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return empty
	}
	c := empty
	if doc.Properties != nil {
		c.Properties = doc.Properties
	}
	c.Required = doc.Required
	return c
}

// ForCandidate parses both contract strings of a candidate.
func ForCandidate(c model.Candidate) ServiceContracts {
	return ServiceContracts{
		Input:  Parse(c.Metadata.ContractInput()),
		Output: Parse(c.Metadata.ContractOutput()),
	}
}

// EffectiveRequired returns the keys a service needs before it can be
// called. An explicit non-empty required list is used verbatim in declared
// order; otherwise every property whose type is not a list containing
// "null" is required, in sorted order so planning stays deterministic.
func (c Contract) EffectiveRequired() []string {
	if len(c.Required) > 0 {
		return slices.Clone(c.Required)
	}
	keys := make([]string, 0, len(c.Properties))
	for k, v := range c.Properties {
		if prop, ok := v.(map[string]any); ok {
			if types, ok := prop["type"].([]any); ok && containsNull(types) {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PropertyKeys returns the declared property names in sorted order.
// For output contracts this is the set of fields the service produces.
func (c Contract) PropertyKeys() []string {
	keys := make([]string, 0, len(c.Properties))
	for k := range c.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Present reports whether a value counts as usable: nil is absent, and a
// string is absent when empty, whitespace, or the literal "null" in any
// case. Everything else is present.
func Present(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		t := strings.TrimSpace(s)
		if t == "" || strings.EqualFold(t, "null") {
			return false
		}
	}
	return true
}

func containsNull(types []any) bool {
	for _, t := range types {
		if t == "null" {
			return true
		}
	}
	return false
}
