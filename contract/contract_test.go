package contract_test

import (
	"testing"

	"github.com/c360studio/coordinator/contract"
	"github.com/c360studio/coordinator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExplicitRequired(t *testing.T) {
	c := contract.Parse(`{
		"type": "object",
		"properties": {
			"vehicle_type": {"type": "string"},
			"days":         {"type": "integer"},
			"notes":        {"type": ["string", "null"]}
		},
		"required": ["days", "vehicle_type"]
	}`)

	require.Len(t, c.Properties, 3)
	assert.Equal(t, []string{"days", "vehicle_type"}, c.EffectiveRequired())
}

func TestParseDerivedRequired(t *testing.T) {
	c := contract.Parse(`{
		"properties": {
			"vehicle_type": {"type": "string"},
			"customer_tier": {"type": "string"},
			"notes":        {"type": ["string", "null"]}
		}
	}`)

	// No explicit required: every non-nullable property, sorted.
	assert.Equal(t, []string{"customer_tier", "vehicle_type"}, c.EffectiveRequired())
}

func TestParseEmptyRequiredFallsBack(t *testing.T) {
	c := contract.Parse(`{
		"properties": {"a": {"type": "string"}},
		"required": []
	}`)
	assert.Equal(t, []string{"a"}, c.EffectiveRequired())
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "{not json", `{"required": "oops"}`} {
		c := contract.Parse(raw)
		assert.Empty(t, c.Properties, "raw=%q", raw)
		assert.Empty(t, c.EffectiveRequired(), "raw=%q", raw)
	}
}

func TestPropertyKeys(t *testing.T) {
	c := contract.Parse(`{"properties": {"price": {}, "currency": {}}}`)
	assert.Equal(t, []string{"currency", "price"}, c.PropertyKeys())
}

func TestForCandidate(t *testing.T) {
	cand := model.Candidate{
		ID: "pricing-service",
		Metadata: model.Metadata{
			"contract_input":  `{"properties":{"days":{"type":"integer"}},"required":["days"]}`,
			"contract_output": `{"properties":{"price":{"type":"number"}}}`,
		},
	}

	sc := contract.ForCandidate(cand)
	assert.Equal(t, []string{"days"}, sc.Input.EffectiveRequired())
	assert.Equal(t, []string{"price"}, sc.Output.PropertyKeys())
}

func TestForCandidateMissingContracts(t *testing.T) {
	sc := contract.ForCandidate(model.Candidate{ID: "bare"})
	assert.Empty(t, sc.Input.EffectiveRequired())
	assert.Empty(t, sc.Output.PropertyKeys())
}

func TestPresent(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, false},
		{"empty string", "", false},
		{"whitespace", "   ", false},
		{"null lowercase", "null", false},
		{"null mixed case", "NuLl", false},
		{"null padded", "  null  ", false},
		{"real string", "SUV", true},
		{"zero number", float64(0), true},
		{"false bool", false, true},
		{"object", map[string]any{}, true},
		{"list", []any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contract.Present(tt.v))
		})
	}
}
