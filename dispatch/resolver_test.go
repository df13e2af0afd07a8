package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveInputsFromContext(t *testing.T) {
	ctx := map[string]any{"customer_id": float64(42), "vehicle_type": "SUV"}

	res := resolveInputs([]string{"customer_id", "vehicle_type"}, ctx, nil, nil)

	assert.True(t, res.resolvable())
	assert.Equal(t, float64(42), res.resolved["customer_id"])
	assert.Equal(t, "SUV", res.resolved["vehicle_type"])
}

func TestResolveInputsSkipsAbsentContextValues(t *testing.T) {
	ctx := map[string]any{
		"customer_id": nil,
		"tier":        "NULL",
		"city":        "   ",
	}

	res := resolveInputs([]string{"customer_id", "tier", "city"}, ctx, nil, nil)

	assert.False(t, res.resolvable())
	assert.ElementsMatch(t, []string{"customer_id", "tier", "city"}, res.missing)
}

func TestResolveInputsFallsBackToPriorResponses(t *testing.T) {
	// A later response overwrote the context key with null; the prior
	// response still carries a usable value.
	ctx := map[string]any{"customer_tier": nil}
	executed := []string{"first", "second"}
	responses := map[string]any{
		"first":  map[string]any{"customer_tier": "gold"},
		"second": map[string]any{"customer_tier": nil},
	}

	res := resolveInputs([]string{"customer_tier"}, ctx, executed, responses)

	assert.True(t, res.resolvable())
	assert.Equal(t, "gold", res.resolved["customer_tier"])
}

func TestResolveInputsIgnoresSkipRecordsInResponses(t *testing.T) {
	ctx := map[string]any{}
	executed := []string{"only"}
	responses := map[string]any{
		"only": map[string]any{"skipped": true, "missing_inputs": []string{"x"}},
	}

	res := resolveInputs([]string{"price"}, ctx, executed, responses)

	assert.False(t, res.resolvable())
	assert.Equal(t, []string{"price"}, res.missing)
}

func TestResolveInputsEmptyRequired(t *testing.T) {
	res := resolveInputs(nil, map[string]any{}, nil, nil)

	assert.True(t, res.resolvable())
	assert.Empty(t, res.resolved)
}

func TestSubstituteURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		resolved map[string]any
		want     string
	}{
		{
			name:     "integer value",
			endpoint: "http://svc/customer/{customer_id}",
			resolved: map[string]any{"customer_id": float64(42)},
			want:     "http://svc/customer/42",
		},
		{
			name:     "string value",
			endpoint: "http://svc/{city}/availability",
			resolved: map[string]any{"city": "MUC"},
			want:     "http://svc/MUC/availability",
		},
		{
			name:     "multiple placeholders",
			endpoint: "http://svc/{a}/{b}",
			resolved: map[string]any{"a": "x", "b": float64(7)},
			want:     "http://svc/x/7",
		},
		{
			name:     "unrelated placeholder stays",
			endpoint: "http://svc/{other}",
			resolved: map[string]any{"customer_id": float64(42)},
			want:     "http://svc/{other}",
		},
		{
			name:     "fractional value",
			endpoint: "http://svc/{rate}",
			resolved: map[string]any{"rate": 0.8},
			want:     "http://svc/0.8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteURL(tt.endpoint, tt.resolved))
		})
	}
}
