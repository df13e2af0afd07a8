package contract

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MergedSchema builds the extraction schema for the picked services' input
// contracts, visited in pick order. Duplicate property names collapse with
// the last declaration winning.
func MergedSchema(inputs []Contract) map[string]any {
	merged := make(map[string]any)
	for _, c := range inputs {
		for k, v := range c.Properties {
			merged[k] = v
		}
	}
	return map[string]any{"type": "object", "properties": merged}
}

// AllowNulls returns a copy of the schema in which every property accepts
// null: scalar types become [type, "null"], list types gain "null" when
// absent, and nested object properties and array items are transformed the
// same way. The input is never mutated, so per-service contracts keep their
// authoritative required semantics.
func AllowNulls(schema map[string]any) map[string]any {
	out := deepCopy(schema)
	applyAllowNulls(out)
	return out
}

func applyAllowNulls(schema map[string]any) {
	if schema == nil {
		return
	}
	if hasType(schema, "object") {
		if props, ok := schema["properties"].(map[string]any); ok {
			for _, v := range props {
				prop, ok := v.(map[string]any)
				if !ok {
					continue
				}
				addNull(prop)
				applyAllowNulls(prop)
			}
		}
	}
	if hasType(schema, "array") {
		if items, ok := schema["items"].(map[string]any); ok {
			applyAllowNulls(items)
		}
	}
}

func addNull(prop map[string]any) {
	switch t := prop["type"].(type) {
	case string:
		prop["type"] = []any{t, "null"}
	case []any:
		if !containsNull(t) {
			prop["type"] = append(t, "null")
		}
	}
}

func hasType(schema map[string]any, want string) bool {
	switch t := schema["type"].(type) {
	case string:
		return t == want
	case []any:
		for _, e := range t {
			if e == want {
				return true
			}
		}
	}
	return false
}

// deepCopy round-trips through JSON. Schemas are always JSON-derived, so
// the copy is lossless.
func deepCopy(schema map[string]any) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Validate checks a decoded payload against a decoded JSON schema.
func Validate(payload any, schema map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schema); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("payload does not conform to schema: %w", err)
	}
	return nil
}
