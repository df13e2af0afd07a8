package dispatch

import (
	"fmt"
	"strings"

	"github.com/c360studio/coordinator/contract"
)

// resolution is the outcome of assembling one service's inputs. A service
// is resolvable when missing is empty; resolved then holds exactly the
// effective required keys.
type resolution struct {
	resolved map[string]any
	missing  []string
}

func (r resolution) resolvable() bool { return len(r.missing) == 0 }

// resolveInputs fills each required key from three sources in priority
// order: the current context, the extracted values (already folded into
// context), and prior downstream responses in execution order. Only
// present values count; the first present value wins. Optional keys are
// never assembled.
func resolveInputs(required []string, ctx map[string]any, executed []string, responses map[string]any) resolution {
	res := resolution{resolved: make(map[string]any, len(required))}

	for _, key := range required {
		if v, ok := ctx[key]; ok && contract.Present(v) {
			res.resolved[key] = v
			continue
		}
		if v, ok := priorResponseValue(key, executed, responses); ok {
			res.resolved[key] = v
			continue
		}
		res.missing = append(res.missing, key)
	}
	return res
}

// priorResponseValue scans executed services' responses, oldest first, for
// a present top-level value under key. Context folding normally makes this
// redundant; it still matters when a later response overwrote a context
// key with a non-present value.
func priorResponseValue(key string, executed []string, responses map[string]any) (any, bool) {
	for _, sid := range executed {
		resp, ok := responses[sid].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := resp[key]; ok && contract.Present(v) {
			return v, true
		}
	}
	return nil, false
}

// substituteURL replaces {key} placeholders in the endpoint with values
// from the resolved map. Only resolved required inputs are substituted, so
// unrelated context never leaks into URLs.
func substituteURL(endpoint string, resolved map[string]any) string {
	url := endpoint
	for k, v := range resolved {
		url = strings.ReplaceAll(url, "{"+k+"}", stringify(v))
	}
	return url
}

// stringify renders a resolved value for URL substitution. JSON numbers
// decode as float64; integral ones must not render with an exponent or a
// trailing fraction.
func stringify(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}
