// Package planner computes a feasible execution order for the picked
// services. Dependencies are never declared: they are implied by each
// service's required input fields and the output fields its peers produce.
package planner

import (
	"fmt"
	"sort"

	"github.com/c360studio/coordinator/contract"
)

// UnresolvedError reports services whose required inputs cannot be covered
// by the known fields plus any peer's declared outputs. The dispatcher
// falls back to pick order when it sees one: contracts are informational,
// and runtime responses can still surface the missing fields.
type UnresolvedError struct {
	// Remaining lists the unorderable services in pick order.
	Remaining []string

	// Known lists the fields that were available, sorted.
	Known []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("dependency resolution failed: unresolved services %v, known fields %v", e.Remaining, e.Known)
}

// Order returns the pick ids sorted so that every service appears after the
// services producing its required inputs, given the initially known fields.
//
// Each pass appends every service whose effective required set is covered
// by the available fields, scanning in pick order so ties break
// deterministically, then makes the appended services' outputs available.
// A pass that places nothing with services left over returns an
// *UnresolvedError.
func Order(pickids []string, contracts map[string]contract.ServiceContracts, known []string) ([]string, error) {
	inputs := make(map[string][]string, len(pickids))
	outputs := make(map[string][]string, len(pickids))
	remaining := make(map[string]struct{}, len(pickids))
	for _, sid := range pickids {
		sc := contracts[sid]
		inputs[sid] = sc.Input.EffectiveRequired()
		outputs[sid] = sc.Output.PropertyKeys()
		remaining[sid] = struct{}{}
	}

	available := make(map[string]struct{}, len(known))
	for _, f := range known {
		available[f] = struct{}{}
	}

	order := make([]string, 0, len(pickids))
	for len(remaining) > 0 {
		progress := false
		for _, sid := range pickids {
			if _, ok := remaining[sid]; !ok {
				continue
			}
			if !covered(inputs[sid], available) {
				continue
			}
			order = append(order, sid)
			delete(remaining, sid)
			for _, f := range outputs[sid] {
				available[f] = struct{}{}
			}
			progress = true
		}

		if !progress {
			unresolved := make([]string, 0, len(remaining))
			for _, sid := range pickids {
				if _, ok := remaining[sid]; ok {
					unresolved = append(unresolved, sid)
				}
			}
			fields := make([]string, 0, len(available))
			for f := range available {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			return nil, &UnresolvedError{Remaining: unresolved, Known: fields}
		}
	}

	return order, nil
}

func covered(required []string, available map[string]struct{}) bool {
	for _, f := range required {
		if _, ok := available[f]; !ok {
			return false
		}
	}
	return true
}
