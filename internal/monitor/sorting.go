// v0
// internal/monitor/sorting.go
package monitor

import "sort"

// Map iteration order is randomized; the cascade itself is order-independent
// within a tier, but deterministic passes make ticks reproducible.

func sortedFields(m map[string]*FieldState) []*FieldState {
	out := make([]*FieldState, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedRegulators(m map[string]*RegulatorState) []*RegulatorState {
	out := make([]*RegulatorState, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedPumps(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortStrings(s []string) { sort.Strings(s) }
