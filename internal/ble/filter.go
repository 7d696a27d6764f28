package ble

import "strings"

// Filter decides whether an observation is a peripheral of interest.
type Filter interface {
	Matches(o Observation) bool
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(o Observation) bool

func (f FilterFunc) Matches(o Observation) bool { return f(o) }

// NameContains matches observations whose advertised name contains marker.
// The match is case-sensitive and an absent name never matches.
func NameContains(marker string) Filter {
	return FilterFunc(func(o Observation) bool {
		return o.Name != "" && strings.Contains(o.Name, marker)
	})
}

// filterPaired returns the paired observations that match f, marked paired.
func filterPaired(f Filter, paired []Observation) []Observation {
	var out []Observation
	for _, o := range paired {
		if !f.Matches(o) {
			continue
		}
		o.Paired = true
		out = append(out, o)
	}
	return out
}
