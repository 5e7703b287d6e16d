// Package cohort implements the typed device-targeting predicate used to
// scope a release to a subset of the fleet.
//
// A predicate is a conjunction of key=value equality terms matched
// against a device's declared attributes (group, region, hardware
// revision). The serialized form is a comma-separated list of terms,
// e.g. "region=eu-west,hw=rev2"; an empty predicate matches every
// device.
package cohort

import (
	"fmt"
	"sort"
	"strings"
)

// Term is a single key=value equality requirement.
type Term struct {
	Key   string
	Value string
}

// Predicate is a conjunction of terms. All terms must match.
type Predicate []Term

// Parse decodes the serialized predicate form. Whitespace around terms is
// tolerated; empty input yields the match-all predicate.
func Parse(s string) (Predicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var p Predicate
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("cohort term %q: expected key=value", part)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			return nil, fmt.Errorf("cohort term %q: empty key or value", part)
		}
		if strings.ContainsAny(key, " =") || strings.ContainsAny(value, " =") {
			return nil, fmt.Errorf("cohort term %q: keys and values must not contain spaces or '='", part)
		}
		p = append(p, Term{Key: key, Value: value})
	}
	return p, nil
}

// String returns the canonical serialized form, with terms sorted by key
// so equal predicates serialize identically.
func (p Predicate) String() string {
	terms := make([]string, len(p))
	sorted := make(Predicate, len(p))
	copy(sorted, p)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for i, t := range sorted {
		terms[i] = t.Key + "=" + t.Value
	}
	return strings.Join(terms, ",")
}

// Matches reports whether the device attributes satisfy every term.
func (p Predicate) Matches(attrs map[string]string) bool {
	for _, t := range p {
		if attrs[t.Key] != t.Value {
			return false
		}
	}
	return true
}
