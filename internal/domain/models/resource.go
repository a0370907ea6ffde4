package models

import (
	"sort"
	"strings"
)

// Resource grants a set of verbs on a named path.
// Verbs is kept sorted and de-duplicated so that equal sets compare equal.
type Resource struct {
	Resource string   `json:"resource"`
	Verbs    []string `json:"verbs"`
}

// NewResource builds a Resource with a normalized verb set.
func NewResource(resource string, verbs ...string) Resource {
	return Resource{Resource: resource, Verbs: normalizeVerbs(verbs)}
}

// Equal compares resource name and verb set.
func (r Resource) Equal(other Resource) bool {
	return r.Resource == other.Resource && r.verbKey() == other.verbKey()
}

func (r Resource) verbKey() string {
	return strings.Join(normalizeVerbs(r.Verbs), "\x00")
}

func (r Resource) setKey() string {
	return r.Resource + "\x01" + r.verbKey()
}

func normalizeVerbs(verbs []string) []string {
	if verbs == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(verbs))
	out := make([]string, 0, len(verbs))
	for _, v := range verbs {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// NormalizeScope returns scope as a de-duplicated set ordered by resource name.
// A nil scope stays nil.
func NormalizeScope(scope []Resource) []Resource {
	if scope == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(scope))
	out := make([]Resource, 0, len(scope))
	for _, r := range scope {
		n := NewResource(r.Resource, r.Verbs...)
		k := n.setKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].verbKey() < out[j].verbKey()
	})
	return out
}

// ScopeEqual compares two scopes as sets. Nil and empty are the same set.
func ScopeEqual(a, b []Resource) bool {
	na, nb := NormalizeScope(a), NormalizeScope(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if !na[i].Equal(nb[i]) {
			return false
		}
	}
	return true
}

func cloneScope(scope []Resource) []Resource {
	if scope == nil {
		return nil
	}
	out := make([]Resource, len(scope))
	for i, r := range scope {
		out[i] = Resource{Resource: r.Resource}
		if r.Verbs != nil {
			out[i].Verbs = append([]string{}, r.Verbs...)
		}
	}
	return out
}
