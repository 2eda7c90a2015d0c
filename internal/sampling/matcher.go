package sampling

// SpanMatcher is a glob predicate over a span's identifying fields.
// An empty pattern is equivalent to "*". All configured fields must match
// for the matcher to match.
type SpanMatcher struct {
	Service  string            `json:"service,omitempty"`
	Name     string            `json:"name,omitempty"`
	Resource string            `json:"resource,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Match reports whether the given span fields satisfy the matcher.
func (m SpanMatcher) Match(service, name, resource string, tags map[string]string) bool {
	if !matchField(m.Service, service) {
		return false
	}
	if !matchField(m.Name, name) {
		return false
	}
	if !matchField(m.Resource, resource) {
		return false
	}
	for key, pattern := range m.Tags {
		value, ok := tags[key]
		if !ok || !matchField(pattern, value) {
			return false
		}
	}
	return true
}

func matchField(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return globMatch(pattern, value)
}
