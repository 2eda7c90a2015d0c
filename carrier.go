package houndtrace

import (
	"net/http"
	"strings"
)

// TextMapReader reads propagation header values from a carrier. Keys
// are queried in lowercase; implementations must match them
// case-insensitively and join repeated values with commas.
type TextMapReader interface {
	Get(key string) string
}

// TextMapWriter writes propagation header values into a carrier.
type TextMapWriter interface {
	Set(key, value string)
}

// HTTPHeadersCarrier adapts an http.Header for propagation.
type HTTPHeadersCarrier http.Header

// Get joins all values of the header with commas.
func (c HTTPHeadersCarrier) Get(key string) string {
	return strings.Join(http.Header(c).Values(key), ",")
}

// Set replaces the header with a single value.
func (c HTTPHeadersCarrier) Set(key, value string) {
	http.Header(c).Set(key, value)
}

// TextMapCarrier adapts a plain string map for propagation. Lookups are
// case-insensitive; writes store the key as given.
type TextMapCarrier map[string]string

func (c TextMapCarrier) Get(key string) string {
	if v, ok := c[key]; ok {
		return v
	}
	for k, v := range c {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (c TextMapCarrier) Set(key, value string) {
	c[key] = value
}
