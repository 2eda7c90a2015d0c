package propagation

import (
	"sort"
	"strconv"
	"strings"

	"github.com/houndtrace/houndtrace/internal/shared/id"
)

// Propagated-tag constants. Tags crossing process boundaries carry the
// _dd.p. prefix; _dd.p.tid transports the high 64 bits of a 128-bit
// trace id and is folded into the numeric trace id rather than kept as a
// tag.
const (
	tagPrefix = "_dd.p."
	tidTag    = "_dd.p.tid"

	// Values recorded under _dd.propagation_error when tag handling fails.
	errExtractMaxSize = "extract_max_size"
	errDecoding       = "decoding_error"
	errInjectMaxSize  = "inject_max_size"
)

// decodeTags parses an x-datadog-tags header value. It returns the
// propagated tags (tid excluded), the high half of the trace id carried
// in _dd.p.tid if any, and the _dd.propagation_error value to record
// when the header could not be honored.
func decodeTags(raw string, maxLen int) (tags map[string]string, tidHigh uint64, decodeErr string) {
	if raw == "" {
		return nil, 0, ""
	}
	if maxLen >= 0 && len(raw) > maxLen {
		return nil, 0, errExtractMaxSize
	}
	tags = make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, 0, errDecoding
		}
		if !strings.HasPrefix(key, tagPrefix) {
			continue
		}
		if key == tidTag {
			high, err := parseTID(value)
			if err != nil {
				return nil, 0, errDecoding
			}
			tidHigh = high
			continue
		}
		tags[key] = value
	}
	if len(tags) == 0 {
		tags = nil
	}
	return tags, tidHigh, ""
}

// parseTID parses the value of _dd.p.tid: exactly 16 lowercase hex
// digits.
func parseTID(value string) (uint64, error) {
	if len(value) != 16 || value != strings.ToLower(value) {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(value, 16, 64)
}

// encodeTags renders the x-datadog-tags header value for the context,
// appending _dd.p.tid when the trace id has a high half. ok is false
// when the encoding exceeds maxLen, in which case the header must be
// omitted and inject_max_size recorded.
func encodeTags(ctx *Context, maxLen int) (value string, ok bool) {
	keys := make([]string, 0, len(ctx.Tags))
	for key := range ctx.Tags {
		if strings.HasPrefix(key, tagPrefix) && key != tidTag {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(ctx.Tags[key])
	}
	if ctx.TraceID.High != 0 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(tidTag)
		b.WriteByte('=')
		b.WriteString(ctx.TraceID.HexHigh())
	}
	if b.Len() == 0 {
		return "", true
	}
	if maxLen >= 0 && b.Len() > maxLen {
		return "", false
	}
	return b.String(), true
}

// traceIDWithHigh merges a _dd.p.tid high half into a low-64 trace id.
func traceIDWithHigh(low, high uint64) id.TraceID {
	return id.TraceID{High: high, Low: low}
}
