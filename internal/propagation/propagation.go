// Package propagation implements trace-context extraction and injection
// across textual carriers for the Datadog, W3C trace-context, and B3
// header styles.
//
// Extraction tries the configured styles in order and keeps the first
// context found; the remaining styles are still parsed so that a trace-id
// disagreement between carriers can be reported. Injection writes every
// configured style.
package propagation

import (
	"strings"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
	"github.com/houndtrace/houndtrace/internal/shared/id"
)

// Style names a propagation header convention.
type Style string

const (
	StyleDatadog Style = "datadog"
	StyleW3C     Style = "tracecontext"
	StyleB3      Style = "b3"
	// StyleNone is accepted in configuration and disables propagation.
	StyleNone Style = "none"
)

// ParseStyles parses a comma- or space-separated style list, preserving
// order. Unknown styles are rejected.
func ParseStyles(raw string) ([]Style, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	styles := make([]Style, 0, len(fields))
	for _, f := range fields {
		switch s := Style(strings.ToLower(strings.TrimSpace(f))); s {
		case StyleDatadog, StyleW3C, StyleB3, StyleNone:
			styles = append(styles, s)
		case "b3multi", "b3 single header":
			// Legacy aliases map onto the b3 codec.
			styles = append(styles, StyleB3)
		default:
			return nil, errs.Newf(errs.Other, "unknown propagation style %q", f)
		}
	}
	return styles, nil
}

// Reader reads header values from a carrier. Keys are queried in
// lowercase; carriers are expected to match case-insensitively and to
// join repeated values with commas.
type Reader interface {
	Get(key string) string
}

// Writer writes header values into a carrier.
type Writer interface {
	Set(key, value string)
}

// Context is the trace state reconstructed from, or written to, a carrier.
type Context struct {
	TraceID  id.TraceID
	ParentID uint64
	// SamplingPriority is nil when the carrier conveyed no decision.
	SamplingPriority *int
	Origin           string
	// Tags holds the propagated trace tags (keys prefixed _dd.p.),
	// excluding _dd.p.tid which is folded into TraceID.High.
	Tags map[string]string
	// LastParentID is the p: member of an incoming dd tracestate entry,
	// preserved for diagnostics.
	LastParentID string
	// ExtraTracestate preserves non-dd tracestate members verbatim for
	// re-injection.
	ExtraTracestate string
	// Style is the style that produced the context.
	Style Style
	// DecodeError is the _dd.propagation_error value recorded while
	// decoding trace tags, if any.
	DecodeError string
}

// Extract reconstructs a context from the carrier, trying styles in
// order. The first successful style wins. When a later style yields a
// different trace id, the first context is still returned together with a
// non-nil INCONSISTENT_EXTRACTION_STYLES error, which callers should
// treat as a warning.
//
// A nil context with a nil error means the carrier held no trace context.
func Extract(styles []Style, r Reader, maxTagsLen int) (*Context, error) {
	var (
		found    *Context
		firstErr error
	)
	for _, style := range styles {
		ctx, err := extractStyle(style, r, maxTagsLen)
		if err != nil && firstErr == nil && found == nil {
			firstErr = err
		}
		if ctx == nil {
			continue
		}
		if found == nil {
			found = ctx
			continue
		}
		if ctx.TraceID != found.TraceID {
			return found, errs.Newf(errs.InconsistentExtractionStyles,
				"%s and %s disagree on trace id (%s vs %s)",
				found.Style, ctx.Style, found.TraceID.Hex(), ctx.TraceID.Hex())
		}
	}
	if found != nil {
		return found, nil
	}
	return nil, firstErr
}

func extractStyle(style Style, r Reader, maxTagsLen int) (*Context, error) {
	switch style {
	case StyleDatadog:
		return extractDatadog(r, maxTagsLen)
	case StyleW3C:
		return extractW3C(r)
	case StyleB3:
		return extractB3(r)
	default:
		return nil, nil
	}
}

// Inject writes the context into the carrier for every configured style.
func Inject(styles []Style, w Writer, ctx *Context, maxTagsLen int) {
	for _, style := range styles {
		switch style {
		case StyleDatadog:
			injectDatadog(w, ctx, maxTagsLen)
		case StyleW3C:
			injectW3C(w, ctx)
		case StyleB3:
			injectB3(w, ctx)
		}
	}
}
