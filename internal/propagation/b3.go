package propagation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
	"github.com/houndtrace/houndtrace/internal/shared/id"
)

// B3 headers. The single "b3" header takes precedence over the
// multi-header form when both are present.
const (
	headerB3Single  = "b3"
	headerB3TraceID = "x-b3-traceid"
	headerB3SpanID  = "x-b3-spanid"
	headerB3Sampled = "x-b3-sampled"
	headerB3Flags   = "x-b3-flags"
)

func extractB3(r Reader) (*Context, error) {
	if raw := strings.TrimSpace(r.Get(headerB3Single)); raw != "" {
		return extractB3Single(raw)
	}
	return extractB3Multi(r)
}

func extractB3Single(raw string) (*Context, error) {
	// A lone sampling decision ("b3: 0") carries no trace context.
	if raw == "0" || raw == "1" || raw == "d" {
		return nil, nil
	}
	parts := strings.Split(raw, "-")
	if len(parts) < 2 {
		return nil, errs.Newf(errs.MalformedHeaders,
			"b3 header %q has %d fields, want at least 2", raw, len(parts))
	}
	traceID, err := parseB3TraceID(parts[0])
	if err != nil {
		return nil, err
	}
	span, err := parseB3SpanID(parts[1])
	if err != nil {
		return nil, err
	}
	ctx := &Context{TraceID: traceID, ParentID: span, Style: StyleB3}
	if len(parts) >= 3 {
		priority, err := b3Priority(parts[2])
		if err != nil {
			return nil, err
		}
		ctx.SamplingPriority = &priority
	}
	// A fourth field names the grandparent span; it has no Datadog
	// equivalent and is ignored.
	return ctx, nil
}

func extractB3Multi(r Reader) (*Context, error) {
	rawTraceID := strings.TrimSpace(r.Get(headerB3TraceID))
	rawSpanID := strings.TrimSpace(r.Get(headerB3SpanID))
	if rawTraceID == "" {
		if rawSpanID != "" {
			return nil, errs.Newf(errs.MissingTraceID,
				"%s is set but %s is missing", headerB3SpanID, headerB3TraceID)
		}
		return nil, nil
	}
	traceID, err := parseB3TraceID(rawTraceID)
	if err != nil {
		return nil, err
	}
	if rawSpanID == "" {
		return nil, errs.Newf(errs.MissingParentSpanID,
			"%s is set but %s is missing", headerB3TraceID, headerB3SpanID)
	}
	span, err := parseB3SpanID(rawSpanID)
	if err != nil {
		return nil, err
	}
	ctx := &Context{TraceID: traceID, ParentID: span, Style: StyleB3}
	if strings.TrimSpace(r.Get(headerB3Flags)) == "1" {
		priority := 2
		ctx.SamplingPriority = &priority
		return ctx, nil
	}
	if raw := strings.TrimSpace(r.Get(headerB3Sampled)); raw != "" {
		priority, err := b3Priority(raw)
		if err != nil {
			return nil, err
		}
		ctx.SamplingPriority = &priority
	}
	return ctx, nil
}

func parseB3TraceID(raw string) (id.TraceID, error) {
	raw = strings.ToLower(raw)
	switch len(raw) {
	case 16:
		low, err := strconv.ParseUint(raw, 16, 64)
		if err != nil || low == 0 {
			return id.TraceID{}, errs.Newf(errs.MalformedTraceID,
				"b3 trace id %q is not valid hex", raw)
		}
		return id.TraceID{Low: low}, nil
	case 32:
		high, errHigh := strconv.ParseUint(raw[:16], 16, 64)
		low, errLow := strconv.ParseUint(raw[16:], 16, 64)
		if errHigh != nil || errLow != nil || (high == 0 && low == 0) {
			return id.TraceID{}, errs.Newf(errs.MalformedTraceID,
				"b3 trace id %q is not valid hex", raw)
		}
		return id.TraceID{High: high, Low: low}, nil
	default:
		return id.TraceID{}, errs.Newf(errs.MalformedTraceID,
			"b3 trace id %q is %d digits, want 16 or 32", raw, len(raw))
	}
}

func parseB3SpanID(raw string) (uint64, error) {
	raw = strings.ToLower(raw)
	if len(raw) != 16 {
		return 0, errs.Newf(errs.MalformedSpanID,
			"b3 span id %q is %d digits, want 16", raw, len(raw))
	}
	span, err := strconv.ParseUint(raw, 16, 64)
	if err != nil || span == 0 {
		return 0, errs.Newf(errs.MalformedSpanID,
			"b3 span id %q is not valid hex", raw)
	}
	return span, nil
}

// b3Priority maps a B3 sampling decision onto a Datadog priority:
// deny, accept, and debug respectively.
func b3Priority(raw string) (int, error) {
	switch raw {
	case "0", "false":
		return 0, nil
	case "1", "true":
		return 1, nil
	case "d":
		return 2, nil
	default:
		return 0, errs.Newf(errs.MalformedHeaders, "unknown b3 sampling value %q", raw)
	}
}

func injectB3(w Writer, ctx *Context) {
	sampled := "0"
	if ctx.SamplingPriority != nil && *ctx.SamplingPriority > 0 {
		sampled = "1"
	}
	traceID := ctx.TraceID.Hex()
	if ctx.TraceID.High == 0 {
		traceID = fmt.Sprintf("%016x", ctx.TraceID.Low)
	}
	w.Set(headerB3Single, fmt.Sprintf("%s-%016x-%s", traceID, ctx.ParentID, sampled))
	w.Set(headerB3TraceID, traceID)
	w.Set(headerB3SpanID, fmt.Sprintf("%016x", ctx.ParentID))
	w.Set(headerB3Sampled, sampled)
}
