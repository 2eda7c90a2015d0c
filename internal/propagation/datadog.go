package propagation

import (
	"strconv"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
)

// Datadog propagation headers.
const (
	headerTraceID  = "x-datadog-trace-id"
	headerParentID = "x-datadog-parent-id"
	headerPriority = "x-datadog-sampling-priority"
	headerOrigin   = "x-datadog-origin"
	headerTags     = "x-datadog-tags"
)

func extractDatadog(r Reader, maxTagsLen int) (*Context, error) {
	rawTraceID := r.Get(headerTraceID)
	rawParentID := r.Get(headerParentID)
	origin := r.Get(headerOrigin)
	if rawTraceID == "" {
		if rawParentID != "" {
			return nil, errs.Newf(errs.MissingTraceID,
				"%s is set but %s is missing", headerParentID, headerTraceID)
		}
		return nil, nil
	}

	low, err := strconv.ParseUint(rawTraceID, 10, 64)
	if err != nil || low == 0 {
		return nil, errs.Newf(errs.MalformedTraceID,
			"%s value %q is not a valid trace id", headerTraceID, rawTraceID)
	}

	ctx := &Context{Origin: origin, Style: StyleDatadog}

	if rawParentID == "" {
		// Synthetics requests carry an origin but no parent span.
		if origin == "" {
			return nil, errs.Newf(errs.MissingParentSpanID,
				"%s is set but %s is missing", headerTraceID, headerParentID)
		}
	} else {
		parent, err := strconv.ParseUint(rawParentID, 10, 64)
		if err != nil {
			return nil, errs.Newf(errs.MalformedSpanID,
				"%s value %q is not a valid span id", headerParentID, rawParentID)
		}
		ctx.ParentID = parent
	}

	if raw := r.Get(headerPriority); raw != "" {
		priority, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errs.Newf(errs.MalformedHeaders,
				"%s value %q is not an integer", headerPriority, raw)
		}
		ctx.SamplingPriority = &priority
	}

	tags, tidHigh, decodeErr := decodeTags(r.Get(headerTags), maxTagsLen)
	ctx.Tags = tags
	ctx.DecodeError = decodeErr
	ctx.TraceID = traceIDWithHigh(low, tidHigh)
	return ctx, nil
}

func injectDatadog(w Writer, ctx *Context, maxTagsLen int) {
	w.Set(headerTraceID, strconv.FormatUint(ctx.TraceID.Low, 10))
	w.Set(headerParentID, strconv.FormatUint(ctx.ParentID, 10))
	if ctx.SamplingPriority != nil {
		w.Set(headerPriority, strconv.Itoa(*ctx.SamplingPriority))
	}
	if ctx.Origin != "" {
		w.Set(headerOrigin, ctx.Origin)
	}
	if value, ok := encodeTags(ctx, maxTagsLen); !ok {
		ctx.DecodeError = errInjectMaxSize
	} else if value != "" {
		w.Set(headerTags, value)
	}
}
