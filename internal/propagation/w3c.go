package propagation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
	"github.com/houndtrace/houndtrace/internal/shared/id"
)

// W3C trace-context headers.
const (
	headerTraceparent = "traceparent"
	headerTracestate  = "tracestate"

	// tracestate value budget for the dd member; trailing t.* entries are
	// dropped to stay under it.
	maxTracestateLen = 256
)

func extractW3C(r Reader) (*Context, error) {
	raw := strings.TrimSpace(r.Get(headerTraceparent))
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, "-")
	if len(parts) < 4 {
		return nil, errs.Newf(errs.MalformedHeaders,
			"traceparent %q has %d fields, want at least 4", raw, len(parts))
	}
	version := parts[0]
	if len(version) != 2 || !isLowerHex(version) || version == "ff" {
		return nil, errs.Newf(errs.MalformedHeaders,
			"traceparent %q has invalid version %q", raw, version)
	}
	if version == "00" && (len(parts) != 4 || len(raw) != 55) {
		return nil, errs.Newf(errs.MalformedHeaders,
			"version-00 traceparent %q has trailing data", raw)
	}

	rawTraceID := parts[1]
	if len(rawTraceID) != 32 || !isLowerHex(rawTraceID) {
		return nil, errs.Newf(errs.MalformedTraceID,
			"traceparent trace id %q is not 32 hex digits", rawTraceID)
	}
	high, _ := strconv.ParseUint(rawTraceID[:16], 16, 64)
	low, _ := strconv.ParseUint(rawTraceID[16:], 16, 64)
	traceID := id.TraceID{High: high, Low: low}
	if traceID.IsZero() {
		return nil, errs.Newf(errs.MalformedTraceID, "traceparent trace id is zero")
	}

	rawParent := parts[2]
	if len(rawParent) != 16 || !isLowerHex(rawParent) {
		return nil, errs.Newf(errs.MalformedSpanID,
			"traceparent parent id %q is not 16 hex digits", rawParent)
	}
	parent, _ := strconv.ParseUint(rawParent, 16, 64)
	if parent == 0 {
		return nil, errs.Newf(errs.MalformedSpanID, "traceparent parent id is zero")
	}

	rawFlags := parts[3]
	if len(rawFlags) != 2 || !isLowerHex(rawFlags) {
		return nil, errs.Newf(errs.MalformedHeaders,
			"traceparent flags %q are not 2 hex digits", rawFlags)
	}
	flags, _ := strconv.ParseUint(rawFlags, 16, 8)
	sampled := flags&1 == 1

	ctx := &Context{TraceID: traceID, ParentID: parent, Style: StyleW3C}
	statePriority := parseTracestate(ctx, r.Get(headerTracestate))

	// The traceparent sampled flag is authoritative for the keep/drop
	// direction; the tracestate priority refines it when they agree.
	priority := 0
	if sampled {
		priority = 1
		if statePriority != nil && *statePriority > 0 {
			priority = *statePriority
		}
	} else if statePriority != nil && *statePriority <= 0 {
		priority = *statePriority
	}
	ctx.SamplingPriority = &priority
	return ctx, nil
}

// parseTracestate fills origin, propagated tags, and the p member from
// the dd tracestate entry, preserves foreign members verbatim, and
// returns the s member's priority if present.
func parseTracestate(ctx *Context, raw string) *int {
	if raw == "" {
		return nil
	}
	var (
		priority *int
		foreign  []string
	)
	for _, member := range strings.Split(raw, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		value, ok := strings.CutPrefix(member, "dd=")
		if !ok {
			foreign = append(foreign, member)
			continue
		}
		for _, pair := range strings.Split(value, ";") {
			key, v, ok := strings.Cut(pair, ":")
			if !ok {
				continue
			}
			switch {
			case key == "s":
				if p, err := strconv.Atoi(v); err == nil {
					priority = &p
				}
			case key == "o":
				ctx.Origin = unescapeTracestate(v)
			case key == "p":
				ctx.LastParentID = v
			case strings.HasPrefix(key, "t."):
				name := key[len("t."):]
				if name == "" || tagPrefix+name == tidTag {
					continue
				}
				if ctx.Tags == nil {
					ctx.Tags = make(map[string]string)
				}
				ctx.Tags[tagPrefix+name] = unescapeTracestate(v)
			}
		}
	}
	ctx.ExtraTracestate = strings.Join(foreign, ",")
	return priority
}

func injectW3C(w Writer, ctx *Context) {
	priority := 0
	if ctx.SamplingPriority != nil {
		priority = *ctx.SamplingPriority
	}
	flags := "00"
	if priority > 0 {
		flags = "01"
	}
	w.Set(headerTraceparent, fmt.Sprintf("00-%s-%016x-%s", ctx.TraceID.Hex(), ctx.ParentID, flags))

	dd := buildDDTracestate(ctx, priority)
	state := "dd=" + dd
	if ctx.ExtraTracestate != "" {
		state += "," + ctx.ExtraTracestate
	}
	w.Set(headerTracestate, state)
}

func buildDDTracestate(ctx *Context, priority int) string {
	parts := []string{"s:" + strconv.Itoa(priority)}
	if ctx.Origin != "" {
		parts = append(parts, "o:"+escapeTracestate(ctx.Origin))
	}
	parts = append(parts, fmt.Sprintf("p:%016x", ctx.ParentID))

	base := strings.Join(parts, ";")
	for _, key := range sortedTagKeys(ctx.Tags) {
		entry := "t." + key[len(tagPrefix):] + ":" + escapeTracestate(ctx.Tags[key])
		if len(base)+1+len(entry) > maxTracestateLen-len("dd=") {
			break
		}
		base += ";" + entry
	}
	return base
}

func sortedTagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for key := range tags {
		if strings.HasPrefix(key, tagPrefix) && key != tidTag {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// escapeTracestate maps characters that would break tracestate syntax.
// "=" becomes "~" (reversed on extraction); "," and ";" become "_".
func escapeTracestate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '=':
			b.WriteByte('~')
		case ',', ';':
			b.WriteByte('_')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeTracestate(s string) string {
	return strings.ReplaceAll(s, "~", "=")
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
