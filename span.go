package houndtrace

import (
	"strconv"
	"time"

	"github.com/houndtrace/houndtrace/internal/shared/clock"
	"github.com/houndtrace/houndtrace/internal/shared/id"
)

// SpanConfig describes a span at creation time. Zero fields inherit the
// tracer's defaults; Resource defaults to Name.
type SpanConfig struct {
	Service     string
	ServiceType string
	Name        string
	Resource    string
	Environment string
	Version     string
	SpanType    string
	Tags        map[string]string
	// Start overrides the wall-clock start timestamp.
	Start time.Time
}

// spanData is the record behind one span. It is owned by the segment
// and guarded by the segment mutex; the Span handle is the only writer
// before finish.
type spanData struct {
	service     string
	serviceType string
	environment string
	version     string
	name        string
	resource    string
	spanType    string

	traceID  id.TraceID
	spanID   uint64
	parentID uint64

	start    clock.Time
	duration time.Duration
	errored  bool
	finished bool

	tags    map[string]string
	metrics map[string]float64
}

// Span is a handle on one unit of work inside a trace segment. All
// methods are safe for concurrent use; mutations after Finish are
// silently discarded.
type Span struct {
	seg  *traceSegment
	data *spanData
}

// TraceIDHex returns the full 128-bit trace id as 32 lowercase hex
// digits.
func (s *Span) TraceIDHex() string { return s.data.traceID.Hex() }

// TraceIDLow returns the low 64 bits of the trace id, the legacy
// Datadog trace id.
func (s *Span) TraceIDLow() uint64 { return s.data.traceID.Low }

// SpanID returns the span id.
func (s *Span) SpanID() uint64 { return s.data.spanID }

// ParentID returns the parent span id, zero for a local root with no
// remote parent.
func (s *Span) ParentID() uint64 { return s.data.parentID }

// Root returns the handle of the segment's local root span.
func (s *Span) Root() *Span { return s.seg.rootSpan() }

// SetOperationName renames the operation.
func (s *Span) SetOperationName(name string) {
	s.mutate(func(d *spanData) {
		d.name = name
		if d.resource == "" {
			d.resource = name
		}
	})
}

// SetResource sets the resource name, e.g. an endpoint or query.
func (s *Span) SetResource(resource string) {
	s.mutate(func(d *spanData) { d.resource = resource })
}

// SetServiceName overrides the service for this span only.
func (s *Span) SetServiceName(service string) {
	s.mutate(func(d *spanData) { d.service = service })
}

// SetServiceType overrides the service type for this span only.
func (s *Span) SetServiceType(serviceType string) {
	s.mutate(func(d *spanData) { d.serviceType = serviceType })
}

// SetSpanType sets the span type, e.g. "web", "db", "cache".
func (s *Span) SetSpanType(spanType string) {
	s.mutate(func(d *spanData) { d.spanType = spanType })
}

// SetTag sets a string tag.
func (s *Span) SetTag(key, value string) {
	s.mutate(func(d *spanData) {
		if d.tags == nil {
			d.tags = make(map[string]string)
		}
		d.tags[key] = value
	})
}

// SetMetric sets a numeric tag.
func (s *Span) SetMetric(key string, value float64) {
	s.mutate(func(d *spanData) {
		if d.metrics == nil {
			d.metrics = make(map[string]float64)
		}
		d.metrics[key] = value
	})
}

// SetError marks or unmarks the span as errored.
func (s *Span) SetError(errored bool) {
	s.mutate(func(d *spanData) { d.errored = errored })
}

// SetErrorMessage records an error message and marks the span errored.
func (s *Span) SetErrorMessage(message string) {
	s.setErrorDetail("error.message", message)
}

// SetErrorType records an error type and marks the span errored.
func (s *Span) SetErrorType(errorType string) {
	s.setErrorDetail("error.type", errorType)
}

// SetErrorStack records a stack trace and marks the span errored.
func (s *Span) SetErrorStack(stack string) {
	s.setErrorDetail("error.stack", stack)
}

func (s *Span) setErrorDetail(key, value string) {
	s.mutate(func(d *spanData) {
		d.errored = true
		if d.tags == nil {
			d.tags = make(map[string]string)
		}
		d.tags[key] = value
	})
}

func (s *Span) mutate(fn func(*spanData)) {
	s.seg.mu.Lock()
	defer s.seg.mu.Unlock()
	if s.data.finished {
		return
	}
	fn(s.data)
}

// CreateChild starts a child span in the same segment. The child shares
// the trace id; its parent is this span.
func (s *Span) CreateChild(cfg SpanConfig) *Span {
	return s.seg.createChild(s.data, cfg)
}

// Finish ends the span, computing its duration from the monotonic
// clock. Finishing twice is a no-op. Finishing the last open span of a
// segment finalizes the segment and hands it to the collector.
func (s *Span) Finish() {
	now := s.seg.tracer.cfg.clock()
	s.seg.finishSpan(s.data, now.Tick-s.data.start.Tick)
}

// FinishWithDuration ends the span with an explicit duration.
func (s *Span) FinishWithDuration(d time.Duration) {
	s.seg.finishSpan(s.data, d)
}

// OverrideSamplingPriority forces the trace-level sampling priority for
// the whole segment, recording a manual decision. It has no effect once
// the segment has been handed to the collector.
func (s *Span) OverrideSamplingPriority(priority int) {
	s.seg.overridePriority(priority)
}

// InjectContext writes this span's trace context into the carrier using
// every configured injection style. If the segment has no sampling
// decision yet, one is made now and locked in.
func (s *Span) InjectContext(w TextMapWriter) {
	s.seg.inject(s.data, w)
}

// samplingPriorityTag is the root meta key carrying the final priority.
const samplingPriorityTag = "_sampling_priority_v1"

func formatPriority(p int) string { return strconv.Itoa(p) }
