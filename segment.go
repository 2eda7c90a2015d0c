package houndtrace

import (
	"sync"
	"time"

	"github.com/houndtrace/houndtrace/internal/propagation"
	"github.com/houndtrace/houndtrace/internal/sampling"
	"github.com/houndtrace/houndtrace/internal/transport"
)

// Root meta keys stamped at finalization.
const (
	keyDecisionMaker    = "_dd.p.dm"
	keyOrigin           = "_dd.origin"
	keyTraceIDHigh      = "_dd.p.tid"
	keyHostname         = "_dd.hostname"
	keyPropagationError = "_dd.propagation_error"
	keyRulePSR          = "_dd.rule_psr"
	keyAgentPSR         = "_dd.agent_psr"
	keyLimitPSR         = "_dd.limit_psr"
)

// traceSegment is the portion of one trace produced in this process. It
// owns every spanData record, tracks open spans, and finalizes exactly
// once: when the last open span finishes, the sampling decision is
// realized, root tags are stamped, and the encoded-ready span list is
// handed to the collector.
//
// One mutex guards all segment state. Segments never interlock.
type traceSegment struct {
	tracer *Tracer

	mu           sync.Mutex
	spans        []*spanData
	numOpen      int
	numFinished  int
	root         *spanData
	rootFinished bool
	finalized    bool

	// Context carried in from extraction.
	origin          string
	propagated      map[string]string
	extraTracestate string
	lastParentID    string
	remotePriority  *int
	propagationErr  string

	decision       *sampling.Decision
	decisionLocked bool
}

func (s *traceSegment) rootSpan() *Span {
	return &Span{seg: s, data: s.root}
}

func (s *traceSegment) createChild(parent *spanData, cfg SpanConfig) *Span {
	d := s.tracer.buildSpanData(cfg)
	d.traceID = parent.traceID
	d.parentID = parent.spanID
	d.spanID = s.tracer.cfg.generator.SpanID()

	s.mu.Lock()
	// Children created after the segment was handed off cannot be
	// delivered; they are kept mutable but never enqueued.
	s.spans = append(s.spans, d)
	s.numOpen++
	s.mu.Unlock()
	return &Span{seg: s, data: d}
}

// finishSpan commits one span's duration and finalizes the segment when
// it was the last open span. Finishing an already-finished span is a
// no-op.
func (s *traceSegment) finishSpan(d *spanData, duration time.Duration) {
	s.mu.Lock()
	if d.finished {
		s.mu.Unlock()
		return
	}
	d.finished = true
	if duration < 0 {
		duration = 0
	}
	d.duration = duration
	s.numOpen--
	s.numFinished++
	if d == s.root {
		s.rootFinished = true
	}

	var wire []*transport.Span
	if s.numOpen == 0 && s.rootFinished && !s.finalized {
		s.finalized = true
		s.ensureDecisionLocked()
		wire = s.buildWireLocked()
	}
	s.mu.Unlock()

	s.tracer.metrics.SpansFinished.Inc()
	if wire != nil && s.tracer.cfg.enabled {
		s.tracer.collector.Enqueue(wire)
	}
}

func (s *traceSegment) overridePriority(priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.decision = &sampling.Decision{Priority: priority, Mechanism: sampling.MechanismManual}
	s.decisionLocked = true
}

// ensureDecisionLocked realizes the trace-level decision if none exists
// yet. Callers hold the segment mutex.
func (s *traceSegment) ensureDecisionLocked() {
	if s.decision != nil {
		return
	}
	root := s.root
	dec := s.tracer.sampler.Sample(sampling.SampleInput{
		Service:        root.service,
		Environment:    root.environment,
		Name:           root.name,
		Resource:       root.resource,
		Tags:           root.tags,
		TraceIDLow:     root.traceID.Low,
		RemotePriority: s.remotePriority,
		Now:            s.tracer.cfg.clock().Wall,
	})
	s.decision = &dec
}

// inject writes the segment's context into the carrier from the given
// span's vantage point. Injection forces a sampling decision so the
// downstream service sees the same keep/drop this process will report.
func (s *traceSegment) inject(d *spanData, w TextMapWriter) {
	s.mu.Lock()
	s.ensureDecisionLocked()
	dec := *s.decision
	priority := dec.Priority

	tags := make(map[string]string, len(s.propagated)+1)
	for k, v := range s.propagated {
		tags[k] = v
	}
	if dm := dec.Mechanism.DecisionMaker(); dm != "" {
		tags[keyDecisionMaker] = dm
	}
	pctx := &propagation.Context{
		TraceID:          d.traceID,
		ParentID:         d.spanID,
		SamplingPriority: &priority,
		Origin:           s.origin,
		Tags:             tags,
		LastParentID:     s.lastParentID,
		ExtraTracestate:  s.extraTracestate,
	}
	s.mu.Unlock()

	propagation.Inject(s.tracer.cfg.injectStyles, w, pctx, s.tracer.cfg.tagsMaxLen)

	if pctx.DecodeError != "" {
		s.mu.Lock()
		if !s.finalized && s.propagationErr == "" {
			s.propagationErr = pctx.DecodeError
		}
		s.mu.Unlock()
	}
}

// buildWireLocked converts the finished segment into wire spans,
// stamping decision tags on the root and span-sampling tags on kept
// spans of dropped traces. Callers hold the segment mutex.
func (s *traceSegment) buildWireLocked() []*transport.Span {
	dec := *s.decision
	keep := dec.Priority > 0
	cfg := s.tracer.cfg
	now := cfg.clock().Wall

	out := make([]*transport.Span, 0, len(s.spans))
	for _, d := range s.spans {
		w := &transport.Span{
			Service:  d.service,
			Name:     d.name,
			Resource: d.resource,
			Type:     firstNonEmpty(d.spanType, d.serviceType),
			TraceID:  d.traceID.Low,
			SpanID:   d.spanID,
			ParentID: d.parentID,
			Start:    d.start.Wall.UnixNano(),
			Duration: int64(d.duration),
		}
		if d.errored {
			w.Error = 1
		}

		meta := make(map[string]string, len(d.tags)+8)
		for k, v := range d.tags {
			meta[k] = v
		}
		if d.environment != "" {
			meta["env"] = d.environment
		}
		if d.version != "" {
			meta["version"] = d.version
		}
		metrics := make(map[string]float64, len(d.metrics)+4)
		for k, v := range d.metrics {
			metrics[k] = v
		}

		if d == s.root {
			s.stampRootLocked(meta, metrics, dec)
		}
		if !keep && !s.tracer.spanSampler.Empty() {
			if sd, ok := s.tracer.spanSampler.Sample(d.service, d.name, d.resource, d.tags, d.spanID, now); ok {
				metrics[sampling.SpanMechanismKey] = sampling.SpanMechanism
				metrics[sampling.SpanRuleRateKey] = sd.RuleRate
				if sd.MaxPerSecond > 0 {
					metrics[sampling.SpanMaxPerSecondKey] = sd.MaxPerSecond
				}
			}
		}

		w.Meta = meta
		w.Metrics = metrics
		out = append(out, w)
	}
	return out
}

func (s *traceSegment) stampRootLocked(meta map[string]string, metrics map[string]float64, dec sampling.Decision) {
	meta[samplingPriorityTag] = formatPriority(dec.Priority)
	if dm := dec.Mechanism.DecisionMaker(); dm != "" {
		meta[keyDecisionMaker] = dm
	}
	if s.origin != "" {
		meta[keyOrigin] = s.origin
	}
	for k, v := range s.propagated {
		meta[k] = v
	}
	cfg := s.tracer.cfg
	if s.root.traceID.High != 0 {
		meta[keyTraceIDHigh] = s.root.traceID.HexHigh()
	}
	if cfg.hostname != "" {
		meta[keyHostname] = cfg.hostname
	}
	if s.propagationErr != "" {
		meta[keyPropagationError] = s.propagationErr
	}
	if dec.RuleRate != nil {
		metrics[keyRulePSR] = *dec.RuleRate
	}
	if dec.AgentRate != nil {
		metrics[keyAgentPSR] = *dec.AgentRate
	}
	if dec.LimiterRate != nil {
		metrics[keyLimitPSR] = *dec.LimiterRate
	}
}
