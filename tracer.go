package houndtrace

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/houndtrace/houndtrace/internal/infrastructure/logging"
	"github.com/houndtrace/houndtrace/internal/infrastructure/monitoring"
	"github.com/houndtrace/houndtrace/internal/propagation"
	"github.com/houndtrace/houndtrace/internal/sampling"
	"github.com/houndtrace/houndtrace/internal/scheduler"
	"github.com/houndtrace/houndtrace/internal/shared/clock"
	"github.com/houndtrace/houndtrace/internal/shared/errs"
	"github.com/houndtrace/houndtrace/internal/shared/id"
	"github.com/houndtrace/houndtrace/internal/transport"
)

// ErrNoTraceContext is returned by ExtractSpan when the carrier holds no
// trace context in any configured style.
var ErrNoTraceContext = errs.New(errs.Other, "no trace context found in carrier")

// Tracer creates spans, realizes sampling decisions, and delivers
// finished trace segments to the agent on a fixed flush cadence. A
// Tracer is safe for concurrent use. Stop it exactly once when the
// process shuts down.
type Tracer struct {
	cfg         *FinalizedConfig
	sampler     *sampling.TraceSampler
	spanSampler *sampling.SpanSampler
	collector   *transport.Collector
	sched       *scheduler.Scheduler
	cancelFlush scheduler.Cancel
	metrics     *monitoring.Metrics
	log         *logging.Logger
	runtimeID   string
	stopOnce    sync.Once
}

// New builds a running tracer from a finalized configuration. The
// flush loop starts immediately; the agent is first contacted on the
// first flush.
func New(cfg *FinalizedConfig) *Tracer {
	t := &Tracer{
		cfg:         cfg,
		metrics:     monitoring.NewMetrics(cfg.registerer),
		log:         cfg.logger,
		runtimeID:   id.RuntimeID(),
		sampler:     sampling.NewTraceSampler(cfg.traceRules, cfg.defaultRate, cfg.rateLimit),
		spanSampler: sampling.NewSpanSampler(cfg.spanRules),
	}
	t.collector = transport.NewCollector(transport.Options{
		AgentURL:      cfg.agentURL,
		HTTPClient:    cfg.httpClient,
		Logger:        cfg.logger,
		Metrics:       t.metrics,
		TracerVersion: Version,
		LangVersion:   strings.TrimPrefix(runtime.Version(), "go"),
		OnRates:       t.sampler.UpdateRates,
	})
	t.sched = scheduler.New()
	t.cancelFlush = t.sched.ScheduleRecurring(cfg.flushInterval, t.flush)

	if cfg.startupLogs {
		t.logStartup()
	}
	return t
}

// StartSpan begins a new local root span, opening a fresh trace
// segment with a newly generated trace id.
func (t *Tracer) StartSpan(cfg SpanConfig) *Span {
	d := t.buildSpanData(cfg)
	d.traceID = t.cfg.generator.TraceID(d.start.Wall)
	if !t.cfg.traceID128 {
		d.traceID.High = 0
	}
	d.spanID = t.cfg.generator.SpanID()

	seg := &traceSegment{
		tracer:  t,
		spans:   []*spanData{d},
		numOpen: 1,
		root:    d,
	}
	return &Span{seg: seg, data: d}
}

// ExtractSpan continues a trace from the carrier, returning a local
// root span parented on the remote context. ErrNoTraceContext means the
// carrier was empty; other errors mean it was malformed.
func (t *Tracer) ExtractSpan(r TextMapReader, cfg SpanConfig) (*Span, error) {
	pctx, err := propagation.Extract(t.cfg.extractStyles, r, t.cfg.tagsMaxLen)
	if err != nil && pctx != nil {
		t.log.Warn("conflicting trace contexts in carrier", zap.Error(err))
		err = nil
	}
	if pctx == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrNoTraceContext
	}

	d := t.buildSpanData(cfg)
	d.traceID = pctx.TraceID
	d.parentID = pctx.ParentID
	d.spanID = t.cfg.generator.SpanID()

	seg := &traceSegment{
		tracer:          t,
		spans:           []*spanData{d},
		numOpen:         1,
		root:            d,
		origin:          pctx.Origin,
		propagated:      pctx.Tags,
		extraTracestate: pctx.ExtraTracestate,
		lastParentID:    pctx.LastParentID,
		remotePriority:  pctx.SamplingPriority,
		propagationErr:  pctx.DecodeError,
	}
	return &Span{seg: seg, data: d}, nil
}

// ExtractOrCreateSpan continues a trace from the carrier when one is
// present, and starts a fresh trace otherwise. A malformed carrier also
// starts a fresh trace, tagged with the extraction failure.
func (t *Tracer) ExtractOrCreateSpan(r TextMapReader, cfg SpanConfig) *Span {
	sp, err := t.ExtractSpan(r, cfg)
	if err == nil {
		return sp
	}
	root := t.StartSpan(cfg)
	if !errors.Is(err, ErrNoTraceContext) {
		t.log.Warn("discarding malformed trace context", zap.Error(err))
		root.seg.mu.Lock()
		root.seg.propagationErr = "extraction_error"
		root.seg.mu.Unlock()
	}
	return root
}

// QueueDepth reports the number of finished segments awaiting flush.
func (t *Tracer) QueueDepth() int { return t.collector.QueueDepth() }

// Flush delivers all queued segments to the agent immediately.
func (t *Tracer) Flush(ctx context.Context) error { return t.collector.Flush(ctx) }

// Stop halts the flush loop, performs one final flush, and releases the
// tracer's resources. Segments finished after Stop are not flushed
// automatically; they stay queued until an explicit Flush.
func (t *Tracer) Stop() {
	t.stopOnce.Do(func() {
		t.cancelFlush()
		t.flush()
		t.sched.Stop()
	})
}

// flushTimeout bounds one flush attempt, including the final flush
// performed by Stop.
const flushTimeout = 2 * time.Second

func (t *Tracer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	// Flush logs its own failures; rates and health are tracked inside.
	_ = t.collector.Flush(ctx)
}

// buildSpanData fills a span record from the config, inheriting tracer
// defaults for every zero field.
func (t *Tracer) buildSpanData(cfg SpanConfig) *spanData {
	now := t.cfg.clock()
	start := now
	if !cfg.Start.IsZero() {
		start = clock.Time{Wall: cfg.Start, Tick: now.Tick}
	}
	d := &spanData{
		service:     firstNonEmpty(cfg.Service, t.cfg.service),
		serviceType: firstNonEmpty(cfg.ServiceType, t.cfg.serviceType),
		environment: firstNonEmpty(cfg.Environment, t.cfg.environment),
		version:     firstNonEmpty(cfg.Version, t.cfg.version),
		name:        cfg.Name,
		resource:    firstNonEmpty(cfg.Resource, cfg.Name),
		spanType:    cfg.SpanType,
		start:       start,
	}
	if len(t.cfg.tags) > 0 || len(cfg.Tags) > 0 {
		d.tags = make(map[string]string, len(t.cfg.tags)+len(cfg.Tags))
		for k, v := range t.cfg.tags {
			d.tags[k] = v
		}
		for k, v := range cfg.Tags {
			d.tags[k] = v
		}
	}
	return d
}
