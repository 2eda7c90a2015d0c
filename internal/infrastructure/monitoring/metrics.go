package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the tracer's Prometheus instruments. All instruments are
// registered on the Registerer passed to NewMetrics, so hosts can scope
// them to their own registry and tests can use a throwaway one.
type Metrics struct {
	SegmentsEnqueued prometheus.Counter
	SegmentsDropped  prometheus.Counter
	SpansFinished    prometheus.Counter
	FlushesTotal     *prometheus.CounterVec
	FlushDuration    prometheus.Histogram
	FlushPayloadSize prometheus.Histogram
	QueueDepth       prometheus.Gauge
}

// NewMetrics creates and registers the tracer instruments. A nil
// registerer leaves the instruments unregistered but usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = discardRegisterer{}
	}
	factory := promauto.With(reg)

	return &Metrics{
		SegmentsEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "houndtrace_segments_enqueued_total",
				Help: "Trace segments handed to the agent client",
			},
		),
		SegmentsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "houndtrace_segments_dropped_total",
				Help: "Trace segments dropped because the send queue was full",
			},
		),
		SpansFinished: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "houndtrace_spans_finished_total",
				Help: "Spans finished across all segments",
			},
		),
		FlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "houndtrace_flushes_total",
				Help: "Flush attempts against the agent by outcome",
			},
			[]string{"outcome"},
		),
		FlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "houndtrace_flush_duration_seconds",
				Help:    "Wall time of one flush to the agent",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		FlushPayloadSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "houndtrace_flush_payload_bytes",
				Help:    "Encoded payload size per flush",
				Buckets: []float64{1024, 16384, 65536, 262144, 1048576, 4194304},
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "houndtrace_queue_depth",
				Help: "Trace segments waiting for the next flush",
			},
		),
	}
}

// Flush outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeEmpty = "empty"
)

type discardRegisterer struct{}

func (discardRegisterer) Register(prometheus.Collector) error  { return nil }
func (discardRegisterer) MustRegister(...prometheus.Collector) {}
func (discardRegisterer) Unregister(prometheus.Collector) bool { return true }
