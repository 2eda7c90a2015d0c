// Package transport ships finished trace segments to the Datadog agent
// over msgpack and feeds the agent's per-service sample rates back to
// the sampler.
package transport

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/houndtrace/houndtrace/internal/infrastructure/logging"
	"github.com/houndtrace/houndtrace/internal/infrastructure/monitoring"
	"github.com/houndtrace/houndtrace/internal/shared/errs"
)

const (
	tracesPath      = "/v0.4/traces"
	defaultQueueCap = 1000
	defaultTimeout  = 2 * time.Second

	// Metric stamped on the first span of a flush that follows queue
	// overflow, reporting how many segments were discarded.
	droppedSegmentsKey = "_dd.tracer.dropped_segments"
)

// Options configures a Collector.
type Options struct {
	// AgentURL is the agent base URL, e.g. http://localhost:8126.
	AgentURL string
	// HTTPClient overrides the default client (2s timeout).
	HTTPClient *http.Client
	Logger     *logging.Logger
	Metrics    *monitoring.Metrics
	// QueueCap bounds the number of buffered segments; 0 means 1000.
	QueueCap      int
	TracerVersion string
	LangVersion   string
	// ClientComputedStats tells the agent that this client computes its
	// own trace stats, so the agent should not.
	ClientComputedStats bool
	// OnRates receives the rate_by_service table from agent responses.
	OnRates func(rates map[string]float64)
}

// Collector batches finished trace segments and flushes them to the
// agent in a single request per flush. When the queue overflows the
// oldest segment is discarded.
type Collector struct {
	opts   Options
	client *resty.Client
	health *Health

	mu      sync.Mutex
	queue   [][]*Span
	dropped uint64
}

// NewCollector creates a collector. It does not contact the agent.
func NewCollector(opts Options) *Collector {
	if opts.QueueCap <= 0 {
		opts.QueueCap = defaultQueueCap
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics(nil)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	client := resty.NewWithClient(httpClient).
		SetBaseURL(opts.AgentURL).
		SetHeader("Content-Type", "application/msgpack").
		SetHeader("Datadog-Meta-Lang", "go").
		SetHeader("Datadog-Meta-Lang-Version", opts.LangVersion).
		SetHeader("Datadog-Meta-Tracer-Version", opts.TracerVersion).
		SetRetryCount(0)
	if opts.ClientComputedStats {
		client.SetHeader("Datadog-Client-Computed-Stats", "yes")
	}

	c := &Collector{opts: opts, client: client}
	c.health = NewHealth(time.Minute, func(from, to State) {
		opts.Logger.Warn("agent connectivity changed",
			zap.Stringer("from", from), zap.Stringer("to", to))
	})
	return c
}

// Enqueue buffers one finished segment's spans for the next flush. When
// the queue is at capacity the oldest segment is dropped and counted;
// the count is stamped on the first span of the next successful flush.
func (c *Collector) Enqueue(spans []*Span) {
	if len(spans) == 0 {
		return
	}
	c.mu.Lock()
	if len(c.queue) >= c.opts.QueueCap {
		c.queue = c.queue[1:]
		c.dropped++
		c.opts.Metrics.SegmentsDropped.Inc()
	}
	c.queue = append(c.queue, spans)
	depth := len(c.queue)
	c.mu.Unlock()

	c.opts.Metrics.SegmentsEnqueued.Inc()
	c.opts.Metrics.QueueDepth.Set(float64(depth))
}

// QueueDepth reports the number of buffered segments.
func (c *Collector) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

type agentResponse struct {
	RateByService map[string]float64 `json:"rate_by_service"`
}

// Flush drains the queue and sends everything in one request. An empty
// queue is a no-op. Failures are reported at warn level until the agent
// has been unreachable for a minute, then at error level.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	chunks := c.queue
	dropped := c.dropped
	c.queue = nil
	c.dropped = 0
	c.mu.Unlock()
	c.opts.Metrics.QueueDepth.Set(0)

	if len(chunks) == 0 {
		c.opts.Metrics.FlushesTotal.WithLabelValues(monitoring.OutcomeEmpty).Inc()
		return nil
	}
	if dropped > 0 {
		first := chunks[0][0]
		if first.Metrics == nil {
			first.Metrics = make(map[string]float64, 1)
		}
		first.Metrics[droppedSegmentsKey] = float64(dropped)
	}

	payload := NewPayload()
	for _, chunk := range chunks {
		if err := payload.Push(chunk); err != nil {
			c.opts.Metrics.FlushesTotal.WithLabelValues(monitoring.OutcomeError).Inc()
			return err
		}
	}
	c.opts.Metrics.FlushPayloadSize.Observe(float64(payload.Size()))

	start := time.Now()
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-Datadog-Trace-Count", strconv.Itoa(payload.Count())).
		SetBody(payload).
		Post(tracesPath)
	c.opts.Metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return c.fail(errs.Wrap(errs.AgentHTTPFailure, "sending traces to agent", err),
			len(chunks), dropped)
	}
	if !resp.IsSuccess() {
		return c.fail(errs.Newf(errs.AgentHTTPFailure,
			"agent returned status %d: %s", resp.StatusCode(), truncate(resp.String(), 256)),
			len(chunks), dropped)
	}

	c.health.RecordSuccess(time.Now())
	c.opts.Metrics.FlushesTotal.WithLabelValues(monitoring.OutcomeOK).Inc()

	var decoded agentResponse
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil {
		wrapped := errs.Wrap(errs.AgentResponseMalformed, "parsing agent response", err)
		c.opts.Logger.Warn("agent response unusable", zap.Error(wrapped))
		return wrapped
	}
	if c.opts.OnRates != nil && decoded.RateByService != nil {
		c.opts.OnRates(decoded.RateByService)
	}
	return nil
}

func (c *Collector) fail(err error, segments int, dropped uint64) error {
	// The overflow count carries over to the next successful flush.
	c.mu.Lock()
	c.dropped += dropped
	c.mu.Unlock()
	c.opts.Metrics.FlushesTotal.WithLabelValues(monitoring.OutcomeError).Inc()
	state := c.health.RecordFailure(time.Now())
	fields := []zap.Field{zap.Error(err), zap.Int("segments", segments)}
	if state == StateFailing {
		c.opts.Logger.Error("trace flush failed", fields...)
	} else {
		c.opts.Logger.Warn("trace flush failed", fields...)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
