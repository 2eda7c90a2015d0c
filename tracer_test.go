package houndtrace

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"

	"github.com/houndtrace/houndtrace/internal/infrastructure/config"
	"github.com/houndtrace/houndtrace/internal/shared/clock"
	"github.com/houndtrace/houndtrace/internal/shared/id"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// fakeAgent captures trace payloads in memory and answers with a fixed
// JSON body.
type fakeAgent struct {
	mu       sync.Mutex
	batches  [][]interface{}
	response string
}

func (a *fakeAgent) client() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		decoded, _, err := msgp.ReadIntfBytes(raw)
		if err != nil {
			return nil, err
		}
		chunks, _ := decoded.([]interface{})

		a.mu.Lock()
		a.batches = append(a.batches, chunks)
		body := a.response
		a.mu.Unlock()
		if body == "" {
			body = "{}"
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	})}
}

func (a *fakeAgent) batchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches)
}

// spans flattens every received chunk into decoded span maps.
func (a *fakeAgent) spans(t *testing.T) []map[string]interface{} {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []map[string]interface{}
	for _, batch := range a.batches {
		for _, chunk := range batch {
			spans, ok := chunk.([]interface{})
			require.True(t, ok, "chunk is not an array")
			for _, s := range spans {
				m, ok := s.(map[string]interface{})
				require.True(t, ok, "span is not a map")
				out = append(out, m)
			}
		}
	}
	return out
}

func spanMeta(t *testing.T, span map[string]interface{}) map[string]interface{} {
	t.Helper()
	meta, ok := span["meta"].(map[string]interface{})
	require.True(t, ok, "span has no meta map")
	return meta
}

func spanMetrics(t *testing.T, span map[string]interface{}) map[string]interface{} {
	t.Helper()
	metrics, ok := span["metrics"].(map[string]interface{})
	require.True(t, ok, "span has no metrics map")
	return metrics
}

// stubIDs hands out sequential ids so tests can predict them.
type stubIDs struct {
	mu   sync.Mutex
	next uint64
	high uint64
}

func (g *stubIDs) SpanID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next
}

func (g *stubIDs) TraceID(time.Time) id.TraceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return id.TraceID{High: g.high, Low: g.next}
}

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestTracer(t *testing.T, cfg Config, agent *fakeAgent) *Tracer {
	t.Helper()
	if cfg.Service == "" {
		cfg.Service = "svc"
	}
	if cfg.FlushInterval == 0 {
		// Keep the background flush out of the way; tests flush explicitly.
		cfg.FlushInterval = time.Hour
	}
	if cfg.HTTPClient == nil && agent != nil {
		cfg.HTTPClient = agent.client()
	}
	if cfg.clock == nil {
		cfg.clock = clock.Fixed(clock.Time{Wall: testTime})
	}
	if cfg.generator == nil {
		cfg.generator = &stubIDs{}
	}
	fc, err := finalize(cfg, config.Env{})
	require.NoError(t, err)
	tr := New(fc)
	t.Cleanup(tr.Stop)
	return tr
}

func flushNow(t *testing.T, tr *Tracer) {
	t.Helper()
	require.NoError(t, tr.Flush(context.Background()))
}

func TestFreshTraceKeptByDefault(t *testing.T) {
	agent := &fakeAgent{}
	tr := newTestTracer(t, Config{}, agent)

	span := tr.StartSpan(SpanConfig{Name: "s1"})
	span.Finish()
	flushNow(t, tr)

	spans := agent.spans(t)
	require.Len(t, spans, 1)
	meta := spanMeta(t, spans[0])
	assert.Equal(t, "1", meta["_sampling_priority_v1"])
	assert.Equal(t, "-0", meta["_dd.p.dm"])
	assert.Equal(t, "svc", spans[0]["service"])
	assert.Equal(t, "s1", spans[0]["name"])
	assert.Equal(t, "s1", spans[0]["resource"])
}

func TestExtractDatadogStyle(t *testing.T) {
	agent := &fakeAgent{}
	tr := newTestTracer(t, Config{}, agent)

	in := TextMapCarrier{
		"x-datadog-trace-id":          "12345",
		"x-datadog-parent-id":         "67",
		"x-datadog-sampling-priority": "2",
	}
	span, err := tr.ExtractSpan(in, SpanConfig{Name: "server.request"})
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), span.TraceIDLow())
	assert.Equal(t, uint64(67), span.ParentID())

	out := TextMapCarrier{}
	span.InjectContext(out)
	assert.Equal(t, "12345", out["x-datadog-trace-id"])
	assert.Equal(t, "2", out["x-datadog-sampling-priority"])
	assert.NotEmpty(t, out["x-datadog-parent-id"])

	span.Finish()
	flushNow(t, tr)

	spans := agent.spans(t)
	require.Len(t, spans, 1)
	meta := spanMeta(t, spans[0])
	assert.Equal(t, "2", meta["_sampling_priority_v1"])
	// A remote decision stamps no decision maker.
	assert.NotContains(t, meta, "_dd.p.dm")
}

func TestExtractW3C128Bit(t *testing.T) {
	agent := &fakeAgent{}
	tr := newTestTracer(t, Config{}, agent)

	in := TextMapCarrier{
		"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
	}
	span, err := tr.ExtractSpan(in, SpanConfig{Name: "server.request"})
	require.NoError(t, err)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", span.TraceIDHex())
	assert.Equal(t, uint64(0xb7ad6b7169203331), span.ParentID())

	out := TextMapCarrier{}
	span.InjectContext(out)
	parts := strings.Split(out["traceparent"], "-")
	require.Len(t, parts, 4)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", parts[1])
	assert.Equal(t, "01", parts[3])
	assert.Contains(t, out["tracestate"], "s:1")
	assert.Contains(t, out["tracestate"], "p:"+parts[2])

	span.Finish()
	flushNow(t, tr)

	spans := agent.spans(t)
	require.Len(t, spans, 1)
	meta := spanMeta(t, spans[0])
	// The high 64 bits travel as a root trace tag.
	assert.Equal(t, "0af7651916cd43dd", meta["_dd.p.tid"])
	assert.EqualValues(t, uint64(0x8448eb211c80319c), spans[0]["trace_id"])
}

func TestRuleWithLimiter(t *testing.T) {
	agent := &fakeAgent{}
	tr := newTestTracer(t, Config{
		TraceSamplingRules: []TraceSamplingRule{{Service: "svc", Name: "db.*", SampleRate: 1}},
		RateLimit:          floatPtr(1),
	}, agent)

	for i := 0; i < 3; i++ {
		tr.StartSpan(SpanConfig{Name: "db.query"}).Finish()
	}
	flushNow(t, tr)

	spans := agent.spans(t)
	require.Len(t, spans, 3)

	var kept, dropped int
	for _, s := range spans {
		meta := spanMeta(t, s)
		metrics := spanMetrics(t, s)
		switch meta["_sampling_priority_v1"] {
		case "1":
			kept++
			assert.Equal(t, 1.0, metrics["_dd.rule_psr"])
			assert.Contains(t, metrics, "_dd.limit_psr")
		case "0":
			dropped++
		default:
			t.Fatalf("unexpected priority %v", meta["_sampling_priority_v1"])
		}
	}
	assert.Equal(t, 1, kept)
	assert.Equal(t, 2, dropped)
}

func TestAgentRateUpdate(t *testing.T) {
	agent := &fakeAgent{response: `{"rate_by_service":{"service:svc,env:prod":0.0}}`}
	tr := newTestTracer(t, Config{Environment: "prod"}, agent)

	tr.StartSpan(SpanConfig{Name: "warmup"}).Finish()
	flushNow(t, tr)

	tr.StartSpan(SpanConfig{Name: "after.update"}).Finish()
	flushNow(t, tr)

	spans := agent.spans(t)
	require.Len(t, spans, 2)
	meta := spanMeta(t, spans[1])
	assert.Equal(t, "0", meta["_sampling_priority_v1"])
	assert.Equal(t, "-1", meta["_dd.p.dm"])
	metrics := spanMetrics(t, spans[1])
	assert.Equal(t, 0.0, metrics["_dd.agent_psr"])
}

func TestGracefulShutdown(t *testing.T) {
	agent := &fakeAgent{}
	tr := newTestTracer(t, Config{}, agent)

	for i := 0; i < 10; i++ {
		tr.StartSpan(SpanConfig{Name: "op"}).Finish()
	}
	tr.Stop()

	require.Equal(t, 1, agent.batchCount())
	assert.Len(t, agent.spans(t), 10)

	// Stop again is a no-op.
	tr.Stop()
	assert.Equal(t, 1, agent.batchCount())
}

func TestShutdownTimeoutBounded(t *testing.T) {
	blocking := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})}
	tr := newTestTracer(t, Config{HTTPClient: blocking}, nil)

	tr.StartSpan(SpanConfig{Name: "op"}).Finish()

	start := time.Now()
	tr.Stop()
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExtractSpanEmptyCarrier(t *testing.T) {
	tr := newTestTracer(t, Config{}, &fakeAgent{})
	_, err := tr.ExtractSpan(TextMapCarrier{}, SpanConfig{Name: "op"})
	assert.ErrorIs(t, err, ErrNoTraceContext)
}

func TestExtractOrCreateSpan(t *testing.T) {
	agent := &fakeAgent{}
	tr := newTestTracer(t, Config{}, agent)

	t.Run("continues an existing trace", func(t *testing.T) {
		in := TextMapCarrier{
			"x-datadog-trace-id":  "555",
			"x-datadog-parent-id": "666",
		}
		span := tr.ExtractOrCreateSpan(in, SpanConfig{Name: "op"})
		assert.Equal(t, uint64(555), span.TraceIDLow())
		span.Finish()
	})

	t.Run("starts fresh on an empty carrier", func(t *testing.T) {
		span := tr.ExtractOrCreateSpan(TextMapCarrier{}, SpanConfig{Name: "op"})
		assert.NotZero(t, span.TraceIDLow())
		span.Finish()
	})

	t.Run("starts fresh on a malformed carrier", func(t *testing.T) {
		in := TextMapCarrier{"x-datadog-trace-id": "garbage", "x-datadog-parent-id": "1"}
		span := tr.ExtractOrCreateSpan(in, SpanConfig{Name: "op"})
		assert.NotZero(t, span.TraceIDLow())
		span.Finish()
		flushNow(t, tr)

		spans := agent.spans(t)
		last := spans[len(spans)-1]
		assert.Equal(t, "extraction_error", spanMeta(t, last)["_dd.propagation_error"])
	})
}

func TestDisabledTracerDeliversNothing(t *testing.T) {
	agent := &fakeAgent{}
	tr := newTestTracer(t, Config{Enabled: boolPtr(false)}, agent)

	span := tr.StartSpan(SpanConfig{Name: "op"})
	span.SetTag("k", "v")
	span.Finish()
	flushNow(t, tr)

	assert.Zero(t, agent.batchCount())
}

func TestGlobalTagsAndDefaults(t *testing.T) {
	agent := &fakeAgent{}
	tr := newTestTracer(t, Config{
		Environment: "prod",
		Version:     "2.0.0",
		ServiceType: "web",
		Tags:        map[string]string{"team": "core"},
	}, agent)

	tr.StartSpan(SpanConfig{Name: "op"}).Finish()
	flushNow(t, tr)

	spans := agent.spans(t)
	require.Len(t, spans, 1)
	assert.Equal(t, "web", spans[0]["type"])
	meta := spanMeta(t, spans[0])
	assert.Equal(t, "prod", meta["env"])
	assert.Equal(t, "2.0.0", meta["version"])
	assert.Equal(t, "core", meta["team"])
}
