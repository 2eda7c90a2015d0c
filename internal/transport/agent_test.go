package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
)

type fakeAgent struct {
	status   int
	body     string
	requests []recordedRequest
}

type recordedRequest struct {
	headers http.Header
	chunks  []interface{}
}

func (a *fakeAgent) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		decoded, _, _ := msgp.ReadIntfBytes(raw)
		chunks, _ := decoded.([]interface{})
		a.requests = append(a.requests, recordedRequest{headers: r.Header.Clone(), chunks: chunks})

		status := a.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		body := a.body
		if body == "" {
			body = "{}"
		}
		io.WriteString(w, body)
	}
}

func newTestCollector(t *testing.T, agent *fakeAgent, opts Options) *Collector {
	t.Helper()
	srv := httptest.NewServer(agent.handler())
	t.Cleanup(srv.Close)
	opts.AgentURL = srv.URL
	opts.HTTPClient = srv.Client()
	return NewCollector(opts)
}

func TestCollectorFlush(t *testing.T) {
	agent := &fakeAgent{body: `{"rate_by_service":{"service:svc,env:prod":0.5}}`}
	var rates map[string]float64
	c := newTestCollector(t, agent, Options{
		TracerVersion: "0.1.0",
		LangVersion:   "1.24.0",
		OnRates:       func(r map[string]float64) { rates = r },
	})

	c.Enqueue([]*Span{testSpan("one")})
	c.Enqueue([]*Span{testSpan("two"), testSpan("three")})
	assert.Equal(t, 2, c.QueueDepth())

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 0, c.QueueDepth())

	require.Len(t, agent.requests, 1)
	req := agent.requests[0]
	assert.Equal(t, "2", req.headers.Get("X-Datadog-Trace-Count"))
	assert.Equal(t, "application/msgpack", req.headers.Get("Content-Type"))
	assert.Equal(t, "go", req.headers.Get("Datadog-Meta-Lang"))
	assert.Equal(t, "1.24.0", req.headers.Get("Datadog-Meta-Lang-Version"))
	assert.Equal(t, "0.1.0", req.headers.Get("Datadog-Meta-Tracer-Version"))
	assert.Len(t, req.chunks, 2)

	assert.Equal(t, map[string]float64{"service:svc,env:prod": 0.5}, rates)
}

func TestCollectorEmptyFlushSkipsRequest(t *testing.T) {
	agent := &fakeAgent{}
	c := newTestCollector(t, agent, Options{})

	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, agent.requests)
}

func TestCollectorNon200(t *testing.T) {
	agent := &fakeAgent{status: http.StatusNotFound}
	c := newTestCollector(t, agent, Options{})

	c.Enqueue([]*Span{testSpan("op")})
	err := c.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.AgentHTTPFailure, errs.CodeOf(err))
}

func TestCollectorMalformedResponse(t *testing.T) {
	agent := &fakeAgent{body: "not json"}
	c := newTestCollector(t, agent, Options{})

	c.Enqueue([]*Span{testSpan("op")})
	err := c.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.AgentResponseMalformed, errs.CodeOf(err))
	// The traces themselves were delivered.
	assert.Len(t, agent.requests, 1)
}

func TestCollectorDropOldest(t *testing.T) {
	agent := &fakeAgent{}
	c := newTestCollector(t, agent, Options{QueueCap: 2})

	c.Enqueue([]*Span{testSpan("first")})
	c.Enqueue([]*Span{testSpan("second")})
	c.Enqueue([]*Span{testSpan("third")})
	assert.Equal(t, 2, c.QueueDepth())

	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, agent.requests, 1)
	req := agent.requests[0]
	require.Len(t, req.chunks, 2)

	spans := req.chunks[0].([]interface{})
	first := spans[0].(map[string]interface{})
	assert.Equal(t, "second", first["name"])
	metrics := first["metrics"].(map[string]interface{})
	assert.EqualValues(t, 1, metrics["_dd.tracer.dropped_segments"])
}

func TestCollectorUnreachableAgent(t *testing.T) {
	c := NewCollector(Options{AgentURL: "http://127.0.0.1:1"})
	c.Enqueue([]*Span{testSpan("op")})
	err := c.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.AgentHTTPFailure, errs.CodeOf(err))

	// The failed batch is gone; the next flush is empty.
	assert.Equal(t, 0, c.QueueDepth())
}
