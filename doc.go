// Package houndtrace is a Datadog-compatible distributed tracing client.
//
// A host application finalizes a Config, creates a Tracer, and
// instruments work with spans:
//
//	cfg, err := houndtrace.FinalizeConfig(houndtrace.Config{Service: "billing"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	tracer := houndtrace.New(cfg)
//	defer tracer.Stop()
//
//	span := tracer.StartSpan(houndtrace.SpanConfig{Name: "handle.request"})
//	defer span.Finish()
//
// Trace context crosses process boundaries through textual carriers in
// the Datadog, W3C trace-context, and B3 header styles. Finished trace
// segments are batched and shipped to the Datadog agent in MessagePack;
// the agent's per-service sample rates feed back into the trace sampler.
package houndtrace
