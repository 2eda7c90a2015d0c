// Package monitoring exposes the tracer's internal health as Prometheus
// metrics: span and segment throughput, queue drops and depth, and flush
// outcomes, latency, and payload size.
//
// Instruments register on the Registerer the host passes in, so a host
// application can scope them to its own registry and expose them on its
// own /metrics endpoint. Tests use a throwaway registry.
package monitoring
