// Package sampling implements trace-level and single-span sampling.
//
// The trace sampler decides keep/drop for a whole local trace segment from
// user rules, agent-pushed per-service rates, and a configured default,
// gated by a global token-bucket limiter. The span sampler independently
// keeps individual spans of dropped traces using per-rule rates and
// optional per-rule limits.
//
// Keep/drop draws are deterministic in the trace (or span) id, so every
// tracer in a distributed system reaches the same verdict for the same id.
package sampling
