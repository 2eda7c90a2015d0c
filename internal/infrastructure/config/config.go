// Package config captures the DD_* environment variables the tracer
// honors. Numeric and boolean fields stay strings here so that a
// malformed value can be reported with its original text instead of
// failing the whole load.
package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
)

// Env holds the raw environment configuration, grouped by concern.
type Env struct {
	Service     ServiceEnv
	Agent       AgentEnv
	Sampling    SamplingEnv
	Propagation PropagationEnv
	Diagnostics DiagnosticsEnv
}

// ServiceEnv identifies the traced service.
type ServiceEnv struct {
	Name    string `envconfig:"DD_SERVICE"`
	Env     string `envconfig:"DD_ENV"`
	Version string `envconfig:"DD_VERSION"`
	Tags    string `envconfig:"DD_TAGS"`
}

// AgentEnv locates the Datadog agent.
type AgentEnv struct {
	Host string `envconfig:"DD_AGENT_HOST"`
	Port string `envconfig:"DD_TRACE_AGENT_PORT"`
	URL  string `envconfig:"DD_TRACE_AGENT_URL"`
}

// SamplingEnv configures trace and span sampling.
type SamplingEnv struct {
	SampleRate string `envconfig:"DD_TRACE_SAMPLE_RATE"`
	RateLimit  string `envconfig:"DD_TRACE_RATE_LIMIT"`
	TraceRules string `envconfig:"DD_TRACE_SAMPLING_RULES"`
	SpanRules  string `envconfig:"DD_SPAN_SAMPLING_RULES"`
}

// PropagationEnv configures context extraction and injection.
type PropagationEnv struct {
	Style         string `envconfig:"DD_TRACE_PROPAGATION_STYLE"`
	ExtractStyle  string `envconfig:"DD_TRACE_PROPAGATION_STYLE_EXTRACT"`
	InjectStyle   string `envconfig:"DD_TRACE_PROPAGATION_STYLE_INJECT"`
	TagsMaxLength string `envconfig:"DD_TRACE_X_DATADOG_TAGS_MAX_LENGTH"`
}

// DiagnosticsEnv controls tracer-level switches and reporting.
type DiagnosticsEnv struct {
	Enabled        string `envconfig:"DD_TRACE_ENABLED"`
	StartupLogs    string `envconfig:"DD_TRACE_STARTUP_LOGS"`
	LogLevel       string `envconfig:"DD_TRACE_LOG_LEVEL"`
	ReportHostname string `envconfig:"DD_TRACE_REPORT_HOSTNAME"`
	TraceID128     string `envconfig:"DD_TRACE_128_BIT_TRACEID_GENERATION_ENABLED"`
}

// Load reads the DD_* environment.
func Load() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, fmt.Errorf("failed to load environment: %w", err)
	}
	return e, nil
}

// ParseBool interprets common boolean spellings, returning def for an
// empty value. Unrecognized values are rejected.
func ParseBool(raw string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return def, errs.Newf(errs.Other, "value %q is not a boolean", raw)
	}
}

// ParseInt parses a bounded integer, distinguishing malformed text from
// out-of-range values.
func ParseInt(raw string, min, max int64) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return 0, errs.Newf(errs.OutOfRangeInteger, "value %q overflows", raw)
		}
		return 0, errs.Newf(errs.InvalidInteger, "value %q is not an integer", raw)
	}
	if v < min || v > max {
		return 0, errs.Newf(errs.OutOfRangeInteger,
			"value %d is outside [%d, %d]", v, min, max)
	}
	return v, nil
}

// ParseFloat parses a finite float.
func ParseFloat(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errs.Newf(errs.InvalidInteger, "value %q is not a finite number", raw)
	}
	return v, nil
}

// ParseTags parses the DD_TAGS format: comma- or space-separated k:v
// pairs. A pair without a colon becomes a tag with an empty value.
func ParseTags(raw string) map[string]string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil
	}
	tags := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, _ := strings.Cut(f, ":")
		if key == "" {
			continue
		}
		tags[key] = value
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}
