package sampling

import (
	"github.com/bytedance/sonic"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
)

// traceRuleJSON is the environment/JSON form of a trace sampling rule, as
// accepted in DD_TRACE_SAMPLING_RULES.
type traceRuleJSON struct {
	SpanMatcher
	SampleRate *float64 `json:"sample_rate"`
}

// spanRuleJSON is the environment/JSON form of a span sampling rule, as
// accepted in DD_SPAN_SAMPLING_RULES.
type spanRuleJSON struct {
	SpanMatcher
	SampleRate   *float64 `json:"sample_rate"`
	MaxPerSecond *float64 `json:"max_per_second"`
}

// ParseTraceRules decodes a JSON array of trace sampling rules. A missing
// sample_rate defaults to 1.0.
func ParseTraceRules(raw string) ([]TraceRule, error) {
	if raw == "" {
		return nil, nil
	}
	var decoded []traceRuleJSON
	if err := sonic.UnmarshalString(raw, &decoded); err != nil {
		return nil, errs.Wrap(errs.Other, "malformed trace sampling rules", err)
	}
	rules := make([]TraceRule, 0, len(decoded))
	for _, d := range decoded {
		rate := 1.0
		if d.SampleRate != nil {
			rate = *d.SampleRate
		}
		validated, err := NewRate(rate)
		if err != nil {
			return nil, err
		}
		rules = append(rules, TraceRule{Matcher: d.SpanMatcher, Rate: validated})
	}
	return rules, nil
}

// ParseSpanRules decodes a JSON array of span sampling rules. A missing
// sample_rate defaults to 1.0; a missing max_per_second means unlimited.
func ParseSpanRules(raw string) ([]SpanRule, error) {
	if raw == "" {
		return nil, nil
	}
	var decoded []spanRuleJSON
	if err := sonic.UnmarshalString(raw, &decoded); err != nil {
		return nil, errs.Wrap(errs.Other, "malformed span sampling rules", err)
	}
	rules := make([]SpanRule, 0, len(decoded))
	for _, d := range decoded {
		rate := 1.0
		if d.SampleRate != nil {
			rate = *d.SampleRate
		}
		validated, err := NewRate(rate)
		if err != nil {
			return nil, err
		}
		rule := SpanRule{Matcher: d.SpanMatcher, Rate: validated}
		if d.MaxPerSecond != nil {
			rule.MaxPerSecond = *d.MaxPerSecond
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
