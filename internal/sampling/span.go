package sampling

import "time"

// Span-sampling tag keys and the Datadog ingestion mechanism code for
// single-span sampling.
const (
	SpanMechanismKey    = "_dd.span_sampling.mechanism"
	SpanRuleRateKey     = "_dd.span_sampling.rule_rate"
	SpanMaxPerSecondKey = "_dd.span_sampling.max_per_second"
	SpanMechanism       = 8
)

// SpanRule keeps individual spans matching its matcher with the given
// probability, optionally capped by a per-rule limiter.
type SpanRule struct {
	Matcher      SpanMatcher
	Rate         Rate
	MaxPerSecond float64 // 0 means unlimited
	limiter      *Limiter
}

// SpanDecision reports a kept span and the rule parameters to record on it.
type SpanDecision struct {
	RuleRate     float64
	MaxPerSecond float64 // 0 when the rule had no limit
}

// SpanSampler applies ordered span rules to individual spans, independent
// of the trace-level decision.
type SpanSampler struct {
	rules []*SpanRule
}

// NewSpanSampler creates a sampler from ordered rules.
func NewSpanSampler(rules []SpanRule) *SpanSampler {
	s := &SpanSampler{rules: make([]*SpanRule, len(rules))}
	for i := range rules {
		r := rules[i]
		if r.MaxPerSecond > 0 {
			r.limiter = NewLimiter(r.MaxPerSecond)
		}
		s.rules[i] = &r
	}
	return s
}

// Empty reports whether no rules are configured.
func (s *SpanSampler) Empty() bool { return len(s.rules) == 0 }

// Sample evaluates the first matching rule against the span. The draw is
// deterministic in the span id; the rule's limiter, if any, can veto.
func (s *SpanSampler) Sample(service, name, resource string, tags map[string]string, spanID uint64, now time.Time) (SpanDecision, bool) {
	for _, rule := range s.rules {
		if !rule.Matcher.Match(service, name, resource, tags) {
			continue
		}
		if !sampledByRate(spanID, rule.Rate.Value()) {
			return SpanDecision{}, false
		}
		if rule.limiter != nil {
			if ok, _ := rule.limiter.Allow(now); !ok {
				return SpanDecision{}, false
			}
		}
		return SpanDecision{RuleRate: rule.Rate.Value(), MaxPerSecond: rule.MaxPerSecond}, true
	}
	return SpanDecision{}, false
}
