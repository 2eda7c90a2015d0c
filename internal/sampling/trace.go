package sampling

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Sampling priorities. Negative values drop, positive keep. Local
// sampling (rules, agent rates, default rate) yields the AUTO pair; the
// USER variants come from a manual override or a remote parent.
const (
	PriorityUserDrop = -1
	PriorityAutoDrop = 0
	PriorityAutoKeep = 1
	PriorityUserKeep = 2
)

// Mechanism records why a sampling decision was made. The numeric values
// are the Datadog decision-maker codes emitted in the _dd.p.dm tag.
type Mechanism int

const (
	// MechanismDefault means the configured default rate decided.
	MechanismDefault Mechanism = 0
	// MechanismAgentRate means a rate pushed by the agent decided.
	MechanismAgentRate Mechanism = 1
	// MechanismRule means a user-configured sampling rule decided.
	MechanismRule Mechanism = 3
	// MechanismManual means the application overrode the decision.
	MechanismManual Mechanism = 4
	// MechanismRemote means the priority arrived with the extracted
	// context; no local decision was made and no _dd.p.dm is stamped.
	MechanismRemote Mechanism = -1
)

// DecisionMaker returns the _dd.p.dm tag value for the mechanism, or ""
// when the mechanism does not stamp one.
func (m Mechanism) DecisionMaker() string {
	if m == MechanismRemote {
		return ""
	}
	return fmt.Sprintf("-%d", int(m))
}

// Decision is the outcome of trace-level sampling for one segment.
type Decision struct {
	Priority  int
	Mechanism Mechanism
	// RuleRate is set when a user rule matched (_dd.rule_psr).
	RuleRate *float64
	// AgentRate is set when an agent-pushed rate decided (_dd.agent_psr).
	AgentRate *float64
	// LimiterRate is the limiter's effective rate at decision time
	// (_dd.limit_psr); set whenever the limiter was consulted.
	LimiterRate *float64
}

// Keep reports whether the decision keeps the trace.
func (d Decision) Keep() bool { return d.Priority > 0 }

// TraceRule pairs a matcher with the rate applied to matching local roots.
type TraceRule struct {
	Matcher SpanMatcher
	Rate    Rate
}

// TraceSampler decides keep/drop for local trace segments.
//
// The agent-pushed rate table is replaced wholesale on update; readers
// take a snapshot without blocking writers.
type TraceSampler struct {
	rules       []TraceRule
	defaultRate Rate
	limiter     *Limiter
	agentRates  atomic.Pointer[map[string]Rate]
}

// NewTraceSampler creates a sampler with the given ordered rules, default
// rate, and keep limit.
func NewTraceSampler(rules []TraceRule, defaultRate Rate, maxPerSecond float64) *TraceSampler {
	return &TraceSampler{
		rules:       rules,
		defaultRate: defaultRate,
		limiter:     NewLimiter(maxPerSecond),
	}
}

// RateKey is the form the agent uses to key per-service rates.
func RateKey(service, env string) string {
	return "service:" + service + ",env:" + env
}

// UpdateRates atomically replaces the agent rate table. Invalid rates are
// discarded.
func (s *TraceSampler) UpdateRates(rates map[string]float64) {
	table := make(map[string]Rate, len(rates))
	for key, v := range rates {
		r, err := NewRate(v)
		if err != nil {
			continue
		}
		table[key] = r
	}
	s.agentRates.Store(&table)
}

// SampleInput carries the local-root span fields the sampler inspects.
type SampleInput struct {
	Service     string
	Environment string
	Name        string
	Resource    string
	Tags        map[string]string
	TraceIDLow  uint64
	// RemotePriority is the priority carried in the extracted context,
	// if any; it is honored without a local draw.
	RemotePriority *int
	Now            time.Time
}

// Sample runs the trace-level decision algorithm for a local root.
func (s *TraceSampler) Sample(in SampleInput) Decision {
	if in.RemotePriority != nil {
		return Decision{Priority: *in.RemotePriority, Mechanism: MechanismRemote}
	}

	var (
		rate      Rate
		mechanism Mechanism
		d         Decision
	)
	if rule, ok := s.matchRule(in); ok {
		rate = rule.Rate
		mechanism = MechanismRule
		v := rate.Value()
		d.RuleRate = &v
	} else if agentRate, ok := s.agentRate(in.Service, in.Environment); ok {
		rate = agentRate
		mechanism = MechanismAgentRate
		v := rate.Value()
		d.AgentRate = &v
	} else {
		rate = s.defaultRate
		mechanism = MechanismDefault
	}
	d.Mechanism = mechanism

	if !sampledByRate(in.TraceIDLow, rate.Value()) {
		d.Priority = PriorityAutoDrop
		return d
	}
	allowed, effective := s.limiter.Allow(in.Now)
	d.LimiterRate = &effective
	if !allowed {
		d.Priority = PriorityAutoDrop
		return d
	}
	d.Priority = PriorityAutoKeep
	return d
}

func (s *TraceSampler) matchRule(in SampleInput) (TraceRule, bool) {
	for _, rule := range s.rules {
		if rule.Matcher.Match(in.Service, in.Name, in.Resource, in.Tags) {
			return rule, true
		}
	}
	return TraceRule{}, false
}

func (s *TraceSampler) agentRate(service, env string) (Rate, bool) {
	table := s.agentRates.Load()
	if table == nil {
		return 0, false
	}
	r, ok := (*table)[RateKey(service, env)]
	return r, ok
}
