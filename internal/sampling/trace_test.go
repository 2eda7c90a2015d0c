package sampling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRate(t *testing.T, v float64) Rate {
	t.Helper()
	r, err := NewRate(v)
	require.NoError(t, err)
	return r
}

func TestNewRate(t *testing.T) {
	_, err := NewRate(-0.1)
	assert.Error(t, err)
	_, err = NewRate(1.1)
	assert.Error(t, err)
	r, err := NewRate(0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25, r.Value())
}

func TestSampledByRateDeterministic(t *testing.T) {
	for _, id := range []uint64{1, 42, 1<<63 - 1, 9876543210} {
		first := sampledByRate(id, 0.5)
		for i := 0; i < 100; i++ {
			assert.Equal(t, first, sampledByRate(id, 0.5))
		}
	}
}

func TestSampledByRateBounds(t *testing.T) {
	for _, id := range []uint64{0, 1, 123456789, 1<<64 - 1} {
		assert.True(t, sampledByRate(id, 1.0))
		assert.False(t, sampledByRate(id, 0.0))
	}
}

func TestTraceSamplerRemotePriorityWins(t *testing.T) {
	s := NewTraceSampler(nil, mustRate(t, 0), 200)
	p := PriorityUserKeep
	d := s.Sample(SampleInput{Service: "svc", TraceIDLow: 7, RemotePriority: &p, Now: time.Now()})
	assert.Equal(t, PriorityUserKeep, d.Priority)
	assert.Equal(t, MechanismRemote, d.Mechanism)
	assert.Empty(t, d.Mechanism.DecisionMaker())
	assert.Nil(t, d.LimiterRate)
}

func TestTraceSamplerDefaultKeep(t *testing.T) {
	s := NewTraceSampler(nil, mustRate(t, 1), 200)
	d := s.Sample(SampleInput{Service: "svc", TraceIDLow: 7, Now: time.Now()})
	assert.Equal(t, PriorityAutoKeep, d.Priority)
	assert.Equal(t, MechanismDefault, d.Mechanism)
	assert.Equal(t, "-0", d.Mechanism.DecisionMaker())
	assert.Nil(t, d.RuleRate)
	assert.Nil(t, d.AgentRate)
	require.NotNil(t, d.LimiterRate)
	assert.Equal(t, 1.0, *d.LimiterRate)
}

func TestTraceSamplerDefaultDrop(t *testing.T) {
	s := NewTraceSampler(nil, mustRate(t, 0), 200)
	d := s.Sample(SampleInput{Service: "svc", TraceIDLow: 7, Now: time.Now()})
	assert.Equal(t, PriorityAutoDrop, d.Priority)
	assert.Equal(t, MechanismDefault, d.Mechanism)
	// Dropped by the rate draw, so the limiter was never consulted.
	assert.Nil(t, d.LimiterRate)
}

func TestTraceSamplerRulePrecedence(t *testing.T) {
	rules := []TraceRule{
		{Matcher: SpanMatcher{Service: "svc", Name: "db.*"}, Rate: mustRate(t, 1)},
		{Matcher: SpanMatcher{}, Rate: mustRate(t, 0)},
	}
	s := NewTraceSampler(rules, mustRate(t, 1), 200)
	s.UpdateRates(map[string]float64{RateKey("svc", "prod"): 0})

	t.Run("first matching rule wins", func(t *testing.T) {
		d := s.Sample(SampleInput{Service: "svc", Environment: "prod", Name: "db.query", TraceIDLow: 7, Now: time.Now()})
		assert.Equal(t, PriorityAutoKeep, d.Priority)
		assert.Equal(t, MechanismRule, d.Mechanism)
		assert.Equal(t, "-3", d.Mechanism.DecisionMaker())
		require.NotNil(t, d.RuleRate)
		assert.Equal(t, 1.0, *d.RuleRate)
		assert.Nil(t, d.AgentRate)
	})

	t.Run("catch-all rule shadows agent rates", func(t *testing.T) {
		d := s.Sample(SampleInput{Service: "other", Environment: "prod", Name: "op", TraceIDLow: 7, Now: time.Now()})
		assert.Equal(t, PriorityAutoDrop, d.Priority)
		assert.Equal(t, MechanismRule, d.Mechanism)
	})
}

func TestTraceSamplerAgentRates(t *testing.T) {
	s := NewTraceSampler(nil, mustRate(t, 1), 200)
	s.UpdateRates(map[string]float64{
		RateKey("svc", "prod"): 0,
		"service:bad,env:x":    7, // invalid, discarded
	})

	t.Run("matching key decides", func(t *testing.T) {
		d := s.Sample(SampleInput{Service: "svc", Environment: "prod", TraceIDLow: 7, Now: time.Now()})
		assert.Equal(t, PriorityAutoDrop, d.Priority)
		assert.Equal(t, MechanismAgentRate, d.Mechanism)
		assert.Equal(t, "-1", d.Mechanism.DecisionMaker())
		require.NotNil(t, d.AgentRate)
		assert.Equal(t, 0.0, *d.AgentRate)
	})

	t.Run("invalid rates are discarded", func(t *testing.T) {
		d := s.Sample(SampleInput{Service: "bad", Environment: "x", TraceIDLow: 7, Now: time.Now()})
		assert.Equal(t, MechanismDefault, d.Mechanism)
	})

	t.Run("unknown key falls back to default", func(t *testing.T) {
		d := s.Sample(SampleInput{Service: "svc", Environment: "staging", TraceIDLow: 7, Now: time.Now()})
		assert.Equal(t, PriorityAutoKeep, d.Priority)
		assert.Equal(t, MechanismDefault, d.Mechanism)
	})
}

func TestTraceSamplerLimiter(t *testing.T) {
	s := NewTraceSampler(nil, mustRate(t, 1), 1)
	now := time.Unix(1700000000, 0)

	first := s.Sample(SampleInput{Service: "svc", TraceIDLow: 7, Now: now})
	assert.Equal(t, PriorityAutoKeep, first.Priority)

	second := s.Sample(SampleInput{Service: "svc", TraceIDLow: 8, Now: now})
	assert.Equal(t, PriorityAutoDrop, second.Priority)
	require.NotNil(t, second.LimiterRate)
	assert.Equal(t, 0.5, *second.LimiterRate)
}

func TestRateKey(t *testing.T) {
	assert.Equal(t, "service:svc,env:prod", RateKey("svc", "prod"))
	assert.Equal(t, "service:,env:", RateKey("", ""))
}
