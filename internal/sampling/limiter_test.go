package sampling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterCapsPerSecond(t *testing.T) {
	l := NewLimiter(2)
	now := time.Unix(1700000000, 0)

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow(now); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestLimiterEffectiveRate(t *testing.T) {
	l := NewLimiter(1)
	now := time.Unix(1700000000, 0)

	ok, rate := l.Allow(now)
	require.True(t, ok)
	assert.Equal(t, 1.0, rate)

	ok, rate = l.Allow(now)
	assert.False(t, ok)
	assert.Equal(t, 0.5, rate)

	ok, rate = l.Allow(now)
	assert.False(t, ok)
	assert.InDelta(t, 1.0/3.0, rate, 1e-9)
}

func TestLimiterWindowCarriesOneSecond(t *testing.T) {
	l := NewLimiter(1)
	now := time.Unix(1700000000, 0)

	l.Allow(now)
	l.Allow(now)
	l.Allow(now) // 1 allowed of 3 seen

	ok, rate := l.Allow(now.Add(time.Second))
	require.True(t, ok)
	// Previous window (1/3) folds into the new one (1/1).
	assert.InDelta(t, 2.0/4.0, rate, 1e-9)

	// After a gap of 2s the old window is discarded.
	ok, rate = l.Allow(now.Add(4 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 1.0, rate)
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0)
	now := time.Unix(1700000000, 0)
	for i := 0; i < 1000; i++ {
		ok, rate := l.Allow(now)
		require.True(t, ok)
		assert.Equal(t, 1.0, rate)
	}
}

func TestLimiterRefillsOverTime(t *testing.T) {
	l := NewLimiter(1)
	now := time.Unix(1700000000, 0)

	ok, _ := l.Allow(now)
	require.True(t, ok)
	ok, _ = l.Allow(now)
	require.False(t, ok)

	ok, _ = l.Allow(now.Add(time.Second))
	assert.True(t, ok)
}
