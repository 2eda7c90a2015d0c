package sampling

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket gate on the number of kept traces per second.
//
// In addition to the bucket itself it tracks how many of the requests seen
// in the current and previous one-second windows were allowed, exposing
// that ratio as the effective rate reported in the _dd.limit_psr tag.
type Limiter struct {
	mu          sync.Mutex
	bucket      *rate.Limiter
	winStart    time.Time
	allowed     float64
	seen        float64
	prevAllowed float64
	prevSeen    float64
}

// NewLimiter creates a limiter permitting maxPerSecond tokens per second.
// A non-positive maxPerSecond disables limiting.
func NewLimiter(maxPerSecond float64) *Limiter {
	if maxPerSecond <= 0 {
		return &Limiter{bucket: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(maxPerSecond), int(math.Ceil(maxPerSecond))),
	}
}

// Allow consumes one token if available. It returns whether the request
// was allowed and the effective rate (allowed/seen) over the sliding
// window covering the current and previous second.
func (l *Limiter) Allow(now time.Time) (bool, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := now.Sub(l.winStart); d >= time.Second {
		if d < 2*time.Second {
			l.prevAllowed, l.prevSeen = l.allowed, l.seen
		} else {
			l.prevAllowed, l.prevSeen = 0, 0
		}
		l.winStart = now
		l.allowed, l.seen = 0, 0
	}
	l.seen++
	ok := l.bucket.AllowN(now, 1)
	if ok {
		l.allowed++
	}
	return ok, (l.allowed + l.prevAllowed) / (l.seen + l.prevSeen)
}
