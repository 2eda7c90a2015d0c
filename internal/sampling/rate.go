package sampling

import (
	"math"

	"github.com/houndtrace/houndtrace/internal/shared/errs"
)

// Rate is a validated sampling probability in [0, 1].
type Rate float64

// NewRate validates v and returns it as a Rate.
func NewRate(v float64) (Rate, error) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, errs.Newf(errs.RateOutOfRange, "sample rate %v is not in [0, 1]", v)
	}
	return Rate(v), nil
}

// Value returns the rate as a float64.
func (r Rate) Value() float64 { return float64(r) }

// knuthFactor is the multiplicative hash constant shared by all Datadog
// tracers, so keep/drop draws agree across languages and processes.
const knuthFactor = uint64(1111111111111111111)

// sampledByRate reports whether the id hashes under rate. The draw is
// deterministic: the same id and rate always produce the same verdict.
func sampledByRate(id uint64, rate float64) bool {
	if rate < 1 {
		return id*knuthFactor < uint64(rate*math.MaxUint64)
	}
	return true
}
