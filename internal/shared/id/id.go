// Package id provides trace and span identifier generation.
//
// Trace identifiers are 128-bit values carried as two 64-bit halves; the low
// half alone is the legacy Datadog trace id. Span identifiers are 64-bit.
// Zero is reserved to mean "absent" in both cases, so generators never
// return it.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceID is a 128-bit trace identifier.
type TraceID struct {
	High uint64
	Low  uint64
}

// IsZero reports whether the id is the reserved absent value.
func (t TraceID) IsZero() bool { return t.High == 0 && t.Low == 0 }

// Hex returns the canonical 32-character lowercase hex form used by the
// W3C traceparent header.
func (t TraceID) Hex() string {
	return fmt.Sprintf("%016x%016x", t.High, t.Low)
}

// HexHigh returns the 16-character hex form of the high half, as carried in
// the _dd.p.tid trace tag.
func (t TraceID) HexHigh() string {
	return fmt.Sprintf("%016x", t.High)
}

// Generator produces span and trace identifiers. Implementations must be
// safe for concurrent use; tests substitute deterministic generators.
type Generator interface {
	// SpanID returns a uniformly random nonzero 64-bit span id.
	SpanID() uint64
	// TraceID returns a fresh 128-bit trace id for a trace starting at now.
	TraceID(now time.Time) TraceID
}

// generator is the default Generator, seeded from the cryptographic
// random source and locked around a fast PRNG.
type generator struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewGenerator creates the default Generator.
func NewGenerator() Generator {
	var seed int64
	if err := binary.Read(rand.Reader, binary.LittleEndian, &seed); err != nil {
		seed = time.Now().UnixNano()
	}
	return &generator{rng: mrand.New(mrand.NewSource(seed))}
}

func (g *generator) SpanID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if v := g.rng.Uint64(); v != 0 {
			return v
		}
	}
}

func (g *generator) TraceID(now time.Time) TraceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var low uint64
	for low == 0 {
		low = g.rng.Uint64()
	}
	// The high half carries the trace start time in its upper 32 bits,
	// matching the layout the Datadog backend expects for 128-bit ids.
	high := uint64(now.Unix()) << 32
	return TraceID{High: high, Low: low}
}

// RuntimeID identifies one process instance for the lifetime of the tracer.
func RuntimeID() string {
	return uuid.NewString()
}
