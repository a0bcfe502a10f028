package variant

import (
	"math/rand/v2"
	"sync"
)

// RNG is the minimal random source VariantSelector needs: a single
// Float64() draw in [0, 1). It is injected rather than pulled from a
// package-level global so selection is deterministic-testable and carries
// no shared mutable state across selectors.
type RNG interface {
	Float64() float64
}

// lockedRand wraps math/rand/v2.Rand with a mutex: *rand.Rand is not safe
// for concurrent use, and the scheduler's cooperative single-threaded tick
// loop still allows region calculation and variant selection to run
// concurrently within a tick.
type lockedRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewDeterministicRNG returns an RNG seeded deterministically, for tests
// that need reproducible weighted-selection draws.
func NewDeterministicRNG(seed uint64) RNG {
	return &lockedRand{src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRNG returns an RNG seeded from the runtime's entropy source.
func NewRNG() RNG {
	var seed [2]uint64
	seed[0] = uint64(rand.Uint64())
	seed[1] = uint64(rand.Uint64())
	return &lockedRand{src: rand.New(rand.NewPCG(seed[0], seed[1]))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}
