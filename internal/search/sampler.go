package search

import (
	"math"
	"math/rand"
)

// Sample draws one TrialConfig from space. Names are visited in sorted order
// so a rand.Rand seeded with a fixed value always yields the same sequence of
// configurations.
func Sample(space SearchSpace, rng *rand.Rand) TrialConfig {
	cfg := make(TrialConfig, len(space))
	for _, name := range space.Names() {
		cfg[name] = draw(space[name], rng)
	}
	return cfg
}

func draw(d Distribution, rng *rand.Rand) any {
	switch d.Kind {
	case Uniform:
		return clamp(d.Low+rng.Float64()*(d.High-d.Low), d.Low, d.High)
	case LogUniform:
		lo, hi := math.Log(d.Low), math.Log(d.High)
		return clamp(math.Exp(lo+rng.Float64()*(hi-lo)), d.Low, d.High)
	case Choice:
		return d.Values[rng.Intn(len(d.Values))]
	default:
		return d.Value
	}
}

// clamp guards against exp/log round-off pushing a value past its bounds.
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NewRand returns a deterministic source when seed is non-nil and a
// time-seeded one otherwise.
func NewRand(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	return rand.New(rand.NewSource(rand.Int63()))
}

// Sampler draws successive configurations from a fixed space.
type Sampler struct {
	space SearchSpace
	rng   *rand.Rand
}

// NewSampler returns a Sampler over a copy of space.
func NewSampler(space SearchSpace, seed *int64) *Sampler {
	return &Sampler{space: space.Clone(), rng: NewRand(seed)}
}

// Next draws the next configuration.
func (s *Sampler) Next() TrialConfig {
	return Sample(s.space, s.rng)
}
