package agent

import (
	"math/rand/v2"
	"sync"
)

// Sampler reports the current resource usage of an agent. Implementations
// backed by real process or container metrics can replace the simulated one.
type Sampler interface {
	Sample(a *Agent) Resources
}

// SimulatedSampler produces synthetic load: busy agents sample in a higher
// band than idle ones.
type SimulatedSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedSampler(seed int64) *SimulatedSampler {
	return &SimulatedSampler{rng: rand.New(rand.NewPCG(uint64(seed), 0x5eed))}
}

func (s *SimulatedSampler) Sample(a *Agent) Resources {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := 5.0, 30.0
	if a.Status == StatusBusy {
		lo, hi = 40.0, 95.0
	}
	return Resources{
		CPU:     s.between(lo, hi),
		Memory:  s.between(lo, hi),
		Disk:    s.between(1, 20),
		Network: s.between(0, hi/2),
	}
}

func (s *SimulatedSampler) between(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// FixedSampler returns the same resources for every agent.
type FixedSampler Resources

func (f FixedSampler) Sample(*Agent) Resources {
	return Resources(f)
}
