package sensor

import (
	"context"
	"math/rand/v2"
	"sync"
)

// MaxSimulatedReading is the exclusive upper bound of simulated readings.
// It spans both sides of the usual office darkpoint.
const MaxSimulatedReading = 10.0

// Simulated returns uniformly distributed readings in [0, MaxSimulatedReading)
// without touching hardware.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated returns a simulator seeded with seed.
func NewSimulated(seed uint64) *Simulated {
	return &Simulated{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Sample ignores cycles beyond validating them and returns one random reading.
func (s *Simulated) Sample(ctx context.Context, cycles int) (float64, error) {
	if cycles < 1 {
		return 0, ErrInvalidCycles
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() * MaxSimulatedReading, nil
}

// Scripted replays a fixed list of readings, repeating the last one.
// Used for demos and loop tests.
type Scripted struct {
	mu       sync.Mutex
	readings []float64
	next     int
}

// NewScripted returns a sampler that yields readings in order.
func NewScripted(readings ...float64) *Scripted {
	return &Scripted{readings: readings}
}

func (s *Scripted) Sample(ctx context.Context, cycles int) (float64, error) {
	if cycles < 1 {
		return 0, ErrInvalidCycles
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) == 0 {
		return 0, ErrNoSignal
	}
	i := min(s.next, len(s.readings)-1)
	s.next++
	return s.readings[i], nil
}
