package routing

import (
	"math/rand"
	"strings"
	"sync"
)

// Distribution selects how a rule picks one of its weighted destinations.
type Distribution string

const (
	Sequential Distribution = "Sequential"
	Random     Distribution = "Random"
)

// ParseDistribution is case insensitive, unknown names fall back to Sequential.
func ParseDistribution(s string) Distribution {
	if strings.EqualFold(s, string(Random)) {
		return Random
	}

	return Sequential
}

// Strategy picks the next destination. Implementations are safe for concurrent use.
type Strategy interface {
	Next() *Destination
}

// weights maps a point in [0, total) to the destination whose cumulative range covers it.
type weights struct {
	destinations []*Destination
	upper        []int
	total        int
}

func newWeights(destinations []*Destination) weights {
	w := weights{destinations: destinations, upper: make([]int, len(destinations))}
	for i, d := range destinations {
		w.total += d.Weight
		w.upper[i] = w.total
	}

	return w
}

func (w *weights) at(point int) *Destination {
	for i, u := range w.upper {
		if point < u {
			return w.destinations[i]
		}
	}

	return nil
}

type sequentialStrategy struct {
	weights

	mu     sync.Mutex
	cursor int
}

func newSequentialStrategy(destinations []*Destination) *sequentialStrategy {
	return &sequentialStrategy{weights: newWeights(destinations)}
}

func (s *sequentialStrategy) Next() *Destination {
	if s.total == 0 {
		return nil
	}

	s.mu.Lock()
	point := s.cursor
	s.cursor = (s.cursor + 1) % s.total
	s.mu.Unlock()

	return s.at(point)
}

type randomStrategy struct {
	weights

	mu  sync.Mutex
	rnd *rand.Rand
}

func newRandomStrategy(destinations []*Destination, source rand.Source) *randomStrategy {
	return &randomStrategy{weights: newWeights(destinations), rnd: rand.New(source)}
}

func (s *randomStrategy) Next() *Destination {
	if s.total == 0 {
		return nil
	}

	s.mu.Lock()
	point := s.rnd.Intn(s.total)
	s.mu.Unlock()

	return s.at(point)
}
