package pipeline

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

const (

	// GuardHistoryLen is the number of accepted values the outlier check is based on
	GuardHistoryLen = 5

	relativeThreshold = 0.5
	absoluteThreshold = 0.1
)

// Accept checks a candidate value against the mean of (up to) the last
// GuardHistoryLen values of history. It is rejected only if it deviates from the
// mean by more than half the mean's magnitude AND by more than the absolute
// floor (so values around zero are not rejected wholesale).
func Accept(candidate float64, history []float64) bool {
	if len(history) == 0 {
		return true
	}
	if len(history) > GuardHistoryLen {
		history = history[len(history)-GuardHistoryLen:]
	}

	mean := stat.Mean(history, nil)
	diff := math.Abs(candidate - mean)

	return !(diff > relativeThreshold*math.Abs(mean) && diff > absoluteThreshold)
}

// Guard filters outliers against its own history of accepted values. Every sink
// owns a separate Guard, hence histories of different sinks may diverge.
type Guard struct {
	history []float64
	sync.Mutex
}

// NewGuard instantiates a new, empty Guard
func NewGuard() *Guard {
	return &Guard{
		history: make([]float64, 0, GuardHistoryLen),
	}
}

// Check tests a candidate and records it as accepted if it passes
func (g *Guard) Check(candidate float64) bool {
	if math.IsNaN(candidate) || math.IsInf(candidate, 0) {
		return false
	}

	g.Lock()
	defer g.Unlock()

	if !Accept(candidate, g.history) {
		return false
	}

	if len(g.history) == GuardHistoryLen {
		copy(g.history, g.history[1:])
		g.history = g.history[:GuardHistoryLen-1]
	}
	g.history = append(g.history, candidate)

	return true
}

// History returns a copy of the accepted values the guard currently considers
func (g *Guard) History() []float64 {
	g.Lock()
	defer g.Unlock()

	return append([]float64(nil), g.history...)
}

// Rescale multiplies the history by a factor (e.g. after a unit change)
func (g *Guard) Rescale(factor float64) {
	g.Lock()
	defer g.Unlock()

	for i := range g.history {
		g.history[i] *= factor
	}
}

// Reset clears the history
func (g *Guard) Reset() {
	g.Lock()
	defer g.Unlock()

	g.history = g.history[:0]
}
