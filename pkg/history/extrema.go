package history

import "sync"

// Extrema tracks the running peak and low of a measurement run
type Extrema struct {
	peak, low float64
	set       bool

	sync.Mutex
}

// Update considers a new value
func (e *Extrema) Update(value float64) {
	e.Lock()
	defer e.Unlock()

	if !e.set {
		e.peak, e.low, e.set = value, value, true
		return
	}
	if value > e.peak {
		e.peak = value
	}
	if value < e.low {
		e.low = value
	}
}

// Values returns peak and low (ok is false if no value was seen yet)
func (e *Extrema) Values() (peak, low float64, ok bool) {
	e.Lock()
	defer e.Unlock()

	return e.peak, e.low, e.set
}

// Rescale multiplies peak and low by a factor
func (e *Extrema) Rescale(factor float64) {
	e.Lock()
	defer e.Unlock()

	e.peak *= factor
	e.low *= factor
	if e.low > e.peak {
		e.peak, e.low = e.low, e.peak
	}
}

// Reset forgets peak and low
func (e *Extrema) Reset() {
	e.Lock()
	defer e.Unlock()

	e.peak, e.low, e.set = 0, 0, false
}
