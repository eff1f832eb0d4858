package history

import (
	"sync"

	"github.com/fako1024/loadvue/pkg/pipeline"
	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/units"
)

const (

	// DefaultWindowLen is the default number of readings kept by a rolling window
	DefaultWindowLen = 100

	// Unlimited denotes a window without capacity limit (accumulating all readings)
	Unlimited = 0
)

// Window denotes a display sink buffering readings, either as rolling window of
// fixed capacity or as unlimited accumulation. Every Window filters incoming
// readings through its own outlier guard.
type Window struct {
	capacity int
	readings sensor.Readings
	guard    *pipeline.Guard

	sync.Mutex
}

// NewWindow instantiates a new Window with the given capacity (Unlimited for an
// accumulating sink)
func NewWindow(capacity int) *Window {
	if capacity < 0 {
		capacity = Unlimited
	}
	return &Window{
		capacity: capacity,
		guard:    pipeline.NewGuard(),
	}
}

// Capacity returns the capacity of the window (Unlimited if not limited)
func (w *Window) Capacity() int {
	return w.capacity
}

// Add appends a reading unless it is rejected as outlier
func (w *Window) Add(r sensor.Reading) bool {
	if !w.guard.Check(r.Value) {
		return false
	}

	w.Lock()
	defer w.Unlock()

	w.readings = append(w.readings, r)
	if w.capacity != Unlimited && len(w.readings) > w.capacity {
		w.readings = append(w.readings[:0], w.readings[len(w.readings)-w.capacity:]...)
	}

	return true
}

// Readings returns a copy of the buffered readings
func (w *Window) Readings() sensor.Readings {
	w.Lock()
	defer w.Unlock()

	return append(sensor.Readings(nil), w.readings...)
}

// Len returns the number of buffered readings
func (w *Window) Len() int {
	w.Lock()
	defer w.Unlock()

	return len(w.readings)
}

// Rescale multiplies all buffered values (and the guard history) by a factor,
// relabeling the readings with the new unit
func (w *Window) Rescale(factor float64, unit units.Unit) {
	w.guard.Rescale(factor)

	w.Lock()
	defer w.Unlock()

	for i := range w.readings {
		w.readings[i].Value *= factor
		w.readings[i].Unit = unit
	}
}

// Stats computes summary statistics over the buffered values
func (w *Window) Stats() Stats {
	w.Lock()
	defer w.Unlock()

	return computeStats(w.readings.Values())
}

// ResetGuard clears the guard history, accepting the next reading regardless of
// the buffered level (e.g. after a tare)
func (w *Window) ResetGuard() {
	w.guard.Reset()
}

// Reset drops all buffered readings and the guard history
func (w *Window) Reset() {
	w.guard.Reset()

	w.Lock()
	defer w.Unlock()

	w.readings = nil
}
