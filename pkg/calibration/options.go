package calibration

import (
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
)

// WithTimeout sets the time an expectation waits for its answer
func WithTimeout(timeout time.Duration) func(*Classifier) {
	return func(c *Classifier) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithSampleFilter sets a function identifying lines that are sample data and
// hence never an answer (e.g. while the device is streaming)
func WithSampleFilter(fn func(line string) bool) func(*Classifier) {
	return func(c *Classifier) {
		c.isSample = fn
	}
}

// WithLogger sets a logger
func WithLogger(logger sensor.Logger) func(*Classifier) {
	return func(c *Classifier) {
		c.logger = logger
	}
}
