package decode

import "github.com/fako1024/loadvue/pkg/sensor"

// WithMode sets the token extraction mode
func WithMode(mode Mode) func(*Accumulator) {
	return func(a *Accumulator) {
		a.mode = mode
	}
}

// WithMaxBufferLen sets the maximum length of the retained residue
func WithMaxBufferLen(n int) func(*Accumulator) {
	return func(a *Accumulator) {
		if n > 0 {
			a.maxLen = n
		}
	}
}

// WithLogger sets a logger
func WithLogger(logger sensor.Logger) func(*Accumulator) {
	return func(a *Accumulator) {
		a.logger = logger
	}
}
