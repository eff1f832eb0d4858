package feed

import (
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
)

// WithLogger sets a logger
func WithLogger(logger sensor.Logger) func(*Hub) {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithWriteTimeout sets the time a single client gets to receive a message
func WithWriteTimeout(timeout time.Duration) func(*Hub) {
	return func(h *Hub) {
		h.writeTimeout = timeout
	}
}
