package serialport

import (
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
)

// WithBaudRate sets the baud rate
func WithBaudRate(baudRate int) func(*Port) {
	return func(p *Port) {
		if baudRate > 0 {
			p.baudRate = baudRate
		}
	}
}

// WithReadTimeout sets the time a single read waits for data
func WithReadTimeout(timeout time.Duration) func(*Port) {
	return func(p *Port) {
		if timeout > 0 {
			p.readTimeout = timeout
		}
	}
}

// WithDTR explicitly sets the data terminal ready line upon opening the port
func WithDTR(on bool) func(*Port) {
	return func(p *Port) {
		p.dtr = &on
	}
}

// WithRTS explicitly sets the request to send line upon opening the port
func WithRTS(on bool) func(*Port) {
	return func(p *Port) {
		p.rts = &on
	}
}

// WithLogger sets a logger
func WithLogger(logger sensor.Logger) func(*Port) {
	return func(p *Port) {
		p.logger = logger
	}
}
