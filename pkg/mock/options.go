package mock

import (
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
)

// WithID sets the device identifier reported upon query
func WithID(id string) func(*Device) {
	return func(d *Device) {
		d.id = id
	}
}

// WithCapacity sets the capacity reported upon query
func WithCapacity(capacity string) func(*Device) {
	return func(d *Device) {
		d.capacity = capacity
	}
}

// WithUnits sets the units reported upon query
func WithUnits(units string) func(*Device) {
	return func(d *Device) {
		d.units = units
	}
}

// WithWeightPerCount sets the weight-per-count multiplier reported upon query
func WithWeightPerCount(weightPerCount float64) func(*Device) {
	return func(d *Device) {
		d.weightPerCount = weightPerCount
	}
}

// WithMillivoltsPerVolt sets the mV/V sensitivity reported upon query
func WithMillivoltsPerVolt(mvv string) func(*Device) {
	return func(d *Device) {
		d.millivoltsPV = mvv
	}
}

// WithSignal sets the signal of the simulated sensor
func WithSignal(signal Signal) func(*Device) {
	return func(d *Device) {
		if signal != nil {
			d.signal = signal
		}
	}
}

// WithInterval sets the time between two streamed samples
func WithInterval(interval time.Duration) func(*Device) {
	return func(d *Device) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithResponseDelay sets the time the device takes to answer a query
func WithResponseDelay(delay time.Duration) func(*Device) {
	return func(d *Device) {
		if delay >= 0 {
			d.responseDelay = delay
		}
	}
}

// WithReadTimeout sets the time a single read waits for data
func WithReadTimeout(timeout time.Duration) func(*Device) {
	return func(d *Device) {
		if timeout > 0 {
			d.readTimeout = timeout
		}
	}
}

// WithChunkSize splits the device output into chunks of at most n bytes
func WithChunkSize(n int) func(*Device) {
	return func(d *Device) {
		d.chunkSize = n
	}
}

// WithLogger sets a logger
func WithLogger(logger sensor.Logger) func(*Device) {
	return func(d *Device) {
		d.logger = logger
	}
}
