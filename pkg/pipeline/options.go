package pipeline

import (
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/units"
)

// WithAlpha sets the EMA smoothing factor (must be in (0,1))
func WithAlpha(alpha float64) func(*Processor) {
	return func(p *Processor) {
		if alpha > 0 && alpha < 1 {
			p.alpha = alpha
		}
	}
}

// WithPeriod sets the tick period
func WithPeriod(period time.Duration) func(*Processor) {
	return func(p *Processor) {
		if period > 0 {
			p.period = period
		}
	}
}

// WithMaxQueueLen sets the soft cap of the sample queue
func WithMaxQueueLen(n int) func(*Processor) {
	return func(p *Processor) {
		if n > 0 {
			p.maxQueueLen = n
		}
	}
}

// WithCalibrationSource sets the provider of the weight-per-count multiplier
func WithCalibrationSource(source CalibrationSource) func(*Processor) {
	return func(p *Processor) {
		p.source = source
	}
}

// WithLinearCalibration sets a fallback linear calibration, used if no
// weight-per-count multiplier is available
func WithLinearCalibration(perCount, offset float64) func(*Processor) {
	return func(p *Processor) {
		p.linear = &linearCalibration{
			perCount: perCount,
			offset:   offset,
		}
	}
}

// WithDeviceUnit sets the unit the device reports in
func WithDeviceUnit(unit units.Unit) func(*Processor) {
	return func(p *Processor) {
		p.deviceUnit = unit
	}
}

// WithDisplayUnit sets the unit readings are emitted in
func WithDisplayUnit(unit units.Unit) func(*Processor) {
	return func(p *Processor) {
		p.displayUnit = unit
	}
}

// WithResolution sets the number of decimal places of emitted readings
func WithResolution(n int) func(*Processor) {
	return func(p *Processor) {
		p.resolution = n
	}
}

// WithLogger sets a logger
func WithLogger(logger sensor.Logger) func(*Processor) {
	return func(p *Processor) {
		p.logger = logger
	}
}
