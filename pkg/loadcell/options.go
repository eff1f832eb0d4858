package loadcell

import (
	"time"

	"github.com/fako1024/loadvue/pkg/calibration"
	"github.com/fako1024/loadvue/pkg/decode"
	"github.com/fako1024/loadvue/pkg/pipeline"
	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/units"
)

// WithLogger sets a logger (passed on to all pipeline stages)
func WithLogger(logger sensor.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMode sets the token extraction mode of the stream
func WithMode(mode decode.Mode) func(*Session) {
	return func(s *Session) {
		s.accumulatorOptions = append(s.accumulatorOptions, decode.WithMode(mode))
	}
}

// WithMaxBufferLen sets the maximum length of unterminated stream residue
func WithMaxBufferLen(n int) func(*Session) {
	return func(s *Session) {
		s.accumulatorOptions = append(s.accumulatorOptions, decode.WithMaxBufferLen(n))
	}
}

// WithResponseTimeout sets the time a query waits for its answer
func WithResponseTimeout(timeout time.Duration) func(*Session) {
	return func(s *Session) {
		s.classifierOptions = append(s.classifierOptions, calibration.WithTimeout(timeout))
	}
}

// WithSettleDelay sets the time polling pauses before a query is sent in polled mode
func WithSettleDelay(delay time.Duration) func(*Session) {
	return func(s *Session) {
		if delay >= 0 {
			s.settleDelay = delay
		}
	}
}

// WithPollCommand enables polled mode: instead of requesting a continuous stream,
// single readings are requested periodically using the given command (e.g. "W")
func WithPollCommand(cmd string) func(*Session) {
	return func(s *Session) {
		s.pollCommand = cmd
	}
}

// WithPollInterval sets the interval between single reading requests in polled mode
func WithPollInterval(interval time.Duration) func(*Session) {
	return func(s *Session) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithHardwareTare forces hardware (true) or software (false) tare, regardless
// of the device identification
func WithHardwareTare(enabled bool) func(*Session) {
	return func(s *Session) {
		s.hardwareTare = &enabled
	}
}

// WithDeviceUnit sets the unit the device reports in
func WithDeviceUnit(unit units.Unit) func(*Session) {
	return func(s *Session) {
		s.processorOptions = append(s.processorOptions, pipeline.WithDeviceUnit(unit))
	}
}

// WithDisplayUnit sets the unit readings are emitted in
func WithDisplayUnit(unit units.Unit) func(*Session) {
	return func(s *Session) {
		s.processorOptions = append(s.processorOptions, pipeline.WithDisplayUnit(unit))
	}
}

// WithResolution sets the number of decimal places used for display
func WithResolution(n int) func(*Session) {
	return func(s *Session) {
		if n >= 0 && n <= MaxResolution {
			s.processorOptions = append(s.processorOptions, pipeline.WithResolution(n))
		}
	}
}

// WithLinearCalibration sets a fallback linear calibration, used if no
// weight-per-count multiplier is available
func WithLinearCalibration(perCount, offset float64) func(*Session) {
	return func(s *Session) {
		s.processorOptions = append(s.processorOptions, pipeline.WithLinearCalibration(perCount, offset))
	}
}

// WithSmoothing sets the EMA smoothing factor (in (0,1))
func WithSmoothing(alpha float64) func(*Session) {
	return func(s *Session) {
		s.processorOptions = append(s.processorOptions, pipeline.WithAlpha(alpha))
	}
}

// WithProcessingPeriod sets the period readings are emitted at
func WithProcessingPeriod(period time.Duration) func(*Session) {
	return func(s *Session) {
		s.processorOptions = append(s.processorOptions, pipeline.WithPeriod(period))
	}
}

// WithWindowLen sets the number of readings kept by the rolling window
func WithWindowLen(n int) func(*Session) {
	return func(s *Session) {
		if n > 0 {
			s.windowLen = n
		}
	}
}
