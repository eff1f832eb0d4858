package sensor

import (
	"context"
	"time"

	"github.com/fako1024/loadvue/pkg/units"
)

// Basic denotes a basic load / force / displacement sensor
type Basic interface {

	// ConnectionStatus returns the current connection status of the sensor link
	ConnectionStatus() ConnectionStatus

	// Unit returns the current display unit
	Unit() units.Unit

	// SetUnit sets the display unit, converting all buffered values
	SetUnit(unit units.Unit) error

	// Resolution returns the number of decimal places used for display
	Resolution() int

	// SetResolution sets the number of decimal places used for display
	SetResolution(n int) error

	// Tare zeroes the sensor (in hardware, if supported, in software otherwise)
	Tare() error

	// SetStateChangeHandler defines a handler function that is called upon state change
	SetStateChangeHandler(fn func(status ConnectionStatus))

	// SetStateChangeChannel defines a channel that receives state changes
	SetStateChangeChannel(ch chan ConnectionStatus)

	// SetDataHandler defines a handler function that is called upon every emitted reading
	SetDataHandler(fn func(data Reading))

	// SetDataChannel defines a channel that receives every emitted reading
	SetDataChannel(ch chan Reading)

	// Close terminates the session with the device
	Close() error
}

// Streamer denotes continuous acquisition functionality
type Streamer interface {

	// StartStream requests the device to start streaming
	StartStream() error

	// StopStream requests the device to stop streaming
	StopStream() error

	// IsStreaming returns if a stream is currently active
	IsStreaming() bool

	// SampleRate returns the number of raw samples received per second
	SampleRate() float64

	// ElapsedTime returns the accumulated streaming time
	ElapsedTime() time.Duration
}

// Calibrator denotes calibration query functionality
type Calibrator interface {

	// CalibrationState returns the current calibration state
	CalibrationState() CalibrationState

	// RequestWeightPerCount queries the weight-per-count multiplier from the device
	RequestWeightPerCount(ctx context.Context) (float64, error)

	// RequestMillivoltsPerVolt queries the mV/V sensitivity from the device
	RequestMillivoltsPerVolt(ctx context.Context) (string, error)

	// SetManualWeightPerCount overrides the weight-per-count multiplier
	SetManualWeightPerCount(value float64) error
}

// Recorder denotes access to the buffered readings
type Recorder interface {

	// Recent returns the readings of the rolling window
	Recent() Readings

	// All returns all accumulated readings
	All() Readings

	// Extrema returns the peak and low values (if any)
	Extrema() (peak, low float64, ok bool)

	// ClearHistory drops all buffered readings and extrema
	ClearHistory()
}

// Sensor denotes the "default" sensor containing all functionality
type Sensor interface {
	Basic
	Streamer
	Calibrator
	Recorder
}
