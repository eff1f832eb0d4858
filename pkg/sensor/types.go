package sensor

import (
	"fmt"
	"strings"
	"time"

	"github.com/fako1024/loadvue/pkg/units"
)

// State denotes a connection state
type State int

const (

	// StateConnecting is active while the transport is being established
	StateConnecting State = iota

	// StateConnected is active while being connected to the sensor
	StateConnected

	// StateDisconnected is active after being disconnected from the sensor
	StateDisconnected
)

// String fulfils the Stringer interface
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ConnectionStatus denotes the current status of the sensor link
type ConnectionStatus struct {
	Error error
	State
}

// Reading denotes a calibrated measurement at a certain point in time
type Reading struct {
	TimeStamp  time.Time  `json:"timestamp"`
	RawCounts  float64    `json:"raw_counts"`
	Value      float64    `json:"value"`
	Unit       units.Unit `json:"unit"`
	Calibrated bool       `json:"calibrated"`
	Resolution int        `json:"resolution"`
}

// TimestampMillis returns the reading timestamp in milliseconds since the epoch
func (r Reading) TimestampMillis() int64 {
	return r.TimeStamp.UnixMilli()
}

// String fulfils the Stringer interface
func (r Reading) String() string {
	return fmt.Sprintf("%s %s", units.Format(r.Value, r.Resolution), r.Unit)
}

// Readings denotes a set of readings (usually part of a measurement run)
type Readings []Reading

// Values returns the plain values of all readings
func (r Readings) Values() []float64 {
	values := make([]float64, len(r))
	for i := range r {
		values[i] = r[i].Value
	}
	return values
}

// CalibrationStatus denotes the status of a single calibration value
type CalibrationStatus int

const (

	// CalibrationUnset denotes a value that has never been retrieved / set
	CalibrationUnset CalibrationStatus = iota

	// CalibrationAwaiting denotes an outstanding device request
	CalibrationAwaiting

	// CalibrationSet denotes a known value
	CalibrationSet
)

// String fulfils the Stringer interface
func (s CalibrationStatus) String() string {
	switch s {
	case CalibrationUnset:
		return "unset"
	case CalibrationAwaiting:
		return "awaiting"
	case CalibrationSet:
		return "set"
	}
	return fmt.Sprintf("CalibrationStatus(%d)", int(s))
}

// CalibrationState denotes the per-connection calibration state
type CalibrationState struct {
	AwaitingWeightPerCount    bool
	AwaitingMillivoltsPerVolt bool

	WeightPerCount    float64
	HasWeightPerCount bool

	MillivoltsPerVolt    string
	HasMillivoltsPerVolt bool
}

// WeightPerCountStatus returns the status of the weight-per-count calibration
func (c CalibrationState) WeightPerCountStatus() CalibrationStatus {
	return status(c.AwaitingWeightPerCount, c.HasWeightPerCount)
}

// MillivoltsPerVoltStatus returns the status of the mV/V calibration
func (c CalibrationState) MillivoltsPerVoltStatus() CalibrationStatus {
	return status(c.AwaitingMillivoltsPerVolt, c.HasMillivoltsPerVolt)
}

func status(awaiting, has bool) CalibrationStatus {
	if awaiting {
		return CalibrationAwaiting
	}
	if has {
		return CalibrationSet
	}
	return CalibrationUnset
}

// DeviceInfo denotes immutable information reported by the sensor
type DeviceInfo struct {
	ID       string
	Capacity string
	Units    string
	Unit     units.Unit
}

// SupportsHardwareTare returns if the device is known to tare itself upon command
func (d DeviceInfo) SupportsHardwareTare() bool {
	for _, marker := range []string{"TEST1K", "UHS-1k", "UHS1k"} {
		if strings.Contains(d.ID, marker) {
			return true
		}
	}
	return false
}
