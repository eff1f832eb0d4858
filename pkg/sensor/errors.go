package sensor

import "errors"

var (

	// ErrNoData is returned if an operation requires samples that have not been received yet
	ErrNoData = errors.New("no data available")

	// ErrNoResponse is returned if the device did not answer a request in time
	ErrNoResponse = errors.New("no response from device")

	// ErrInvalidResponse is returned if a device answer could not be parsed
	ErrInvalidResponse = errors.New("invalid response from device")

	// ErrSuperseded is returned to a waiter whose request was replaced by a newer one
	ErrSuperseded = errors.New("request superseded")

	// ErrNotConnected is returned if the transport is not (or no longer) available
	ErrNotConnected = errors.New("sensor not connected")

	// ErrInvalidResolution is returned for an out-of-range number of decimal places
	ErrInvalidResolution = errors.New("invalid resolution")

	// ErrUnknownUnit is returned for a unit outside of the conversion table
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrInvalidValue is returned for non-finite or otherwise unusable values
	ErrInvalidValue = errors.New("invalid value")
)
