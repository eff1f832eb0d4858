package blebridge

import (
	"time"

	"github.com/fako1024/gatt"
	"github.com/fako1024/loadvue/pkg/sensor"
)

// WithDeviceID sets the Bluetooth device ID
func WithDeviceID(deviceID string) func(*Bridge) {
	return func(b *Bridge) {
		b.deviceID = deviceID
	}
}

// WithDeviceName sets the Bluetooth device name
func WithDeviceName(deviceName string) func(*Bridge) {
	return func(b *Bridge) {
		b.deviceName = deviceName
	}
}

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Bridge) {
	return func(b *Bridge) {
		b.btDevice = btDevice
	}
}

// WithReadTimeout sets the time a single read waits for data
func WithReadTimeout(timeout time.Duration) func(*Bridge) {
	return func(b *Bridge) {
		if timeout > 0 {
			b.readTimeout = timeout
		}
	}
}

// WithLogger sets a logger
func WithLogger(logger sensor.Logger) func(*Bridge) {
	return func(b *Bridge) {
		b.logger = logger
	}
}
