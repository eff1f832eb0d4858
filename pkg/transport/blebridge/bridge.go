package blebridge

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/gatt"
	"github.com/fako1024/loadvue/pkg/sensor"
)

const (
	defaultDeviceName  = "HMSoft"
	dataService        = "ffe0"
	dataCharacteristic = "ffe1"

	// DefaultReadTimeout is the default time a single read waits for data
	DefaultReadTimeout = 100 * time.Millisecond

	// maxWriteChunk is the maximum payload of a single characteristic write
	maxWriteChunk = 20

	rxQueueLen = 256
	mtu        = 500
)

// Bridge denotes a sensor connected via a BLE UART bridge module (HM-10 style,
// exposing the serial link as a single notify / write characteristic)
type Bridge struct {
	connectionStatus sensor.ConnectionStatus

	deviceID    string
	deviceName  string
	readTimeout time.Duration

	stateChangeHandler func(status sensor.ConnectionStatus)
	stateChangeChan    chan sensor.ConnectionStatus

	rxChan   chan []byte
	pending  []byte
	doneChan chan struct{}
	closed   chan struct{}

	btDevice         gatt.Device
	btPeripheral     gatt.Peripheral
	btCharacteristic *gatt.Characteristic

	closeOnce sync.Once
	readMu    sync.Mutex
	logger    sensor.Logger
	sync.Mutex
}

// New instantiates a new Bridge, executing functional options, if any
func New(options ...func(*Bridge)) (*Bridge, error) {

	// Initialize a new instance of a bridge
	b := newBridge()

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(b)
	}

	// Initialize a new GATT device (if not provided as option)
	if b.btDevice == nil {
		btDevice, err := gatt.NewDevice(defaultBTClientOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bluetooth device: %w", err)
		}
		b.btDevice = btDevice
	}

	return b, b.subscribe()
}

// ConnectionStatus returns the current status of the bluetooth link
func (b *Bridge) ConnectionStatus() sensor.ConnectionStatus {
	b.Lock()
	defer b.Unlock()

	return b.connectionStatus
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (b *Bridge) SetStateChangeHandler(fn func(status sensor.ConnectionStatus)) {
	b.Lock()
	defer b.Unlock()

	b.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes
func (b *Bridge) SetStateChangeChannel(ch chan sensor.ConnectionStatus) {
	b.Lock()
	defer b.Unlock()

	b.stateChangeChan = ch
}

// Read reads data received via notifications. If no data arrives within the read
// timeout (0, nil) is returned, after Close io.EOF.
func (b *Bridge) Read(p []byte) (int, error) {
	b.readMu.Lock()
	defer b.readMu.Unlock()

	if len(b.pending) == 0 {
		timer := time.NewTimer(b.readTimeout)
		defer timer.Stop()

		select {
		case chunk := <-b.rxChan:
			b.pending = chunk
		case <-b.closed:
			return 0, io.EOF
		case <-timer.C:
			return 0, nil
		}
	}

	n := copy(p, b.pending)
	b.pending = b.pending[n:]

	return n, nil
}

// Write writes data to the bridge characteristic (in chunks fitting a single
// characteristic write)
func (b *Bridge) Write(p []byte) (int, error) {
	b.Lock()
	peripheral, characteristic := b.btPeripheral, b.btCharacteristic
	b.Unlock()

	if peripheral == nil || characteristic == nil {
		return 0, fmt.Errorf("failed to write to uninitialized device: %w", sensor.ErrNotConnected)
	}

	written := 0
	for written < len(p) {
		end := written + maxWriteChunk
		if end > len(p) {
			end = len(p)
		}
		if err := peripheral.WriteCharacteristic(characteristic, p[written:end], true); err != nil {
			return written, fmt.Errorf("failed to write characteristic: %w", err)
		}
		written = end
	}

	return written, nil
}

// Close terminates the connection to the device
func (b *Bridge) Close() (err error) {
	b.closeOnce.Do(func() {
		close(b.closed)

		if b.btDevice == nil {
			return
		}
		_ = b.btDevice.StopScanning()
		err = b.btDevice.RemoveAllServices()
	})

	return
}

////////////////////////////////////////////////////////////////////////////////

func newBridge() *Bridge {
	return &Bridge{
		deviceName:  defaultDeviceName,
		readTimeout: DefaultReadTimeout,
		rxChan:      make(chan []byte, rxQueueLen),
		doneChan:    make(chan struct{}),
		closed:      make(chan struct{}),
		logger:      &sensor.NullLogger{},
	}
}

func (b *Bridge) subscribe() error {

	// Register handlers
	b.btDevice.Handle(
		gatt.AddPeripheralDiscovered(b.onPeriphDiscovered),
		gatt.AddPeripheralConnected(b.onPeriphConnected),
		gatt.AddPeripheralDisconnected(b.onPeriphDisconnected),
	)

	// Initialize the device
	if err := b.btDevice.Init(b.onStateChanged); err != nil {
		return fmt.Errorf("failed to initialize bluetooth device: %w", err)
	}

	return nil
}

func (b *Bridge) setStatus(state sensor.State, err error) {
	b.Lock()
	b.connectionStatus = sensor.ConnectionStatus{
		State: state,
		Error: err,
	}
	status, handler, ch := b.connectionStatus, b.stateChangeHandler, b.stateChangeChan
	b.Unlock()

	// Call handler function, if any
	if handler != nil {
		handler(status)
	}

	// Put state change on channel, if any
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}

func (b *Bridge) onStateChanged(d gatt.Device, s gatt.State) {
	switch s {
	case gatt.StatePoweredOn:
		b.setStatus(sensor.StateConnecting, nil)
		if err := d.Scan([]gatt.UUID{}, false); err != nil {
			b.logger.Warnf("failed to enable initial scanning: %s", err)
		}
		return
	case gatt.StatePoweredOff:
		b.setStatus(sensor.StateDisconnected, nil)
		return
	default:
		if err := d.StopScanning(); err != nil {
			b.logger.Warnf("failed to stop initial scanning: %s", err)
		}
	}
}

func (b *Bridge) onPeriphDiscovered(p gatt.Peripheral, _ *gatt.Advertisement, rssi int) {
	b.logger.Debugf("discovered device `%s/%s` (RSSI %d)", p.Name(), p.ID(), rssi)

	if !b.thisDevice(p) {
		return
	}

	// Stop scanning once we've got the peripheral we're looking for
	if err := p.Device().StopScanning(); err != nil {
		b.logger.Warnf("failed to stop initial scanning: %s", err)
	}
	if err := p.Device().Connect(p); err != nil {
		b.logger.Errorf("failed to connect device `%s/%s`: %s", p.Name(), p.ID(), err)
	}
}

func (b *Bridge) onPeriphConnected(p gatt.Peripheral, connErr error) {
	if !b.thisDevice(p) {
		return
	}

	b.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())

	defer func() {
		b.Lock()
		b.btPeripheral, b.btCharacteristic = nil, nil
		b.Unlock()

		_ = p.Device().CancelConnection(p)
		b.setStatus(sensor.StateDisconnected, connErr)
	}()

	if err := p.SetMTU(mtu); err != nil {
		connErr = fmt.Errorf("failed to set MTU: %w", err)
		return
	}

	c, err := b.discoverCharacteristic(p)
	if err != nil {
		connErr = err
		return
	}
	if err := p.SetNotifyValue(c, b.receiveData); err != nil {
		connErr = fmt.Errorf("failed to subscribe characteristic: %w", err)
		return
	}

	b.Lock()
	b.btPeripheral, b.btCharacteristic = p, c
	b.Unlock()
	b.setStatus(sensor.StateConnected, nil)

	b.logger.Debugf("waiting to release peripheral `%s/%s`", p.Name(), p.ID())
	select {
	case <-b.doneChan:
	case <-b.closed:
	}
	b.logger.Debugf("released peripheral `%s/%s`", p.Name(), p.ID())
}

func (b *Bridge) discoverCharacteristic(p gatt.Peripheral) (*gatt.Characteristic, error) {
	ss, err := p.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	for _, s := range ss {
		if s.UUID().String() != dataService {
			continue
		}

		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics: %w", err)
		}
		for _, c := range cs {
			if c.UUID().String() != dataCharacteristic {
				continue
			}
			if _, err := p.DiscoverDescriptors(nil, c); err != nil {
				return nil, fmt.Errorf("failed to discover descriptors: %w", err)
			}
			return c, nil
		}
	}

	return nil, fmt.Errorf("failed to find UART characteristic %s/%s", dataService, dataCharacteristic)
}

func (b *Bridge) onPeriphDisconnected(p gatt.Peripheral, _ error) {
	if !b.thisDevice(p) {
		return
	}

	b.disconnect()
	b.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())

	select {
	case <-b.closed:
		return
	case <-time.After(100 * time.Millisecond):
	}

	b.setStatus(sensor.StateConnecting, nil)
	if err := b.btDevice.Scan([]gatt.UUID{}, false); err != nil {
		b.logger.Warnf("failed to re-enable scanning after disconnect: %s", err)
	}
}

func (b *Bridge) thisDevice(p gatt.Peripheral) bool {

	// Check if name and / or device ID have been overridden
	if b.deviceID != "" && strings.EqualFold(p.ID(), b.deviceID) {
		return true
	}
	return strings.EqualFold(p.Name(), b.deviceName)
}

func (b *Bridge) disconnect() {
	select {
	case <-b.closed:
		return
	default:
	}

	select {
	case b.doneChan <- struct{}{}:
	default:
	}
}

func (b *Bridge) receiveData(_ *gatt.Characteristic, req []byte, err error) {
	if err != nil {
		b.logger.Debugf("failed to receive notification: %s", err)
		return
	}
	if len(req) == 0 {
		return
	}

	chunk := make([]byte, len(req))
	copy(chunk, req)

	select {
	case b.rxChan <- chunk:
	default:
		b.logger.Warnf("receive queue full, dropping %d bytes", len(chunk))
	}
}
