package serialport

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/transport"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (

	// DefaultBaudRate is the default baud rate of the serial link
	DefaultBaudRate = 115200

	// DefaultReadTimeout is the default time a single read waits for data
	DefaultReadTimeout = 100 * time.Millisecond
)

// Port denotes a sensor connected via a (USB) serial link
type Port struct {
	name        string
	baudRate    int
	readTimeout time.Duration
	dtr, rts    *bool

	port      serial.Port
	closeOnce sync.Once
	closed    bool

	logger sensor.Logger
	sync.Mutex
}

// Open opens the named serial port, executing functional options, if any
func Open(name string, options ...func(*Port)) (*Port, error) {
	p := &Port{
		name:        name,
		baudRate:    DefaultBaudRate,
		readTimeout: DefaultReadTimeout,
		logger:      &sensor.NullLogger{},
	}

	for _, option := range options {
		option(p)
	}

	if p.name == "" || p.name == "auto" {
		name, err := AutoSelect()
		if err != nil {
			return nil, err
		}
		p.name = name
	}

	port, err := serial.Open(p.name, &serial.Mode{
		BaudRate: p.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", p.name, err)
	}
	p.port = port

	if err := p.setup(); err != nil {
		if cerr := port.Close(); cerr != nil {
			p.logger.Warnf("failed to close serial port %s: %s", p.name, cerr)
		}
		return nil, err
	}

	p.logger.Infof("connected to %s @ %d baud", p.name, p.baudRate)

	return p, nil
}

// Name returns the name of the serial port
func (p *Port) Name() string {
	return p.name
}

// Read reads from the serial port. A read timeout yields (0, nil).
func (p *Port) Read(b []byte) (int, error) {
	if p.isClosed() {
		return 0, transport.ErrClosed
	}

	n, err := p.port.Read(b)
	if err != nil {
		if p.isClosed() {
			return n, transport.ErrClosed
		}
		return n, fmt.Errorf("failed to read from serial port %s: %w", p.name, err)
	}

	return n, nil
}

// Write writes to the serial port
func (p *Port) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, transport.ErrClosed
	}

	n, err := p.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("failed to write to serial port %s: %w", p.name, err)
	}

	return n, nil
}

// Close closes the serial port (subsequent calls are no-ops)
func (p *Port) Close() (err error) {
	p.closeOnce.Do(func() {
		p.Lock()
		p.closed = true
		p.Unlock()

		if cerr := p.port.Close(); cerr != nil {
			err = fmt.Errorf("failed to close serial port %s: %w", p.name, cerr)
		}
	})

	return
}

// Info denotes a serial port found on the system
type Info struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// String fulfils the Stringer interface
func (i Info) String() string {
	if !i.IsUSB {
		return i.Name
	}
	return fmt.Sprintf("%s (USB %s:%s %s %s)", i.Name, i.VID, i.PID, i.Product, i.SerialNumber)
}

// List returns all serial ports found on the system
func List() ([]Info, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	infos := make([]Info, 0, len(ports))
	for _, port := range ports {
		infos = append(infos, Info{
			Name:         port.Name,
			IsUSB:        port.IsUSB,
			VID:          strings.ToUpper(port.VID),
			PID:          strings.ToUpper(port.PID),
			SerialNumber: port.SerialNumber,
			Product:      port.Product,
		})
	}

	return infos, nil
}

// AutoSelect returns the first USB serial port found (or the first port at all)
func AutoSelect() (string, error) {
	ports, err := List()
	if err != nil {
		return "", err
	}

	for _, port := range ports {
		if port.IsUSB {
			return port.Name, nil
		}
	}
	if len(ports) > 0 {
		return ports[0].Name, nil
	}

	return "", fmt.Errorf("failed to auto-select serial port: %w", sensor.ErrNotConnected)
}

////////////////////////////////////////////////////////////////////////////////

func (p *Port) setup() error {
	if err := p.port.SetReadTimeout(p.readTimeout); err != nil {
		return fmt.Errorf("failed to set read timeout on %s: %w", p.name, err)
	}
	if p.dtr != nil {
		if err := p.port.SetDTR(*p.dtr); err != nil {
			return fmt.Errorf("failed to set DTR on %s: %w", p.name, err)
		}
	}
	if p.rts != nil {
		if err := p.port.SetRTS(*p.rts); err != nil {
			return fmt.Errorf("failed to set RTS on %s: %w", p.name, err)
		}
	}
	if err := p.port.ResetInputBuffer(); err != nil {
		p.logger.Warnf("failed to reset input buffer of %s: %s", p.name, err)
	}

	return nil
}

func (p *Port) isClosed() bool {
	p.Lock()
	defer p.Unlock()

	return p.closed
}
