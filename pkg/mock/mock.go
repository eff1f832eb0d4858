package mock

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fatih/stopwatch"
)

const (
	defaultDeviceID       = "MOCK-LC 0001"
	defaultCapacity       = "1000"
	defaultUnits          = "kg"
	defaultWeightPerCount = 2.56e-4
	defaultMillivoltsPV   = "2.0014"

	// DefaultCounts is the (constant) default signal of the simulated sensor
	DefaultCounts = 2203

	// DefaultInterval is the default time between two streamed samples
	DefaultInterval = 5 * time.Millisecond

	// DefaultResponseDelay is the default time the device takes to answer a query
	DefaultResponseDelay = 250 * time.Millisecond

	// DefaultReadTimeout is the default time a single read waits for data
	DefaultReadTimeout = 50 * time.Millisecond

	outQueueLen = 4096
)

// Signal denotes a function providing the raw counts at a point in time since
// the start of the stream
type Signal func(elapsed time.Duration) float64

// Constant returns a constant signal
func Constant(counts float64) Signal {
	return func(time.Duration) float64 {
		return counts
	}
}

// Sine returns a sine signal oscillating around base
func Sine(base, amplitude float64, period time.Duration) Signal {
	return func(elapsed time.Duration) float64 {
		return base + amplitude*math.Sin(2*math.Pi*elapsed.Seconds()/period.Seconds())
	}
}

// Device denotes a simulated load cell answering the ASCII command set on a
// byte stream, usable in place of a serial port
type Device struct {
	id             string
	capacity       string
	units          string
	weightPerCount float64
	millivoltsPV   string

	signal        Signal
	interval      time.Duration
	responseDelay time.Duration
	readTimeout   time.Duration
	chunkSize     int

	streaming  bool
	answering  int
	tareCounts float64
	timer      *stopwatch.Stopwatch
	commands   []string
	inBuf      []byte

	outChan   chan []byte
	pending   []byte
	doneChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger sensor.Logger
	readMu sync.Mutex
	sync.Mutex
}

// New instantiates a new simulated Device, executing functional options, if any
func New(options ...func(*Device)) *Device {

	// Initialize a new instance of a simulated device
	d := &Device{
		id:             defaultDeviceID,
		capacity:       defaultCapacity,
		units:          defaultUnits,
		weightPerCount: defaultWeightPerCount,
		millivoltsPV:   defaultMillivoltsPV,
		signal:         Constant(DefaultCounts),
		interval:       DefaultInterval,
		responseDelay:  DefaultResponseDelay,
		readTimeout:    DefaultReadTimeout,
		outChan:        make(chan []byte, outQueueLen),
		doneChan:       make(chan struct{}),
		logger:         &sensor.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(d)
	}

	d.wg.Add(1)
	go d.generate()

	return d
}

// Read reads the output of the device. If no data is available within the read
// timeout (0, nil) is returned, after Close io.EOF.
func (d *Device) Read(p []byte) (int, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()

	if len(d.pending) == 0 {
		timer := time.NewTimer(d.readTimeout)
		defer timer.Stop()

		select {
		case chunk := <-d.outChan:
			d.pending = chunk
		case <-d.doneChan:
			return 0, io.EOF
		case <-timer.C:
			return 0, nil
		}
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]

	return n, nil
}

// Write passes commands (terminated by carriage return / line feed) to the device
func (d *Device) Write(p []byte) (int, error) {
	select {
	case <-d.doneChan:
		return 0, io.ErrClosedPipe
	default:
	}

	d.Lock()
	d.inBuf = append(d.inBuf, p...)
	var cmds []string
	for {
		idx := bytes.IndexAny(d.inBuf, "\r\n")
		if idx < 0 {
			break
		}
		if cmd := strings.TrimSpace(string(d.inBuf[:idx])); cmd != "" {
			cmds = append(cmds, cmd)
		}
		d.inBuf = d.inBuf[idx+1:]
	}
	d.Unlock()

	for _, cmd := range cmds {
		d.handle(cmd)
	}

	return len(p), nil
}

// Close shuts down the device (subsequent calls are no-ops)
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.doneChan)
	})
	d.wg.Wait()

	return nil
}

// IsStreaming returns if the device currently streams samples
func (d *Device) IsStreaming() bool {
	d.Lock()
	defer d.Unlock()

	return d.streaming
}

// ElapsedTime returns the accumulated streaming time
func (d *Device) ElapsedTime() time.Duration {
	d.Lock()
	defer d.Unlock()

	if d.timer != nil {
		return d.timer.ElapsedTime()
	}

	return 0
}

// Commands returns all commands received so far
func (d *Device) Commands() []string {
	d.Lock()
	defer d.Unlock()

	return append([]string(nil), d.commands...)
}

// Counts returns the current (tared) counts of the simulated sensor
func (d *Device) Counts() float64 {
	d.Lock()
	defer d.Unlock()

	return d.counts()
}

////////////////////////////////////////////////////////////////////////////////

func (d *Device) handle(cmd string) {
	d.Lock()
	d.commands = append(d.commands, cmd)
	d.Unlock()

	d.logger.Debugf("simulated device received command `%s`", cmd)

	switch cmd {
	case "H":
		d.startStream()
	case "S":
		d.stopStream()
	case "SWC":
		d.answer(fmt.Sprintf("%.4E", d.weightPerCount))
	case "mvolt":
		d.answer(d.millivoltsPV)
	case "slc":
		d.answer(d.capacity)
	case "ss1":
		d.answer(d.id)
	case "unit":
		d.answer(d.units)
	case "ct0":
		d.Lock()
		d.tareCounts += d.counts()
		d.Unlock()
		d.answer("OK")
	case "W", "o0w1":
		d.Lock()
		weight := d.counts() * d.weightPerCount
		d.Unlock()
		d.answer(fmt.Sprintf("%.4f", weight))
	default:
		d.logger.Debugf("simulated device ignoring unknown command `%s`", cmd)
	}
}

func (d *Device) startStream() {
	d.Lock()
	defer d.Unlock()

	if d.streaming {
		return
	}
	d.streaming = true

	if d.timer == nil {
		d.timer = stopwatch.Start(0)
	} else {
		d.timer.Start(0)
	}
}

func (d *Device) stopStream() {
	d.Lock()
	defer d.Unlock()

	if !d.streaming {
		return
	}
	d.streaming = false

	if d.timer != nil {
		d.timer.Stop()
	}
}

// answer emits a response line after the response delay. The sample stream is
// paused until the answer was sent.
func (d *Device) answer(text string) {
	d.Lock()
	d.answering++
	d.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.Lock()
			d.answering--
			d.Unlock()
		}()

		select {
		case <-d.doneChan:
			return
		case <-time.After(d.responseDelay):
		}
		d.emit([]byte(text + "\r\n"))
	}()
}

func (d *Device) generate() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.doneChan:
			return
		case <-ticker.C:
			d.Lock()
			active := d.streaming && d.answering == 0
			counts := d.counts()
			d.Unlock()

			if active {
				d.emit([]byte(fmt.Sprintf("%04X\r", encode(counts))))
			}
		}
	}
}

// emit puts data on the output queue, split into chunks if configured
func (d *Device) emit(data []byte) {
	for len(data) > 0 {
		n := len(data)
		if d.chunkSize > 0 && n > d.chunkSize {
			n = d.chunkSize
		}

		select {
		case d.outChan <- data[:n]:
		case <-d.doneChan:
			return
		default:
			d.logger.Warnf("simulated device output queue full, dropping %d bytes", n)
		}
		data = data[n:]
	}
}

// counts returns the current tared counts, must be called under lock
func (d *Device) counts() float64 {
	var elapsed time.Duration
	if d.timer != nil {
		elapsed = d.timer.ElapsedTime()
	}
	return d.signal(elapsed) - d.tareCounts
}

// encode maps counts onto the 16 bit register representation transmitted by the
// device (two's complement)
func encode(counts float64) uint16 {
	return uint16(int16(math.Round(math.Max(math.Min(counts, math.MaxInt16), math.MinInt16))))
}
