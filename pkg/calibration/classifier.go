package calibration

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/loadvue/pkg/decode"
	"github.com/fako1024/loadvue/pkg/sensor"
)

const (

	// DefaultTimeout is the default time an expectation waits for its answer
	DefaultTimeout = 1500 * time.Millisecond
)

// Kind denotes a device query whose answer is expected in the data stream. Its
// value is the command sent to the device.
type Kind string

const (

	// KindWeightPerCount queries the weight-per-count multiplier
	KindWeightPerCount Kind = "SWC"

	// KindMillivoltsPerVolt queries the mV/V sensitivity
	KindMillivoltsPerVolt Kind = "mvolt"

	// KindCapacity queries the rated capacity
	KindCapacity Kind = "slc"

	// KindID queries the device identifier
	KindID Kind = "ss1"

	// KindUnits queries the device units
	KindUnits Kind = "unit"

	// KindTareAck awaits the acknowledgement of a hardware tare
	KindTareAck Kind = "ct0"
)

// Command returns the command string (without terminator) sent to the device
func (k Kind) Command() string {
	return string(k)
}

func (k Kind) numeric() bool {
	return k == KindWeightPerCount
}

// Result denotes the outcome of a single expectation
type Result struct {
	Kind  Kind
	Value float64
	Text  string
	Err   error
}

type expectation struct {
	kind  Kind
	ch    chan Result
	timer *time.Timer
}

// Classifier decides for every complete line of the stream whether it answers an
// outstanding device query or is sample data. Outstanding expectations are served
// in the order they were registered.
type Classifier struct {
	timeout  time.Duration
	isSample func(line string) bool

	pending []*expectation
	state   sensor.CalibrationState
	info    map[Kind]string

	logger sensor.Logger
	sync.Mutex
}

// New instantiates a new Classifier, executing functional options, if any
func New(options ...func(*Classifier)) *Classifier {
	c := &Classifier{
		timeout: DefaultTimeout,
		info:    make(map[Kind]string),
		logger:  &sensor.NullLogger{},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// Expect registers a one-shot expectation for an answer of the given kind. The
// returned channel receives exactly one Result (answer, timeout or supersession).
// A pending expectation of the same kind is superseded.
func (c *Classifier) Expect(kind Kind) <-chan Result {
	c.Lock()
	defer c.Unlock()

	for i, e := range c.pending {
		if e.kind == kind {
			c.logger.Debugf("superseding pending %s request", kind)
			c.remove(i)
			c.deliver(e, Result{Kind: kind, Err: sensor.ErrSuperseded})
			break
		}
	}

	e := &expectation{
		kind: kind,
		ch:   make(chan Result, 1),
	}
	e.timer = time.AfterFunc(c.timeout, func() {
		c.expire(e)
	})
	c.pending = append(c.pending, e)
	c.setAwaiting(kind, true)

	return e.ch
}

// Classify inspects a complete line. If it answers an outstanding expectation it
// is consumed (return value true) and must not be treated as sample data. Lines
// matched by the sample filter (see WithSampleFilter) are never consumed.
func (c *Classifier) Classify(line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}
	if c.isSample != nil && c.isSample(text) {
		return false
	}

	c.Lock()
	defer c.Unlock()

	if len(c.pending) == 0 {
		return false
	}

	e := c.pending[0]
	c.remove(0)
	c.setAwaiting(e.kind, false)

	if !e.kind.numeric() {
		c.store(e.kind, text)
		c.deliver(e, Result{Kind: e.kind, Text: text})
		return true
	}

	value, err := decode.ParseNumber(text)
	if err == nil && (math.IsNaN(value) || math.IsInf(value, 0)) {
		err = fmt.Errorf("non-finite value %v", value)
	}
	if err != nil {
		c.logger.Warnf("%s response invalid: %s", e.kind, err)
		c.deliver(e, Result{Kind: e.kind, Text: text, Err: fmt.Errorf("failed to parse %s response `%s`: %w", e.kind, text, sensor.ErrInvalidResponse)})
		return true
	}

	c.state.WeightPerCount, c.state.HasWeightPerCount = value, true
	c.logger.Infof("current weight per count: %g", value)
	c.deliver(e, Result{Kind: e.kind, Value: value, Text: text})

	return true
}

// Cancel withdraws the expectation that delivers to ch (e.g. because its waiter
// gave up), returning if it was still outstanding
func (c *Classifier) Cancel(ch <-chan Result) bool {
	c.Lock()
	defer c.Unlock()

	for i, e := range c.pending {
		if (<-chan Result)(e.ch) == ch {
			c.remove(i)
			c.setAwaiting(e.kind, false)
			e.timer.Stop()
			c.logger.Debugf("cancelled pending %s request", e.kind)
			return true
		}
	}

	return false
}

// Awaiting returns if any expectation is outstanding
func (c *Classifier) Awaiting() bool {
	c.Lock()
	defer c.Unlock()

	return len(c.pending) > 0
}

// State returns the current calibration state
func (c *Classifier) State() sensor.CalibrationState {
	c.Lock()
	defer c.Unlock()

	return c.state
}

// WeightPerCount returns the weight-per-count multiplier, if known
func (c *Classifier) WeightPerCount() (float64, bool) {
	c.Lock()
	defer c.Unlock()

	return c.state.WeightPerCount, c.state.HasWeightPerCount
}

// Info returns the last answer received for a text query, if any
func (c *Classifier) Info(kind Kind) (string, bool) {
	c.Lock()
	defer c.Unlock()

	text, ok := c.info[kind]
	return text, ok
}

// SetManualWeightPerCount overrides the weight-per-count multiplier, cancelling
// any outstanding device query for it
func (c *Classifier) SetManualWeightPerCount(value float64) error {
	if value == 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("failed to set weight per count %v: %w", value, sensor.ErrInvalidValue)
	}

	c.Lock()
	defer c.Unlock()

	for i, e := range c.pending {
		if e.kind == KindWeightPerCount {
			c.remove(i)
			c.deliver(e, Result{Kind: e.kind, Err: sensor.ErrSuperseded})
			break
		}
	}

	c.state.AwaitingWeightPerCount = false
	c.state.WeightPerCount, c.state.HasWeightPerCount = value, true

	return nil
}

// Reset cancels all outstanding expectations and forgets every stored value
func (c *Classifier) Reset() {
	c.Lock()
	defer c.Unlock()

	for _, e := range c.pending {
		c.deliver(e, Result{Kind: e.kind, Err: sensor.ErrNotConnected})
	}
	c.pending = nil
	c.state = sensor.CalibrationState{}
	c.info = make(map[Kind]string)
}

////////////////////////////////////////////////////////////////////////////////

func (c *Classifier) expire(e *expectation) {
	c.Lock()
	defer c.Unlock()

	for i, p := range c.pending {
		if p == e {
			c.remove(i)
			c.setAwaiting(e.kind, false)
			c.logger.Warnf("no response to %s request within %v", e.kind, c.timeout)
			c.deliver(e, Result{Kind: e.kind, Err: fmt.Errorf("failed to receive %s response: %w", e.kind, sensor.ErrNoResponse)})
			return
		}
	}
}

// remove drops the pending expectation at index i, must be called under lock
func (c *Classifier) remove(i int) {
	c.pending = append(c.pending[:i], c.pending[i+1:]...)
}

// deliver stops the timer and hands the result to the (buffered) waiter channel
func (c *Classifier) deliver(e *expectation, res Result) {
	e.timer.Stop()
	select {
	case e.ch <- res:
	default:
	}
}

func (c *Classifier) setAwaiting(kind Kind, awaiting bool) {
	switch kind {
	case KindWeightPerCount:
		c.state.AwaitingWeightPerCount = awaiting
	case KindMillivoltsPerVolt:
		c.state.AwaitingMillivoltsPerVolt = awaiting
	}
}

func (c *Classifier) store(kind Kind, text string) {
	c.info[kind] = text
	if kind == KindMillivoltsPerVolt {
		c.state.MillivoltsPerVolt, c.state.HasMillivoltsPerVolt = text, true
		c.logger.Infof("current mV/V: %s", text)
	}
}
