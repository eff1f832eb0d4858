package loadcell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fako1024/loadvue/pkg/calibration"
	"github.com/fako1024/loadvue/pkg/decode"
	"github.com/fako1024/loadvue/pkg/history"
	"github.com/fako1024/loadvue/pkg/pipeline"
	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/transport"
	"github.com/fako1024/loadvue/pkg/units"
	"github.com/fatih/stopwatch"
)

const (
	cmdStartStream = "H"
	cmdStopStream  = "S"
	cmdTerminator  = "\r"

	// CmdSingleReading requests a single (calibrated) reading
	CmdSingleReading = "W"

	// CmdSingleReadingLegacy requests a single (calibrated) reading on older devices
	CmdSingleReadingLegacy = "o0w1"

	// DefaultSettleDelay is the default time polling pauses before a query is sent
	// in polled mode (answers to earlier single reading requests are drained)
	DefaultSettleDelay = 200 * time.Millisecond

	// DefaultPollInterval is the default interval between single reading requests in polled mode
	DefaultPollInterval = 100 * time.Millisecond

	// MaxResolution is the maximum number of decimal places
	MaxResolution = 6

	rateWindow         = time.Second
	readBufferSize     = 4096
	subscriberQueueLen = 64
)

var _ sensor.Sensor = (*Session)(nil)

// Session denotes a connection to a single load cell via an arbitrary transport.
// It owns the transport: a single read loop consumes the stream, feeding query
// answers to the classifier and samples to the processor.
type Session struct {
	port transport.Port

	accumulator *decode.Accumulator
	classifier  *calibration.Classifier
	processor   *pipeline.Processor

	window  *history.Window
	all     *history.Window
	extrema history.Extrema

	accumulatorOptions []func(*decode.Accumulator)
	classifierOptions  []func(*calibration.Classifier)
	processorOptions   []func(*pipeline.Processor)
	windowLen          int

	settleDelay  time.Duration
	pollCommand  string
	pollInterval time.Duration
	hardwareTare *bool
	info         sensor.DeviceInfo

	connectionStatus sensor.ConnectionStatus

	stateChangeHandler func(status sensor.ConnectionStatus)
	stateChangeChan    chan sensor.ConnectionStatus

	dataHandler func(data sensor.Reading)
	dataChan    chan sensor.Reading

	subscribers map[uint64]chan sensor.Reading
	nextSubID   uint64
	subMu       sync.Mutex

	displayUnit units.Unit
	sinkMu      sync.Mutex

	streaming    bool
	streamCancel context.CancelFunc
	streamMu     sync.Mutex
	timer        *stopwatch.Stopwatch

	sampleCount   int64
	overflowCount int64
	querying      int32
	sampleRate    float64

	writeMu   sync.Mutex
	doneChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger sensor.Logger
	sync.Mutex
}

// New instantiates a new Session on top of a transport, executing functional
// options, if any
func New(port transport.Port, options ...func(*Session)) (*Session, error) {
	if port == nil {
		return nil, fmt.Errorf("failed to instantiate session: %w", sensor.ErrNotConnected)
	}

	// Initialize a new instance of a session
	s := &Session{
		port:         port,
		windowLen:    history.DefaultWindowLen,
		settleDelay:  DefaultSettleDelay,
		pollInterval: DefaultPollInterval,
		subscribers:  make(map[uint64]chan sensor.Reading),
		doneChan:     make(chan struct{}),
		logger:       &sensor.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(s)
	}

	s.classifier = calibration.New(append([]func(*calibration.Classifier){
		calibration.WithLogger(s.logger),
		calibration.WithSampleFilter(s.isSampleLine),
	}, s.classifierOptions...)...)

	// Polled devices answer with readings calibrated by the device itself
	accumulatorOptions := []func(*decode.Accumulator){decode.WithLogger(s.logger)}
	processorOptions := []func(*pipeline.Processor){pipeline.WithLogger(s.logger)}
	if s.pollCommand != "" {
		accumulatorOptions = append(accumulatorOptions, decode.WithMode(decode.ModeDecimal))
		processorOptions = append(processorOptions, pipeline.WithLinearCalibration(1, 0))
	} else {
		processorOptions = append(processorOptions, pipeline.WithCalibrationSource(s.classifier))
	}
	s.accumulator = decode.NewAccumulator(append(accumulatorOptions, s.accumulatorOptions...)...)
	s.processor = pipeline.NewProcessor(append(processorOptions, s.processorOptions...)...)

	s.window = history.NewWindow(s.windowLen)
	s.all = history.NewWindow(history.Unlimited)
	s.displayUnit = s.processor.DisplayUnit()

	s.wg.Add(2)
	go s.readLoop()
	go s.measureRate()

	s.setStatus(sensor.StateConnected, nil)

	return s, nil
}

// ConnectionStatus returns the current status of the sensor link
func (s *Session) ConnectionStatus() sensor.ConnectionStatus {
	s.Lock()
	defer s.Unlock()

	return s.connectionStatus
}

// DeviceInfo returns the information reported by the device (see Identify)
func (s *Session) DeviceInfo() sensor.DeviceInfo {
	s.Lock()
	defer s.Unlock()

	return s.info
}

// Unit returns the current display unit
func (s *Session) Unit() units.Unit {
	if unit := s.processor.DisplayUnit(); unit != units.UnitUnknown {
		return unit
	}
	return s.processor.DeviceUnit()
}

// SetUnit sets the display unit. All buffered readings and the peak / low values
// are converted retroactively.
func (s *Session) SetUnit(unit units.Unit) error {
	if !units.IsKnown(unit) {
		return fmt.Errorf("failed to set unit `%s`: %w", unit, sensor.ErrUnknownUnit)
	}

	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	prev := s.Unit()
	if prev == unit {
		s.processor.SetDisplayUnit(unit)
		s.displayUnit = unit
		return nil
	}

	// Without a device unit readings are produced in the display unit, which
	// hence becomes the unit converted from
	if s.processor.DeviceUnit() == units.UnitUnknown && units.IsKnown(prev) {
		s.processor.SetDeviceUnit(prev)
	}

	if factor, ok := units.Factor(prev, unit); ok {
		s.window.Rescale(factor, unit)
		s.all.Rescale(factor, unit)
		s.extrema.Rescale(factor)
	} else if s.all.Len() > 0 {
		s.logger.Warnf("no conversion factor from `%s` to `%s`, buffered readings not converted", prev, unit)
	}

	s.processor.SetDisplayUnit(unit)
	s.displayUnit = unit
	s.logger.Infof("display unit changed from `%s` to `%s`", prev, unit)

	return nil
}

// Resolution returns the number of decimal places used for display
func (s *Session) Resolution() int {
	return s.processor.Resolution()
}

// SetResolution sets the number of decimal places used for display
func (s *Session) SetResolution(n int) error {
	if n < 0 || n > MaxResolution {
		return fmt.Errorf("failed to set resolution %d (allowed: 0-%d): %w", n, MaxResolution, sensor.ErrInvalidResolution)
	}

	s.processor.SetResolution(n)
	return nil
}

// Tare zeroes the sensor. Devices known to support it are tared in hardware,
// all others in software (capturing the current smoothed counts as offset).
// Peak / low values are reset in both cases.
func (s *Session) Tare() error {
	if s.isClosed() {
		return fmt.Errorf("failed to tare: %w", sensor.ErrNotConnected)
	}

	if s.usesHardwareTare() {
		if _, err := s.query(context.Background(), calibration.KindTareAck); err != nil {
			return fmt.Errorf("failed to perform hardware tare: %w", err)
		}

		// The device counts jump to zero, smoothing must not blend the old level in
		s.processor.ResetTare()
		s.processor.Reset()
		s.logger.Info("hardware tare completed")
	} else {
		if _, err := s.processor.CaptureTare(); err != nil {
			return fmt.Errorf("failed to perform software tare: %w", err)
		}
	}

	// The zero step is intended, the sinks must not reject it as outlier
	s.sinkMu.Lock()
	s.window.ResetGuard()
	s.all.ResetGuard()
	s.extrema.Reset()
	s.sinkMu.Unlock()

	return nil
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (s *Session) SetStateChangeHandler(fn func(status sensor.ConnectionStatus)) {
	s.Lock()
	defer s.Unlock()

	s.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes
func (s *Session) SetStateChangeChannel(ch chan sensor.ConnectionStatus) {
	s.Lock()
	defer s.Unlock()

	s.stateChangeChan = ch
}

// SetDataHandler defines a handler function that is called upon every emitted reading
func (s *Session) SetDataHandler(fn func(data sensor.Reading)) {
	s.Lock()
	defer s.Unlock()

	s.dataHandler = fn
}

// SetDataChannel defines a channel that receives every emitted reading (readings
// are dropped if the channel is not ready)
func (s *Session) SetDataChannel(ch chan sensor.Reading) {
	s.Lock()
	defer s.Unlock()

	s.dataChan = ch
}

// Subscribe registers a new consumer of the reading stream. Readings are dropped
// for a consumer whose queue (of length n) is full. The returned function
// cancels the subscription and closes the channel.
func (s *Session) Subscribe(n int) (<-chan sensor.Reading, func()) {
	if n <= 0 {
		n = subscriberQueueLen
	}
	ch := make(chan sensor.Reading, n)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()

			if _, exists := s.subscribers[id]; exists {
				delete(s.subscribers, id)
				close(ch)
			}
		})
	}
}

// StartStream requests the device to start streaming (or starts polling single
// readings) and starts the periodic processing of samples
func (s *Session) StartStream() error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.isClosed() {
		return fmt.Errorf("failed to start stream: %w", sensor.ErrNotConnected)
	}
	if s.IsStreaming() {
		return nil
	}

	s.processor.Reset()
	if s.pollCommand == "" {
		if err := s.send(cmdStartStream); err != nil {
			return fmt.Errorf("failed to start stream: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.Lock()
	s.streaming = true
	s.streamCancel = cancel
	if s.timer == nil {
		s.timer = stopwatch.Start(0)
	} else {
		s.timer.Start(0)
	}
	s.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processor.Run(ctx, s.emit)
	}()

	if s.pollCommand != "" {
		s.wg.Add(1)
		go s.poll(ctx)
	}

	s.logger.Debugf("stream started")

	return nil
}

// StopStream requests the device to stop streaming and stops the processing of
// samples. It never closes the transport and can be called any number of times.
func (s *Session) StopStream() error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if !s.markStopped() {
		return nil
	}

	if s.pollCommand == "" && !s.isClosed() {
		if err := s.send(cmdStopStream); err != nil {
			return fmt.Errorf("failed to stop stream: %w", err)
		}
	}

	s.logger.Debugf("stream stopped")

	return nil
}

// IsStreaming returns if a stream is currently active
func (s *Session) IsStreaming() bool {
	s.Lock()
	defer s.Unlock()

	return s.streaming
}

// SampleRate returns the number of raw samples received per second
func (s *Session) SampleRate() float64 {
	s.Lock()
	defer s.Unlock()

	return s.sampleRate
}

// ElapsedTime returns the accumulated streaming time
func (s *Session) ElapsedTime() time.Duration {
	s.Lock()
	defer s.Unlock()

	if s.timer != nil {
		return s.timer.ElapsedTime()
	}

	return 0
}

// CalibrationState returns the current calibration state
func (s *Session) CalibrationState() sensor.CalibrationState {
	return s.classifier.State()
}

// RequestWeightPerCount queries the weight-per-count multiplier from the device
func (s *Session) RequestWeightPerCount(ctx context.Context) (float64, error) {
	res, err := s.query(ctx, calibration.KindWeightPerCount)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve weight per count: %w", err)
	}

	return res.Value, nil
}

// RequestMillivoltsPerVolt queries the mV/V sensitivity from the device
func (s *Session) RequestMillivoltsPerVolt(ctx context.Context) (string, error) {
	res, err := s.query(ctx, calibration.KindMillivoltsPerVolt)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve mV/V: %w", err)
	}

	return res.Text, nil
}

// SetManualWeightPerCount overrides the weight-per-count multiplier
func (s *Session) SetManualWeightPerCount(value float64) error {
	return s.classifier.SetManualWeightPerCount(value)
}

// Identify queries ID, capacity and units from the device. The reported units
// become the device unit (and the display unit, unless already set).
func (s *Session) Identify(ctx context.Context) (sensor.DeviceInfo, error) {
	var info sensor.DeviceInfo
	for _, q := range []struct {
		kind calibration.Kind
		dst  *string
	}{
		{calibration.KindID, &info.ID},
		{calibration.KindCapacity, &info.Capacity},
		{calibration.KindUnits, &info.Units},
	} {
		res, err := s.query(ctx, q.kind)
		if err != nil {
			return info, fmt.Errorf("failed to identify device: %w", err)
		}
		*q.dst = res.Text
	}
	info.Unit = units.Canonical(info.Units)

	s.Lock()
	s.info = info
	s.Unlock()

	if units.IsKnown(info.Unit) {
		s.processor.SetDeviceUnit(info.Unit)
		if s.processor.DisplayUnit() == units.UnitUnknown {
			if err := s.SetUnit(info.Unit); err != nil {
				return info, err
			}
		}
	} else {
		s.logger.Warnf("device reported unsupported units `%s`", info.Units)
	}

	s.logger.Infof("identified device `%s` (capacity %s %s)", info.ID, info.Capacity, info.Units)

	return info, nil
}

// Recent returns the readings of the rolling window
func (s *Session) Recent() sensor.Readings {
	return s.window.Readings()
}

// All returns all accumulated readings
func (s *Session) All() sensor.Readings {
	return s.all.Readings()
}

// Extrema returns the peak and low values (if any)
func (s *Session) Extrema() (peak, low float64, ok bool) {
	return s.extrema.Values()
}

// Stats returns summary statistics over all accumulated readings
func (s *Session) Stats() history.Stats {
	return s.all.Stats()
}

// Overflows returns the number of times the stream buffer had to be truncated
func (s *Session) Overflows() int {
	return int(atomic.LoadInt64(&s.overflowCount))
}

// ClearHistory drops all buffered readings and extrema
func (s *Session) ClearHistory() {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	s.window.Reset()
	s.all.Reset()
	s.extrema.Reset()
}

// Close stops the stream, closes the transport and resets all calibration and
// tare state (subsequent calls are no-ops)
func (s *Session) Close() (err error) {
	s.closeOnce.Do(func() {
		s.streamMu.Lock()
		if s.markStopped() && s.pollCommand == "" {
			if serr := s.send(cmdStopStream); serr != nil {
				s.logger.Warnf("failed to stop stream on close: %s", serr)
			}
		}
		close(s.doneChan)
		s.streamMu.Unlock()

		if cerr := s.port.Close(); cerr != nil {
			err = fmt.Errorf("failed to close transport: %w", cerr)
		}
		s.wg.Wait()

		s.classifier.Reset()
		s.processor.ResetTare()
		s.processor.Reset()

		s.subMu.Lock()
		for id, ch := range s.subscribers {
			delete(s.subscribers, id)
			close(ch)
		}
		s.subMu.Unlock()

		s.setStatus(sensor.StateDisconnected, nil)
	})

	return
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {

			// Answers are only recognizable as complete lines
			s.accumulator.SetLineMode(s.classifier.Awaiting())

			s.consume(s.accumulator.Append(buf[:n]))
			atomic.StoreInt64(&s.overflowCount, int64(s.accumulator.Overflows()))
		}
		if err == nil {
			continue
		}

		if s.isClosed() {
			return
		}
		if errors.Is(err, io.EOF) {
			s.consume(s.accumulator.Flush())
			err = fmt.Errorf("end of stream: %w", sensor.ErrNotConnected)
		}

		s.logger.Errorf("transport failure, stopping stream: %s", err)
		s.markStopped()
		s.setStatus(sensor.StateDisconnected, err)
		return
	}
}

// consume routes complete frames either to an outstanding query or, as samples,
// to the processor
func (s *Session) consume(frames []decode.Frame) {
	for _, frame := range frames {
		if s.classifier.Classify(frame.Line) {
			continue
		}

		tokens := s.accumulator.Decode(frame)
		if len(tokens) == 0 {
			continue
		}
		atomic.AddInt64(&s.sampleCount, int64(len(tokens)))

		if !s.IsStreaming() {
			continue
		}
		for _, token := range tokens {
			s.processor.Enqueue(token.Value)
		}
	}
}

// emit hands a reading produced by the processor to all sinks and consumers
func (s *Session) emit(r sensor.Reading) {
	s.sinkMu.Lock()

	// A tick racing a unit change may still carry the previous unit
	if s.displayUnit != units.UnitUnknown && r.Unit != s.displayUnit {
		if v, ok := units.Convert(r.Value, r.Unit, s.displayUnit); ok {
			r.Value, r.Unit = v, s.displayUnit
		}
	}

	s.window.Add(r)
	if s.all.Add(r) {
		s.extrema.Update(r.Value)
	}
	s.sinkMu.Unlock()

	s.Lock()
	handler, ch := s.dataHandler, s.dataChan
	s.Unlock()

	// Call handler function, if any
	if handler != nil {
		handler(r)
	}

	// Put reading on channel, if any
	if ch != nil {
		select {
		case ch <- r:
		default:
		}
	}

	s.subMu.Lock()
	for _, sub := range s.subscribers {
		select {
		case sub <- r:
		default:
		}
	}
	s.subMu.Unlock()
}

// query sends a command and waits for the answer to be picked out of the stream
func (s *Session) query(ctx context.Context, kind calibration.Kind) (calibration.Result, error) {
	if s.isClosed() {
		return calibration.Result{}, sensor.ErrNotConnected
	}

	if err := ctx.Err(); err != nil {
		return calibration.Result{}, err
	}

	atomic.AddInt32(&s.querying, 1)
	defer atomic.AddInt32(&s.querying, -1)

	// Answers to single reading requests still in flight are indistinguishable
	// from the answer to the query
	if s.pollCommand != "" && s.IsStreaming() {
		select {
		case <-ctx.Done():
			return calibration.Result{}, ctx.Err()
		case <-s.doneChan:
			return calibration.Result{}, sensor.ErrNotConnected
		case <-time.After(s.settleDelay):
		}
	}

	ch := s.classifier.Expect(kind)
	if err := s.send(kind.Command()); err != nil {
		s.classifier.Cancel(ch)
		return calibration.Result{}, err
	}

	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		s.classifier.Cancel(ch)
		return calibration.Result{}, ctx.Err()
	case <-s.doneChan:
		s.classifier.Cancel(ch)
		return calibration.Result{}, sensor.ErrNotConnected
	}
}

// send writes a single command (terminated by carriage return) to the device
func (s *Session) send(cmd string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.port.Write([]byte(cmd + cmdTerminator)); err != nil {
		return fmt.Errorf("failed to send command `%s`: %w", cmd, err)
	}
	s.logger.Debugf("sent command `%s`", cmd)

	return nil
}

func (s *Session) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:

			// Answers to single reading requests are indistinguishable from query
			// answers, hence polling pauses while a query is outstanding
			if atomic.LoadInt32(&s.querying) > 0 || s.classifier.Awaiting() {
				continue
			}
			if err := s.send(s.pollCommand); err != nil {
				s.logger.Warnf("failed to poll reading: %s", err)
				return
			}
		}
	}
}

func (s *Session) measureRate() {
	defer s.wg.Done()

	ticker := time.NewTicker(rateWindow)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-s.doneChan:
			return
		case now := <-ticker.C:
			n := atomic.SwapInt64(&s.sampleCount, 0)
			if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
				s.Lock()
				s.sampleRate = float64(n) / elapsed
				s.Unlock()
			}
			last = now
		}
	}
}

// markStopped flags the stream as stopped and stops processing, returning if the
// stream was active before
func (s *Session) markStopped() bool {
	s.Lock()
	if !s.streaming {
		s.Unlock()
		return false
	}
	s.streaming = false
	s.streamCancel()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.Unlock()

	s.processor.Reset()

	return true
}

func (s *Session) usesHardwareTare() bool {
	s.Lock()
	defer s.Unlock()

	if s.hardwareTare != nil {
		return *s.hardwareTare
	}
	return s.info.SupportsHardwareTare()
}

// isSampleLine identifies streamed sample lines, which never answer a query
func (s *Session) isSampleLine(line string) bool {
	return s.accumulator.Mode() == decode.ModeHex && s.IsStreaming() && decode.IsSampleLine(line)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.doneChan:
		return true
	default:
		return false
	}
}

func (s *Session) setStatus(state sensor.State, err error) {
	s.Lock()
	s.connectionStatus = sensor.ConnectionStatus{
		State: state,
		Error: err,
	}
	status, handler, ch := s.connectionStatus, s.stateChangeHandler, s.stateChangeChan
	s.Unlock()

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
