package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/units"
)

const (

	// DefaultAlpha is the default EMA smoothing factor
	DefaultAlpha = 0.25

	// DefaultPeriod is the default processing tick period
	DefaultPeriod = 40 * time.Millisecond

	// DefaultMaxQueueLen is the default soft cap of the sample queue
	DefaultMaxQueueLen = 5000

	// DefaultResolution is the default number of decimal places of emitted readings
	DefaultResolution = 3

	// lengthScale converts displacement counts (micrometers) to millimeters
	lengthScale = 0.001
)

// CalibrationSource provides the weight-per-count multiplier, if known
type CalibrationSource interface {
	WeightPerCount() (float64, bool)
}

type linearCalibration struct {
	perCount float64
	offset   float64
}

// Processor reduces raw counts arriving at an arbitrary rate to readings emitted
// at a fixed tick rate: each tick drains the queue, reduces it to its median,
// smoothes it (EMA), applies the tare offset and calibration and converts the
// result to the display unit
type Processor struct {
	alpha       float64
	period      time.Duration
	maxQueueLen int

	source CalibrationSource
	linear *linearCalibration

	deviceUnit  units.Unit
	displayUnit units.Unit
	resolution  int

	queue      []float64
	ema        float64
	hasEMA     bool
	tareOffset float64

	uncalibrated bool
	logger       sensor.Logger

	tickMu sync.Mutex
	sync.Mutex
}

// NewProcessor instantiates a new Processor, executing functional options, if any
func NewProcessor(options ...func(*Processor)) *Processor {
	p := &Processor{
		alpha:       DefaultAlpha,
		period:      DefaultPeriod,
		maxQueueLen: DefaultMaxQueueLen,
		deviceUnit:  units.UnitUnknown,
		displayUnit: units.UnitUnknown,
		resolution:  DefaultResolution,
		logger:      &sensor.NullLogger{},
	}

	for _, option := range options {
		option(p)
	}

	return p
}

// Period returns the tick period
func (p *Processor) Period() time.Duration {
	return p.period
}

// Enqueue adds raw counts to the pending batch. Non-finite values are dropped,
// the oldest values are trimmed if the queue exceeds its soft cap.
func (p *Processor) Enqueue(counts float64) {
	if math.IsNaN(counts) || math.IsInf(counts, 0) {
		return
	}

	p.Lock()
	defer p.Unlock()

	p.queue = append(p.queue, counts)
	if excess := len(p.queue) - p.maxQueueLen; excess > 0 {
		p.queue = append(p.queue[:0], p.queue[excess:]...)
	}
}

// Pending returns the number of queued values
func (p *Processor) Pending() int {
	p.Lock()
	defer p.Unlock()

	return len(p.queue)
}

// Smoothed returns the current EMA state (if set)
func (p *Processor) Smoothed() (float64, bool) {
	p.Lock()
	defer p.Unlock()

	return p.ema, p.hasEMA
}

// Tick processes all values queued since the last tick. If the queue is empty no
// reading is produced.
func (p *Processor) Tick(now time.Time) (sensor.Reading, bool) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.Lock()
	median, ok := Median(p.queue)
	p.queue = p.queue[:0]
	if !ok {
		p.Unlock()
		return sensor.Reading{}, false
	}

	if p.hasEMA {
		p.ema = p.alpha*median + (1-p.alpha)*p.ema
	} else {
		p.ema, p.hasEMA = median, true
	}
	net := p.ema - p.tareOffset
	linear, deviceUnit, displayUnit, resolution := p.linear, p.deviceUnit, p.displayUnit, p.resolution
	p.Unlock()

	value, calibrated := p.calibrate(net, linear)

	// Displacement sensors report micrometers
	sourceUnit := deviceUnit
	if sourceUnit == units.UnitUnknown {
		sourceUnit = displayUnit
	}
	if units.IsLength(sourceUnit) {
		value *= lengthScale
	}

	unit := sourceUnit
	if displayUnit != units.UnitUnknown && sourceUnit != units.UnitUnknown {
		if converted, ok := units.Convert(value, sourceUnit, displayUnit); ok {
			value, unit = converted, displayUnit
		} else {
			p.logger.Debugf("no conversion from %s to %s, emitting %s", sourceUnit, displayUnit, sourceUnit)
		}
	}

	return sensor.Reading{
		TimeStamp:  now,
		RawCounts:  net,
		Value:      value,
		Unit:       unit,
		Calibrated: calibrated,
		Resolution: resolution,
	}, true
}

// Run ticks the processor periodically until the context is cancelled, handing
// every produced reading to emit. Ticks never overlap.
func (p *Processor) Run(ctx context.Context, emit func(sensor.Reading)) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if reading, ok := p.Tick(now); ok {
				emit(reading)
			}
		}
	}
}

// CaptureTare sets the current smoothed value (or, if not available, the median
// of the queued values) as new tare offset
func (p *Processor) CaptureTare() (float64, error) {
	p.Lock()
	defer p.Unlock()

	offset, ok := p.ema, p.hasEMA
	if !ok {
		offset, ok = Median(p.queue)
	}
	if !ok {
		return 0, fmt.Errorf("failed to capture tare offset: %w", sensor.ErrNoData)
	}

	p.tareOffset = offset
	p.logger.Infof("software tare set, offset (counts): %.0f", offset)

	return offset, nil
}

// TareOffset returns the current tare offset in counts
func (p *Processor) TareOffset() float64 {
	p.Lock()
	defer p.Unlock()

	return p.tareOffset
}

// ResetTare clears the tare offset
func (p *Processor) ResetTare() {
	p.Lock()
	defer p.Unlock()

	p.tareOffset = 0
}

// Reset drops all queued values and the smoothing state
func (p *Processor) Reset() {
	p.Lock()
	defer p.Unlock()

	p.queue = p.queue[:0]
	p.ema, p.hasEMA = 0, false
}

// DeviceUnit returns the unit the device reports in
func (p *Processor) DeviceUnit() units.Unit {
	p.Lock()
	defer p.Unlock()

	return p.deviceUnit
}

// SetDeviceUnit sets the unit the device reports in
func (p *Processor) SetDeviceUnit(unit units.Unit) {
	p.Lock()
	defer p.Unlock()

	p.deviceUnit = unit
}

// DisplayUnit returns the unit readings are emitted in
func (p *Processor) DisplayUnit() units.Unit {
	p.Lock()
	defer p.Unlock()

	return p.displayUnit
}

// SetDisplayUnit sets the unit readings are emitted in
func (p *Processor) SetDisplayUnit(unit units.Unit) {
	p.Lock()
	defer p.Unlock()

	p.displayUnit = unit
}

// Resolution returns the number of decimal places of emitted readings
func (p *Processor) Resolution() int {
	p.Lock()
	defer p.Unlock()

	return p.resolution
}

// SetResolution sets the number of decimal places of emitted readings
func (p *Processor) SetResolution(n int) {
	p.Lock()
	defer p.Unlock()

	p.resolution = n
}

////////////////////////////////////////////////////////////////////////////////

func (p *Processor) calibrate(net float64, linear *linearCalibration) (float64, bool) {
	if p.source != nil {
		if perCount, ok := p.source.WeightPerCount(); ok {
			p.setUncalibrated(false)
			return net * perCount, true
		}
	}
	if linear != nil {
		p.setUncalibrated(false)
		return linear.perCount*net + linear.offset, true
	}

	p.setUncalibrated(true)
	return net, false
}

// setUncalibrated logs transitions into / out of uncalibrated operation
func (p *Processor) setUncalibrated(uncalibrated bool) {
	if p.uncalibrated == uncalibrated {
		return
	}
	p.uncalibrated = uncalibrated

	if uncalibrated {
		p.logger.Warn("calibration not available (weight per count / linear), emitting raw counts")
		return
	}
	p.logger.Info("calibration available, emitting calibrated values")
}
