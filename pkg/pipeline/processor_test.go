package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/units"
)

type staticSource struct {
	value float64
	ok    bool
}

func (s staticSource) WeightPerCount() (float64, bool) {
	return s.value, s.ok
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEMA(t *testing.T) {
	p := NewProcessor()

	for _, v := range []float64{90, 100, 1000} {
		p.Enqueue(v)
	}
	r, ok := p.Tick(time.Now())
	if !ok {
		t.Fatalf("no reading emitted")
	}
	if r.RawCounts != 100 {
		t.Fatalf("unexpected smoothed value after first batch: %v", r.RawCounts)
	}

	p.Enqueue(200)
	if r, _ = p.Tick(time.Now()); r.RawCounts != 125 {
		t.Fatalf("unexpected smoothed value after second batch: %v", r.RawCounts)
	}
}

func TestEmptyTick(t *testing.T) {
	p := NewProcessor()
	if _, ok := p.Tick(time.Now()); ok {
		t.Fatalf("reading unexpectedly emitted for empty batch")
	}
	if _, ok := p.Smoothed(); ok {
		t.Fatalf("smoothed value unexpectedly set")
	}
}

func TestEnqueueDropsInvalid(t *testing.T) {
	p := NewProcessor(WithMaxQueueLen(3))
	p.Enqueue(math.NaN())
	p.Enqueue(math.Inf(-1))
	if p.Pending() != 0 {
		t.Fatalf("non-finite values were queued")
	}

	for _, v := range []float64{1, 2, 3, 4, 5} {
		p.Enqueue(v)
	}
	if p.Pending() != 3 {
		t.Fatalf("queue not trimmed: %d", p.Pending())
	}
	if r, _ := p.Tick(time.Now()); r.RawCounts != 4 {
		t.Fatalf("oldest values were not trimmed: %v", r.RawCounts)
	}
}

func TestTare(t *testing.T) {
	p := NewProcessor()
	if _, err := p.CaptureTare(); !errors.Is(err, sensor.ErrNoData) {
		t.Fatalf("unexpected error for tare without data: %v", err)
	}

	// Queued but unprocessed values are used as fallback
	p.Enqueue(40)
	p.Enqueue(60)
	offset, err := p.CaptureTare()
	if err != nil || offset != 50 {
		t.Fatalf("unexpected tare from queue: %v (%v)", offset, err)
	}
	p.ResetTare()

	p.Tick(time.Now())
	if offset, err = p.CaptureTare(); err != nil || offset != 50 {
		t.Fatalf("unexpected tare from smoothed value: %v (%v)", offset, err)
	}

	p.Enqueue(50)
	r, _ := p.Tick(time.Now())
	if !nearlyEqual(r.RawCounts, 0) || !nearlyEqual(r.Value, 0) {
		t.Fatalf("unexpected net reading after tare: %+v", r)
	}
}

func TestReset(t *testing.T) {
	p := NewProcessor()
	p.Enqueue(100)
	p.Tick(time.Now())
	p.Enqueue(300)

	p.Reset()
	if p.Pending() != 0 {
		t.Fatalf("queue not cleared")
	}

	// No stale history is blended into fresh data
	p.Enqueue(200)
	if r, _ := p.Tick(time.Now()); r.RawCounts != 200 {
		t.Fatalf("unexpected smoothed value after reset: %v", r.RawCounts)
	}
}

func TestCalibration(t *testing.T) {
	p := NewProcessor()
	p.Enqueue(1000)
	r, _ := p.Tick(time.Now())
	if r.Calibrated || r.Value != 1000 {
		t.Fatalf("unexpected uncalibrated reading: %+v", r)
	}

	p = NewProcessor(WithLinearCalibration(0.5, 10))
	p.Enqueue(1000)
	if r, _ = p.Tick(time.Now()); !r.Calibrated || r.Value != 510 {
		t.Fatalf("unexpected linear calibrated reading: %+v", r)
	}

	// Weight per count takes precedence over linear calibration
	p = NewProcessor(WithLinearCalibration(0.5, 10), WithCalibrationSource(staticSource{2.5e-4, true}))
	p.Enqueue(1000)
	if r, _ = p.Tick(time.Now()); !r.Calibrated || !nearlyEqual(r.Value, 0.25) {
		t.Fatalf("unexpected calibrated reading: %+v", r)
	}

	p = NewProcessor(WithCalibrationSource(staticSource{}))
	p.Enqueue(1000)
	if r, _ = p.Tick(time.Now()); r.Calibrated {
		t.Fatalf("reading unexpectedly flagged as calibrated: %+v", r)
	}
}

func TestLengthCorrection(t *testing.T) {
	p := NewProcessor(WithDisplayUnit(units.UnitMillimeters))
	p.Enqueue(2500)
	r, _ := p.Tick(time.Now())
	if !nearlyEqual(r.Value, 2.5) || r.Unit != units.UnitMillimeters {
		t.Fatalf("unexpected displacement reading: %+v", r)
	}

	p = NewProcessor(WithDeviceUnit(units.UnitMillimeters), WithDisplayUnit(units.UnitInches))
	p.Enqueue(25400)
	if r, _ = p.Tick(time.Now()); !nearlyEqual(r.Value, 25.4*0.0393701) || r.Unit != units.UnitInches {
		t.Fatalf("unexpected converted displacement reading: %+v", r)
	}
}

func TestUnitConversion(t *testing.T) {
	p := NewProcessor(
		WithCalibrationSource(staticSource{0.01, true}),
		WithDeviceUnit(units.UnitKilograms),
		WithDisplayUnit(units.UnitPounds),
		WithResolution(2),
	)
	p.Enqueue(1000)
	r, _ := p.Tick(time.Now())
	if r.Unit != units.UnitPounds || r.String() != "22.05 lb" {
		t.Fatalf("unexpected converted reading: %+v (%s)", r, r)
	}

	// Unconvertible pairs fall back to the device unit
	p.SetDisplayUnit(units.UnitMillipounds)
	p.Enqueue(1000)
	if r, _ = p.Tick(time.Now()); r.Unit != units.UnitKilograms || !nearlyEqual(r.Value, 10) {
		t.Fatalf("unexpected fallback reading: %+v", r)
	}
}

func TestRun(t *testing.T) {
	p := NewProcessor(WithPeriod(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	var (
		wg       sync.WaitGroup
		readings = make(chan sensor.Reading, 16)
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx, func(r sensor.Reading) {
			select {
			case readings <- r:
			default:
			}
		})
	}()

	p.Enqueue(42)
	select {
	case r := <-readings:
		if r.RawCounts != 42 {
			t.Fatalf("unexpected reading: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("no reading emitted")
	}

	cancel()
	wg.Wait()
}

func TestMedian(t *testing.T) {
	if _, ok := Median(nil); ok {
		t.Fatalf("median of empty set unexpectedly available")
	}
	for _, tc := range []struct {
		in   []float64
		want float64
	}{
		{[]float64{5}, 5},
		{[]float64{3, 1, 2}, 2},
		{[]float64{4, 1, 3, 2}, 2.5},
		{[]float64{100, -32768, 101, 99, 100}, 100},
	} {
		in := append([]float64(nil), tc.in...)
		if got, _ := Median(in); got != tc.want {
			t.Fatalf("Median(%v): got=%v want=%v", tc.in, got, tc.want)
		}
		for i := range in {
			if in[i] != tc.in[i] {
				t.Fatalf("input was modified: %v", in)
			}
		}
	}
}
