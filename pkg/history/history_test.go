package history

import (
	"math"
	"testing"
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/units"
)

func reading(v float64) sensor.Reading {
	return sensor.Reading{
		TimeStamp: time.Now(),
		Value:     v,
		Unit:      units.UnitKilograms,
	}
}

func TestRollingWindow(t *testing.T) {
	w := NewWindow(DefaultWindowLen)
	for i := 0; i < 250; i++ {
		if !w.Add(reading(100 + float64(i%3))) {
			t.Fatalf("reading %d unexpectedly rejected", i)
		}
	}
	if w.Len() != DefaultWindowLen {
		t.Fatalf("unexpected window length: %d", w.Len())
	}

	// Oldest readings are dropped first
	r := w.Readings()
	if r[len(r)-1].Value != 100+float64(249%3) {
		t.Fatalf("unexpected last reading: %v", r[len(r)-1].Value)
	}
}

func TestUnlimitedWindow(t *testing.T) {
	w := NewWindow(Unlimited)
	for i := 0; i < 1000; i++ {
		w.Add(reading(10))
	}
	if w.Len() != 1000 {
		t.Fatalf("unexpected accumulated length: %d", w.Len())
	}

	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("window not reset")
	}
}

func TestWindowOutliers(t *testing.T) {
	w := NewWindow(DefaultWindowLen)
	w.Add(reading(100))
	w.Add(reading(100))
	if w.Add(reading(160)) {
		t.Fatalf("outlier unexpectedly added")
	}
	if w.Len() != 2 {
		t.Fatalf("unexpected window length: %d", w.Len())
	}
}

func TestWindowResetGuard(t *testing.T) {
	w := NewWindow(Unlimited)
	w.Add(reading(2203))
	if w.Add(reading(0)) {
		t.Fatalf("step to zero unexpectedly accepted")
	}

	w.ResetGuard()
	if !w.Add(reading(0)) || w.Len() != 2 {
		t.Fatalf("step to zero rejected after guard reset")
	}
}

func TestWindowRescale(t *testing.T) {
	w := NewWindow(DefaultWindowLen)
	w.Add(reading(10))
	w.Add(reading(20))

	w.Rescale(2.20462, units.UnitPounds)
	r := w.Readings()
	if math.Abs(r[0].Value-22.0462) > 1e-9 || r[1].Unit != units.UnitPounds {
		t.Fatalf("unexpected rescaled readings: %+v", r)
	}

	// Guard history follows the rescaled values
	if !w.Add(reading(33)) {
		t.Fatalf("reading unexpectedly rejected after rescale")
	}
}

func TestPerSinkDivergence(t *testing.T) {
	window, all := NewWindow(DefaultWindowLen), NewWindow(Unlimited)

	window.Add(reading(10))
	for _, v := range []float64{100, 100} {
		window.Add(reading(v))
		all.Add(reading(v))
	}

	if window.Len() != 1 || all.Len() != 2 {
		t.Fatalf("unexpected sink lengths: %d / %d", window.Len(), all.Len())
	}
}

func TestExtrema(t *testing.T) {
	var e Extrema
	if _, _, ok := e.Values(); ok {
		t.Fatalf("extrema unexpectedly available")
	}

	for _, v := range []float64{3, -2, 7, 1} {
		e.Update(v)
	}
	if peak, low, ok := e.Values(); !ok || peak != 7 || low != -2 {
		t.Fatalf("unexpected extrema: %v / %v", peak, low)
	}

	e.Rescale(2)
	if peak, low, _ := e.Values(); peak != 14 || low != -4 {
		t.Fatalf("unexpected rescaled extrema: %v / %v", peak, low)
	}

	e.Reset()
	if _, _, ok := e.Values(); ok {
		t.Fatalf("extrema not reset")
	}
}

func TestStats(t *testing.T) {
	w := NewWindow(Unlimited)
	if s := w.Stats(); s.Count != 0 {
		t.Fatalf("unexpected stats for empty window: %+v", s)
	}

	w.Add(reading(10))
	if s := w.Stats(); s.Count != 1 || s.Mean != 10 || s.StdDev != 0 {
		t.Fatalf("unexpected stats for single reading: %+v", s)
	}

	for _, v := range []float64{12, 14} {
		w.Add(reading(v))
	}
	s := w.Stats()
	if s.Count != 3 || s.Mean != 12 || s.Min != 10 || s.Max != 14 || math.Abs(s.StdDev-2) > 1e-9 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}
