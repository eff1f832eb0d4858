package sensor

import (
	"testing"
	"time"

	"github.com/fako1024/loadvue/pkg/units"
)

func TestReadingString(t *testing.T) {
	r := Reading{
		TimeStamp:  time.UnixMilli(1700000000123),
		Value:      12.3456,
		Unit:       units.UnitKilograms,
		Resolution: 2,
	}
	if s := r.String(); s != "12.35 kg" {
		t.Fatalf("unexpected string representation: %s", s)
	}
	if ms := r.TimestampMillis(); ms != 1700000000123 {
		t.Fatalf("unexpected timestamp: %d", ms)
	}
}

func TestCalibrationStatus(t *testing.T) {
	var c CalibrationState
	if c.WeightPerCountStatus() != CalibrationUnset {
		t.Fatalf("expected unset, got %s", c.WeightPerCountStatus())
	}
	c.AwaitingWeightPerCount = true
	if c.WeightPerCountStatus() != CalibrationAwaiting {
		t.Fatalf("expected awaiting, got %s", c.WeightPerCountStatus())
	}
	c.AwaitingWeightPerCount, c.HasWeightPerCount = false, true
	if c.WeightPerCountStatus() != CalibrationSet {
		t.Fatalf("expected set, got %s", c.WeightPerCountStatus())
	}
	if c.MillivoltsPerVoltStatus() != CalibrationUnset {
		t.Fatalf("mV/V status leaked from weight-per-count: %s", c.MillivoltsPerVoltStatus())
	}
}

func TestSupportsHardwareTare(t *testing.T) {
	for id, want := range map[string]bool{
		"UHS-1k SN1234": true,
		"TEST1K":        true,
		"LC-500":        false,
		"":              false,
	} {
		if got := (DeviceInfo{ID: id}).SupportsHardwareTare(); got != want {
			t.Fatalf("SupportsHardwareTare(%q): got=%v want=%v", id, got, want)
		}
	}
}
