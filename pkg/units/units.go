package units

import (
	"math"
	"strconv"
	"strings"
)

// Unit denotes a physical unit of a sensor reading
type Unit string

const (

	// UnitUnknown denotes an unknown / invalid unit
	UnitUnknown Unit = "--"

	// UnitPounds denotes pounds (mass)
	UnitPounds Unit = "lb"

	// UnitKilograms denotes kilograms (mass)
	UnitKilograms Unit = "kg"

	// UnitGrams denotes grams (mass)
	UnitGrams Unit = "g"

	// UnitNewtons denotes Newtons (force)
	UnitNewtons Unit = "N"

	// UnitNewtonMeters denotes Newton meters (torque)
	UnitNewtonMeters Unit = "N-m"

	// UnitPoundFeet denotes pound-force feet (torque)
	UnitPoundFeet Unit = "LBF-FT"

	// UnitMillimeters denotes millimeters (length)
	UnitMillimeters Unit = "mm"

	// UnitInches denotes inches (length)
	UnitInches Unit = "in"

	// UnitMillipounds denotes millipounds, reported by some devices but not convertible
	UnitMillipounds Unit = "mlb"
)

// Warner denotes the subset of a logger required to report conversion problems
type Warner interface {
	Warnf(format string, args ...interface{})
}

// factors maps source unit -> target unit -> multiplicative factor. The table is
// read-only after initialization.
var factors = map[Unit]map[Unit]float64{
	UnitPounds:       {UnitPounds: 1, UnitKilograms: 0.453592, UnitGrams: 453.592, UnitNewtons: 4.44822, UnitNewtonMeters: 1.35582, UnitPoundFeet: 1, UnitMillimeters: 25.4, UnitInches: 1},
	UnitKilograms:    {UnitPounds: 2.20462, UnitKilograms: 1, UnitGrams: 1000, UnitNewtons: 9.81, UnitNewtonMeters: 9.81, UnitPoundFeet: 7.233, UnitMillimeters: 1000, UnitInches: 39.3701},
	UnitGrams:        {UnitPounds: 0.00220462, UnitKilograms: 0.001, UnitGrams: 1, UnitNewtons: 0.00981, UnitNewtonMeters: 0.00981, UnitPoundFeet: 0.007233, UnitMillimeters: 1, UnitInches: 0.0393701},
	UnitNewtons:      {UnitPounds: 0.22480, UnitKilograms: 0.10197, UnitGrams: 101.972, UnitNewtons: 1, UnitNewtonMeters: 1, UnitPoundFeet: 0.737562, UnitMillimeters: 1000, UnitInches: 39.3701},
	UnitNewtonMeters: {UnitPounds: 0.737562, UnitKilograms: 0.10197, UnitGrams: 101.972, UnitNewtons: 1, UnitNewtonMeters: 1, UnitPoundFeet: 0.737562, UnitMillimeters: 1000, UnitInches: 39.3701},
	UnitPoundFeet:    {UnitPounds: 1, UnitKilograms: 0.138255, UnitGrams: 138.255, UnitNewtons: 1.35582, UnitNewtonMeters: 1.35582, UnitPoundFeet: 1, UnitMillimeters: 1355.82, UnitInches: 53.3787},
	UnitMillimeters:  {UnitPounds: 0.0393701, UnitKilograms: 0.001, UnitGrams: 1, UnitNewtons: 0.001, UnitNewtonMeters: 0.001, UnitPoundFeet: 0.000737562, UnitMillimeters: 1, UnitInches: 0.0393701},
	UnitInches:       {UnitPounds: 1, UnitKilograms: 0.0254, UnitGrams: 25.4, UnitNewtons: 0.0254, UnitNewtonMeters: 0.0254, UnitPoundFeet: 0.018733, UnitMillimeters: 25.4, UnitInches: 1},
}

// Known returns the list of units covered by the conversion table
func Known() []Unit {
	return []Unit{
		UnitPounds, UnitKilograms, UnitGrams, UnitNewtons,
		UnitNewtonMeters, UnitPoundFeet, UnitMillimeters, UnitInches,
	}
}

// IsKnown returns if the unit is part of the conversion table
func IsKnown(u Unit) bool {
	_, ok := factors[u]
	return ok
}

// IsLength returns if the unit denotes a length (displacement sensors)
func IsLength(u Unit) bool {
	return u == UnitMillimeters || u == UnitInches
}

// Factor returns the multiplicative factor converting from -> to. Identical units
// always convert with a factor of 1, even if they are not part of the table.
func Factor(from, to Unit) (float64, bool) {
	if from == to {
		return 1, true
	}
	row, ok := factors[from]
	if !ok {
		return 0, false
	}
	f, ok := row[to]
	return f, ok
}

// Convert converts a value between units. If no factor is available the value
// is returned unchanged together with false.
func Convert(value float64, from, to Unit) (float64, bool) {
	f, ok := Factor(from, to)
	if !ok {
		return value, false
	}
	return value * f, true
}

// Format renders a value with a fixed number of decimal places
func Format(value float64, resolution int) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "---"
	}
	if resolution < 0 {
		resolution = 0
	}
	return strconv.FormatFloat(value, 'f', resolution, 64)
}

// ConvertString converts a value between units and formats the result at the
// requested resolution. An unknown pair is reported via the (optional) logger and
// the unconverted value is returned instead.
func ConvertString(value float64, from, to Unit, resolution int, logger Warner) string {
	converted, ok := Convert(value, from, to)
	if !ok && logger != nil {
		logger.Warnf("no conversion factor from `%s` to `%s`, returning raw value", from, to)
	}
	return Format(converted, resolution)
}

// Canonical maps a unit string as reported by a device (or typed by a user) onto
// the fixed unit vocabulary. Unrecognized strings are returned lower-cased.
func Canonical(s string) Unit {
	u := strings.ToLower(strings.TrimSpace(s))
	if u == "" {
		return UnitUnknown
	}

	switch u {
	case "lb", "lbs":
		return UnitPounds
	case "kg":
		return UnitKilograms
	case "g", "gram", "grams":
		return UnitGrams
	case "n":
		return UnitNewtons
	case "n-m", "nm", "newton-meter", "newton meter":
		return UnitNewtonMeters
	case "lbf-ft", "lbft", "pound-foot", "pound foot":
		return UnitPoundFeet
	case "mm", "millimeter", "millimeters":
		return UnitMillimeters
	case "in", "inch", "inches":
		return UnitInches
	case "mlb":
		return UnitMillipounds
	}

	// Loose matching for verbose device answers (order matters: torque before force)
	switch {
	case strings.Contains(u, "mlb"):
		return UnitMillipounds
	case strings.Contains(u, "lbf-ft"), strings.Contains(u, "lbft"), strings.Contains(u, "pound"):
		return UnitPoundFeet
	case strings.Contains(u, "lb"):
		return UnitPounds
	case strings.Contains(u, "kg"):
		return UnitKilograms
	case strings.Contains(u, "n-m"), strings.Contains(u, "newton-meter"), strings.Contains(u, "newton meter"):
		return UnitNewtonMeters
	case strings.Contains(u, "newton"):
		return UnitNewtons
	case strings.Contains(u, "millimeter"):
		return UnitMillimeters
	case strings.Contains(u, "inch"):
		return UnitInches
	case strings.Contains(u, "gram"):
		return UnitGrams
	}

	return Unit(u)
}
