package decode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxPositiveCount = 32767
	countRange       = 65536
)

var (
	numberPattern      = regexp.MustCompile(`-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?`)
	exactNumberPattern = regexp.MustCompile(`^[+-]?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?$`)
	sampleLinePattern  = regexp.MustCompile(`^-?[0-9A-Fa-f]{3,}(?:[\s,;]+-?[0-9A-Fa-f]{3,})*$`)
)

// Kind denotes the type of a decoded token
type Kind int

const (

	// KindHexCount denotes a signed 16 bit count transmitted as hex text
	KindHexCount Kind = iota

	// KindDecimal denotes a plain decimal (or scientific notation) number
	KindDecimal
)

// Token denotes a single decoded value extracted from the stream
type Token struct {
	Kind  Kind
	Text  string
	Count int
	Value float64
}

// Count converts a hex token into a signed count. The device transmits a 16 bit
// register as hex text with an out-of-band sign marker: a leading minus sign or a
// magnitude above 32767 (either one suffices) yields magnitude - 65536. Runs
// exceeding 16 bits are malformed.
func Count(token string) (int, error) {
	digits := strings.TrimPrefix(token, "-")
	negative := len(digits) != len(token)
	if digits == "" {
		return 0, fmt.Errorf("failed to decode empty token `%s`", token)
	}

	magnitude, err := strconv.ParseUint(digits, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to decode token `%s`: %w", token, err)
	}

	value := int(magnitude)
	if negative || value > maxPositiveCount {
		value -= countRange
	}

	return value, nil
}

// Number extracts the first decimal number (scientific notation supported, e.g.
// 2.619E-4) from a text
func Number(text string) (float64, error) {
	match := numberPattern.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("failed to find number in `%s`", text)
	}

	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse number `%s`: %w", match, err)
	}

	return value, nil
}

// ParseNumber parses a text that consists of a single decimal number (surrounding
// whitespace aside), e.g. a query answer
func ParseNumber(text string) (float64, error) {
	text = strings.TrimSpace(text)
	if !exactNumberPattern.MatchString(text) {
		return 0, fmt.Errorf("`%s` is not a number", text)
	}

	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse number `%s`: %w", text, err)
	}

	return value, nil
}

// IsSampleLine returns if a line consists of hex count tokens only, as streamed
// by the device
func IsSampleLine(line string) bool {
	return sampleLinePattern.MatchString(strings.TrimSpace(line))
}
