package decode

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/fako1024/loadvue/pkg/sensor"
)

const (

	// MinTokenDigits is the minimum number of hex digits of a valid count token,
	// shorter runs are stray control bytes / noise
	MinTokenDigits = 3

	// DefaultMaxBufferLen is the default maximum length of the retained residue
	DefaultMaxBufferLen = 4096

	terminators = "\r\n"
)

var hexPattern = regexp.MustCompile(`-?[0-9A-Fa-f]+`)

// Mode denotes the token extraction mode
type Mode int

const (

	// ModeHex extracts hex count tokens (high speed streaming)
	ModeHex Mode = iota

	// ModeDecimal extracts one decimal number per line
	ModeDecimal
)

// String fulfils the Stringer interface
func (m Mode) String() string {
	if m == ModeDecimal {
		return "decimal"
	}
	return "hex"
}

// Frame denotes a single line (or the completed part of a line) of the stream and
// the raw tokens found in it
type Frame struct {
	Line   string
	Tokens []string
}

// Accumulator buffers stream fragments and extracts complete tokens. A token is
// complete once any byte that cannot be part of it follows, the buffer only ever
// holds the trailing run that touches its end. In line mode extraction waits for
// a line terminator instead, so that a line is never split.
type Accumulator struct {
	mode      Mode
	lineMode  bool
	maxLen    int
	buf       []byte
	overflows int

	logger sensor.Logger
}

// NewAccumulator instantiates a new Accumulator, executing functional options, if any
func NewAccumulator(options ...func(*Accumulator)) *Accumulator {
	a := &Accumulator{
		mode:   ModeHex,
		maxLen: DefaultMaxBufferLen,
		logger: &sensor.NullLogger{},
	}

	for _, option := range options {
		option(a)
	}

	return a
}

// Mode returns the extraction mode
func (a *Accumulator) Mode() Mode {
	return a.mode
}

// SetLineMode enables / disables line mode (e.g. while a query answer is expected)
func (a *Accumulator) SetLineMode(enabled bool) {
	a.lineMode = enabled
}

// Pending returns the currently buffered residue
func (a *Accumulator) Pending() string {
	return string(a.buf)
}

// Overflows returns the number of times the residue exceeded the maximum length
func (a *Accumulator) Overflows() int {
	return a.overflows
}

// Append adds a chunk to the buffer and extracts all complete frames in order
func (a *Accumulator) Append(chunk []byte) []Frame {
	a.buf = append(a.buf, sanitize(chunk)...)

	cut := len(a.buf)
	if a.lineMode {
		cut = bytes.LastIndexAny(a.buf, terminators) + 1
	} else {
		for cut > 0 && a.isTokenByte(a.buf[cut-1]) {
			cut--
		}
	}

	frames := a.lines(a.buf[:cut])
	a.retain(a.buf[cut:])

	if len(a.buf) > a.maxLen {
		frames = append(frames, a.overflow()...)
	}

	return frames
}

// Flush extracts the residue as a final frame (e.g. at the end of the stream)
func (a *Accumulator) Flush() []Frame {
	defer a.Reset()

	if frame, ok := a.frame(a.buf); ok {
		return []Frame{frame}
	}
	return nil
}

// Reset drops any buffered residue
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
}

// Decode converts the raw tokens of a frame into decoded tokens. Malformed tokens
// are skipped.
func (a *Accumulator) Decode(frame Frame) []Token {
	tokens := make([]Token, 0, len(frame.Tokens))
	for _, text := range frame.Tokens {
		if a.mode == ModeDecimal {
			value, err := Number(text)
			if err != nil {
				a.logger.Debugf("skipping malformed decimal token: %s", err)
				continue
			}
			tokens = append(tokens, Token{Kind: KindDecimal, Text: text, Value: value})
			continue
		}

		count, err := Count(text)
		if err != nil {
			a.logger.Debugf("skipping malformed hex token: %s", err)
			continue
		}
		tokens = append(tokens, Token{Kind: KindHexCount, Text: text, Count: count, Value: float64(count)})
	}

	return tokens
}

////////////////////////////////////////////////////////////////////////////////

func (a *Accumulator) frame(line []byte) (Frame, bool) {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return Frame{}, false
	}

	return Frame{
		Line:   text,
		Tokens: a.tokens(text),
	}, true
}

// lines splits completed input at line terminators
func (a *Accumulator) lines(data []byte) []Frame {
	var frames []Frame
	for len(data) > 0 {
		idx := bytes.IndexAny(data, terminators)
		if idx < 0 {
			idx = len(data)
		}
		if frame, ok := a.frame(data[:idx]); ok {
			frames = append(frames, frame)
		}
		data = bytes.TrimLeft(data[idx:], terminators)
	}

	return frames
}

// retain keeps a copy of the residue to release the consumed part of the buffer
func (a *Accumulator) retain(rest []byte) {
	if len(rest) == 0 {
		a.buf = a.buf[:0]
		return
	}
	a.buf = append(make([]byte, 0, len(rest)), rest...)
}

func (a *Accumulator) tokens(line string) []string {
	if a.mode == ModeDecimal {
		if match := numberPattern.FindString(line); match != "" {
			return []string{match}
		}
		return nil
	}

	matches := hexPattern.FindAllString(line, -1)
	tokens := matches[:0]
	for _, match := range matches {
		if len(strings.TrimPrefix(match, "-")) < MinTokenDigits {
			continue
		}
		tokens = append(tokens, match)
	}
	if len(tokens) == 0 {
		return nil
	}

	return tokens
}

// overflow handles a residue that exceeded the maximum length: everything up to
// the last byte that cannot be part of a token is extracted as a frame, a trailing
// run that is itself too long is dropped
func (a *Accumulator) overflow() []Frame {
	a.overflows++
	a.logger.Warnf("stream buffer exceeded %d bytes, truncating", a.maxLen)

	cut := len(a.buf) - 1
	for cut >= 0 && a.isTokenByte(a.buf[cut]) {
		cut--
	}

	head, tail := a.buf[:cut+1], a.buf[cut+1:]
	if len(tail) > a.maxLen {
		tail = nil
	}

	frames := a.lines(head)
	a.retain(tail)

	return frames
}

func (a *Accumulator) isTokenByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b == '-':
		return true
	case a.mode == ModeHex:
		return (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
	default:
		return b == '.' || b == 'e' || b == 'E' || b == '+'
	}
}

// sanitize removes control characters except tab, line feed and carriage return
func sanitize(chunk []byte) []byte {
	clean := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		if (b < 0x20 && b != '\t' && b != '\n' && b != '\r') || b == 0x7F {
			continue
		}
		clean = append(clean, b)
	}
	return clean
}
