package transport

import (
	"errors"
	"io"
)

// ErrClosed is returned for operations on a closed port
var ErrClosed = errors.New("port closed")

// Port denotes a bidirectional byte stream to a sensor. A Read returning
// io.EOF denotes the end of the stream, a Read returning (0, nil) a read
// timeout without data.
type Port interface {
	io.ReadWriteCloser
}
