package transport

import (
	"io"
	"syscall"

	"github.com/pkg/errors"
)

var (
	ErrConnClosed         = errors.New("connection is closed")
	ErrConnReset          = errors.New("connection reset by peer")
	ErrConnRefused        = errors.New("connection refused")
	ErrConnAborted        = errors.New("connection aborted")
	ErrNetUnreachable     = errors.New("network is unreachable")
	ErrConnListenerClosed = errors.New("conn listener is closed")
	ErrAddrAlreadyInUse   = errors.New("address already in use")
	ErrDeadLineExceeded   = errors.New("deadline exceeded")
)

// IsReset reports whether err means the peer tore the connection down:
// a reset, an abort, or a broken pipe, either as one of our sentinels or
// as the raw errno from a socket.
func IsReset(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConnReset) || errors.Is(err, ErrConnAborted) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
			return true
		}
	}

	return false
}

// IsClosed reports whether err is an orderly close seen by a reader:
// io.EOF, io.ErrUnexpectedEOF or ErrConnClosed.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrConnClosed)
}
