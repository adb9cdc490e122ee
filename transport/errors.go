package transport

import (
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"

	"tasksocket/result"
)

// Classify maps a transport error onto a result.Kind. The list is explicit:
// deadline, closed socket, refused, reset/broken pipe; everything else the OS
// reports is KindIO.
func Classify(err error) result.Kind {
	switch {
	case err == nil:
		return result.KindNone
	case errors.Is(err, os.ErrDeadlineExceeded):
		return result.KindTimeout
	case isTimeout(err):
		return result.KindTimeout
	case isClosed(err):
		return result.KindClosed
	case errors.Is(err, syscall.ECONNREFUSED):
		return result.KindRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return result.KindReset
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return result.KindReset
	case errors.Is(err, fs.ErrNotExist):
		return result.KindNotFound
	}
	return result.KindIO
}

func fail[T any](v T, err error) result.Result[T] {
	return result.Fail(v, Classify(err), err.Error())
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func isNotConnected(err error) bool {
	return errors.Is(err, syscall.ENOTCONN)
}
