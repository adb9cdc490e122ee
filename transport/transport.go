// Package transport wraps the blocking socket primitives of the net package
// into operations that always report through a result.Result.
//
// Every operation comes in a plain form and a timeout-bounded form. A timeout
// surfaces as a failed Result exactly like an I/O failure, but with
// result.KindTimeout and "(timeout)" in its message. A timeout below 1ns falls
// back to the plain form.
//
// Expected transport failures (refused, reset, closed, timeout) never escape as
// panics. A nil transport or an out-of-range buffer slice is a programming
// error and panics.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"tasksocket/result"
)

// deadliner is implemented by *net.TCPListener and *net.UnixListener.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// halfCloser is implemented by *net.TCPConn and *net.UnixConn.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

func mustConn(conn net.Conn) {
	if conn == nil {
		panic("transport: nil transport")
	}
}

func mustSlice(buf []byte, offset, length int) {
	if offset < 0 || length < 1 || offset+length > len(buf) {
		panic(fmt.Sprintf("transport: invalid buffer range [%d:%d] of %d bytes", offset, offset+length, len(buf)))
	}
}

// Listen blocks until a peer connects to ln or ln is closed. On success the
// Result holds the transport for the new peer.
func Listen(ln net.Listener) result.Result[net.Conn] {
	if ln == nil {
		panic("transport: nil listener")
	}
	conn, err := ln.Accept()
	if err != nil {
		return fail[net.Conn](nil, err)
	}
	return result.Ok(conn)
}

// ListenTimeout is Listen bounded by timeout.
func ListenTimeout(ln net.Listener, timeout time.Duration) result.Result[net.Conn] {
	if timeout < 1 {
		return Listen(ln)
	}
	if d, ok := ln.(deadliner); ok {
		if err := d.SetDeadline(time.Now().Add(timeout)); err != nil {
			return fail[net.Conn](nil, err)
		}
		defer d.SetDeadline(time.Time{})
		return Listen(ln)
	}

	// No deadline support: race Accept against a timer. A peer accepted after
	// the timer fired has no owner and is closed.
	ch := make(chan result.Result[net.Conn], 1)
	go func() { ch <- Listen(ln) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r
	case <-timer.C:
		go func() {
			if late := <-ch; late.Success() {
				late.Value().Close()
			}
		}()
		return result.Fail[net.Conn](nil, result.KindTimeout, fmt.Sprintf("accept %s: no peer within %s", ln.Addr(), timeout))
	}
}

// Connect dials address and blocks until the handshake completes or fails.
// ctx cancels a pending dial.
func Connect(ctx context.Context, network, address string) result.Result[net.Conn] {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return fail[net.Conn](nil, err)
	}
	return result.Ok(conn)
}

// ConnectTimeout is Connect bounded by timeout.
func ConnectTimeout(ctx context.Context, network, address string, timeout time.Duration) result.Result[net.Conn] {
	if timeout < 1 {
		return Connect(ctx, network, address)
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return fail[net.Conn](nil, err)
	}
	return result.Ok(conn)
}

// Receive reads into buf[offset:offset+length] and blocks until at least one
// byte arrived, the peer closed, or the read failed.
//
// A graceful close by the peer is a success with 0 bytes, not a failure; the
// caller decides whether that ends the connection.
func Receive(conn net.Conn, buf []byte, offset, length int) result.Result[int] {
	mustConn(conn)
	mustSlice(buf, offset, length)

	n, err := conn.Read(buf[offset : offset+length])
	if n > 0 {
		// Data first; a pending error will be reported by the next read.
		return result.Ok(n)
	}
	if err == io.EOF {
		return result.Ok(0)
	}
	if err != nil {
		return fail(0, err)
	}
	return result.Ok(0)
}

// ReceiveTimeout is Receive bounded by timeout. The read deadline is cleared
// before returning.
func ReceiveTimeout(conn net.Conn, buf []byte, offset, length int, timeout time.Duration) result.Result[int] {
	if timeout < 1 {
		return Receive(conn, buf, offset, length)
	}
	mustConn(conn)
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fail(0, err)
	}
	defer conn.SetReadDeadline(time.Time{})
	return Receive(conn, buf, offset, length)
}

// Send writes buf[offset:offset+length] and blocks until the OS accepted every
// byte or the write failed. The Result holds the number of bytes written, also
// on failure.
func Send(conn net.Conn, buf []byte, offset, length int) result.Result[int] {
	mustConn(conn)
	mustSlice(buf, offset, length)

	n, err := conn.Write(buf[offset : offset+length])
	if err != nil {
		return fail(n, err)
	}
	return result.Ok(n)
}

// SendTimeout is Send bounded by timeout.
func SendTimeout(conn net.Conn, buf []byte, offset, length int, timeout time.Duration) result.Result[int] {
	if timeout < 1 {
		return Send(conn, buf, offset, length)
	}
	mustConn(conn)
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fail(0, err)
	}
	defer conn.SetWriteDeadline(time.Time{})
	return Send(conn, buf, offset, length)
}

// SendFile streams the whole file at path to conn. On Linux, TCP connections
// use sendfile(2) through io.Copy.
func SendFile(conn net.Conn, path string) result.Result[int64] {
	mustConn(conn)
	f, err := os.Open(path)
	if err != nil {
		return fail[int64](0, err)
	}
	defer f.Close()

	n, err := io.Copy(conn, f)
	if err != nil {
		return fail(n, err)
	}
	return result.Ok(n)
}

// SendFileTimeout is SendFile bounded by timeout for the whole transfer.
func SendFileTimeout(conn net.Conn, path string, timeout time.Duration) result.Result[int64] {
	if timeout < 1 {
		return SendFile(conn, path)
	}
	mustConn(conn)
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fail[int64](0, err)
	}
	defer conn.SetWriteDeadline(time.Time{})
	return SendFile(conn, path)
}

// Shutdown stops both directions of conn, then releases it. The release
// happens even when the half-close fails. Errors from an already closed
// transport are ignored.
func Shutdown(conn net.Conn) (err error) {
	mustConn(conn)
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil && !isClosed(cerr) {
			err = cerr
		}
	}()

	hc, ok := conn.(halfCloser)
	if !ok {
		return nil
	}
	rerr := hc.CloseRead()
	werr := hc.CloseWrite()
	for _, e := range []error{rerr, werr} {
		if e != nil && !isClosed(e) && !isNotConnected(e) {
			return e
		}
	}
	return nil
}
