// Package result provides the uniform return contract of every fallible socket
// operation in tasksocket.
//
// A Result is either a success carrying a value, or a failure carrying a
// human-readable diagnostic and a Kind. Expected transport failures
// (disconnect, timeout, refusal) are reported through a Result instead of an
// error tuple or a panic, so loops can branch on Success() without unwrapping.
//
//	r := transport.Receive(conn, buf, 0, len(buf))
//	if r.Failure() {
//	    log.Println(r.Error()) // "read tcp ...: i/o timeout (timeout)"
//	}
package result

import "fmt"

// Kind classifies why an operation failed.
type Kind uint8

const (
	KindNone     Kind = iota // Success
	KindTimeout              // Deadline expired before the operation completed
	KindClosed               // Socket already closed or not usable (invalid state)
	KindRefused              // Peer refused the connection
	KindReset                // Peer reset the connection or the pipe broke
	KindIO                   // Any other I/O failure reported by the OS
	KindNotFound             // Unknown connection identifier
)

var kindNames = [...]string{
	KindNone:     "none",
	KindTimeout:  "timeout",
	KindClosed:   "closed",
	KindRefused:  "refused",
	KindReset:    "reset",
	KindIO:       "io",
	KindNotFound: "not found",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Void is the value type of results that carry no payload.
type Void struct{}

// Status is the value-less form of Result.
type Status = Result[Void]

// Result is an immutable success/failure wrapper. The zero value is a failure
// with an empty message; build results with Ok or Fail.
type Result[T any] struct {
	value   T
	success bool
	message string
	kind    Kind
}

// Ok returns a successful result holding v.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, success: true}
}

// Fail returns a failed result. The message gets the kind appended so that
// two failures of different kinds never read the same. v is kept so callers
// can inspect partial progress (e.g. bytes transferred before a reset).
func Fail[T any](v T, kind Kind, message string) Result[T] {
	if kind == KindNone {
		kind = KindIO
	}
	if message == "" {
		message = kind.String()
	} else {
		message = fmt.Sprintf("%s (%s)", message, kind)
	}
	return Result[T]{value: v, message: message, kind: kind}
}

// Done returns a successful Status.
func Done() Status {
	return Ok(Void{})
}

// Failed returns a failed Status.
func Failed(kind Kind, message string) Status {
	return Fail(Void{}, kind, message)
}

// Success reports whether the operation succeeded.
func (r Result[T]) Success() bool { return r.success }

// Failure is the inverse of Success.
func (r Result[T]) Failure() bool { return !r.success }

// Value returns the payload. On failure it is whatever Fail was given.
func (r Result[T]) Value() T { return r.value }

// Error returns the diagnostic message, empty on success.
func (r Result[T]) Error() string { return r.message }

// Kind returns the failure kind, KindNone on success.
func (r Result[T]) Kind() Kind {
	if r.success {
		return KindNone
	}
	return r.kind
}

// Status drops the value.
func (r Result[T]) Status() Status {
	return Result[Void]{success: r.success, message: r.message, kind: r.kind}
}

// Err converts a failed result into an *Error, nil on success.
func (r Result[T]) Err() error {
	if r.success {
		return nil
	}
	return &Error{Kind: r.Kind(), Message: r.message}
}

func (r Result[T]) String() string {
	if r.success {
		return fmt.Sprintf("ok(%v)", r.value)
	}
	return "fail: " + r.message
}

// Error is the error form of a failed Result.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches another *Error by kind, so errors.Is(err, &result.Error{Kind: result.KindTimeout})
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
