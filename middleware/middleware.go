// Package middleware wraps the handling of received commands.
//
// A chain runs once per received command, between decoding and the
// catalog receiver:
//
//	Chain(A, B, C)(h) → A(B(C(h)))
package middleware

import (
	"context"
	"time"

	"tasksocket/command"
	"tasksocket/registry"
)

// Request is one received command.
type Request struct {
	ConnID   registry.ID
	Remote   string
	Command  command.Command
	Received time.Time
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
