package middleware

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("command timed out")

// TimeoutMiddleware stops waiting for next after timeout. The handler keeps
// running in the background with a cancelled ctx.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ErrTimeout
			}
		}
	}
}
