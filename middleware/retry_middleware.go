package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Retryable marks err as worth another attempt by RetryMiddleware.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryable{err}
}

func isRetryable(err error) bool {
	var r retryable
	return errors.Is(err, ErrTimeout) || errors.As(err, &r)
}

// RetryMiddleware re-runs next up to maxRetries times with exponential
// backoff starting at baseDelay, for timeouts and Retryable errors only.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = baseDelay
			b.Multiplier = 2
			b.RandomizationFactor = 0
			b.MaxElapsedTime = 0

			var last error
			op := func() error {
				last = next(ctx, req)
				if last != nil && !isRetryable(last) {
					return backoff.Permanent(last)
				}
				return last
			}
			backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx))
			return last
		}
	}
}
