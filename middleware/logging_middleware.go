package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []zap.Field{
				zap.Stringer("conn", req.ConnID),
				zap.String("command", req.Command.Name()),
				zap.Int("args", req.Command.Len()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("command failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("command handled", fields...)
			return nil
		}
	}
}
