package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stmgr-link/protocol"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("type", req.TypeName),
				zap.Stringer("reqid", req.ID),
				zap.Int("payload_bytes", len(req.Payload)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("handler failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("handled frame", fields...)
			}
			return reply, err
		}
	}
}
