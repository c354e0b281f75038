package middleware

import (
	"context"
	"errors"
	"time"

	"stmgr-link/protocol"
)

// RetryMiddleware re-runs a handler that failed with ErrTimeout, doubling the
// delay each time. Other errors are returned immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
			reply, err := next(ctx, req)
			for i := 0; i < maxRetries && errors.Is(err, ErrTimeout); i++ {
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				reply, err = next(ctx, req)
			}
			return reply, err
		}
	}
}
