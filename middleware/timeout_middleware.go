package middleware

import (
	"context"
	"time"

	"stmgr-link/protocol"
)

// TimeOutMiddleware gives up on a handler after timeout. The handler keeps
// running in the background with a cancelled context; its reply is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				reply *protocol.Frame
				err   error
			}
			done := make(chan result, 1)
			go func() {
				reply, err := next(ctx, req)
				done <- result{reply, err}
			}()

			select {
			case r := <-done:
				return r.reply, r.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
