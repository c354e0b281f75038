package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"stmgr-link/protocol"
)

// RateLimitMiddleware admits r frames per second with the given burst, token
// bucket style. Frames over the limit fail with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
