// Package middleware wraps the Stream Manager's per-type frame handlers.
package middleware

import (
	"context"
	"errors"

	"stmgr-link/protocol"
)

var (
	ErrTimeout     = errors.New("middleware: handler timed out")
	ErrRateLimited = errors.New("middleware: rate limit exceeded")
)

// HandlerFunc handles one request frame. A nil reply means nothing is sent back.
type HandlerFunc func(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost:
// Chain(A, B)(h) runs A → B → h → B → A.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
