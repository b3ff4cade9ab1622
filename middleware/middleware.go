// Package middleware wraps rpc listeners in an onion chain. Nothing here is applied by the
// engine itself; a worker opts in per listener or through server.Use.
package middleware

import (
	"tilewire/rpc"
)

type Middleware func(next rpc.Listener) rpc.Listener

// Chain combines middlewares into one. Chain(A, B, C)(l) == A(B(C(l))), so A sees the
// event first and the result last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next rpc.Listener) rpc.Listener {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
