package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"tilewire/rpc"
)

// ErrRateLimited is returned when the token bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects invocations beyond r per second with the given burst,
// using a token bucket shared by every invocation of the wrapped listener.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next rpc.Listener) rpc.Listener {
		return func(ctx context.Context, args *rpc.Args) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, args)
		}
	}
}
