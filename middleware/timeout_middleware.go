package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"tilewire/rpc"
)

// ErrTimeout is returned when the wrapped listener does not finish in time.
var ErrTimeout = errors.New("listener timed out")

// TimeOutMiddleware bounds a listener's run time. The listener's context is cancelled at
// the deadline; a listener that ignores it keeps running but its result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next rpc.Listener) rpc.Listener {
		return func(ctx context.Context, args *rpc.Args) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				val any
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				val, err := next(ctx, args)
				done <- outcome{val, err}
			}()

			select {
			case out := <-done:
				return out.val, out.err
			case <-ctx.Done():
				return nil, errors.Wrapf(ErrTimeout, "after %s", timeout)
			}
		}
	}
}
