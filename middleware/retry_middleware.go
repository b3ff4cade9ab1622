package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tilewire/rpc"
)

type temporary interface {
	Temporary() bool
}

// Retryable reports whether err is worth another attempt: timeouts and errors that
// declare themselves temporary.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}

// RetryMiddleware re-runs a listener up to maxRetries times on retryable errors with
// exponential backoff starting at baseDelay. Cancellation of the listener context stops
// the retries.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next rpc.Listener) rpc.Listener {
		return func(ctx context.Context, args *rpc.Args) (any, error) {
			result, err := next(ctx, args)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !Retryable(err) {
					return result, err
				}
				logrus.WithError(err).Warnf("Retry attempt %d", i+1)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, err
				}
				result, err = next(ctx, args)
			}
			return result, err
		}
	}
}
