package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tilewire/rpc"
)

// LoggingMiddleware logs each invocation of the wrapped listener with its duration.
func LoggingMiddleware(event string, log *logrus.Entry) Middleware {
	if log == nil {
		log = logrus.WithField("component", "middleware")
	}
	return func(next rpc.Listener) rpc.Listener {
		return func(ctx context.Context, args *rpc.Args) (any, error) {
			start := time.Now()
			result, err := next(ctx, args)
			entry := log.WithFields(logrus.Fields{
				"event":    event,
				"args":     args.Len(),
				"duration": time.Since(start),
			})
			if err != nil {
				entry.WithError(err).Warn("Listener failed")
			} else {
				entry.Debug("Listener done")
			}
			return result, err
		}
	}
}
