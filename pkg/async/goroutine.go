package async

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// SafeGo runs fn in a goroutine with panic recovery. Errors other than
// context cancellation are logged. The returned channel closes when fn
// returns.
//
//	async.SafeGo(ctx, logger, "team mapping watcher", func(ctx context.Context) error {
//	    return teams.Watch(ctx, path, logger)
//	})
func SafeGo(ctx context.Context, logger *observability.Logger, taskName string, fn func(context.Context) error) <-chan struct{} {
	logger = logger.OrDefault()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()
	return done
}

// Every runs fn on each tick of interval until ctx is done. A panic or error
// in one run is logged and does not stop later runs.
func Every(ctx context.Context, logger *observability.Logger, interval time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	logger = logger.OrDefault()
	return SafeGo(ctx, logger, taskName, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				runOnce(ctx, logger, taskName, fn)
			}
		}
	})
}

func runOnce(ctx context.Context, logger *observability.Logger, taskName string, fn func(context.Context) error) {
	defer observability.RecoverPanic(logger, taskName)
	if err := fn(ctx); err != nil {
		logger.WithError(err).WithField("task", taskName).Warn("Periodic task run failed")
	}
}
