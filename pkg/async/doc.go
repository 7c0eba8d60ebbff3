// Package async runs tollgate's long-lived background tasks.
//
// SafeGo wraps a goroutine with panic recovery and error logging so a
// failing watcher cannot take the server down. Every runs a task on a fixed
// interval, logging failed runs and continuing.
//
//	async.Every(ctx, logger, time.Minute, "audit error drain", func(ctx context.Context) error {
//	    return drain(ctx)
//	})
package async
