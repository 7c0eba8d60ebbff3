// Package httputil holds the JSON request and response helpers shared by the
// API handlers, plus the logging and recovery middleware.
//
// Domain errors from pkg/errs are written with WriteDomainError, which picks
// the status code and hides internal detail:
//
//	if err != nil {
//		httputil.WriteDomainError(w, err)
//		return
//	}
package httputil
