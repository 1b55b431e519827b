// Package httputil provides response helpers and the middleware chain
// shared by every relay route.
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
//
// User-facing errors are short plain-text bodies; details go to the log.
package httputil
