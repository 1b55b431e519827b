// Package webhooks receives ArcGIS user lifecycle events and processes them
// with at-least-once delivery.
//
// Incoming events are pushed onto a Redis list. A Dispatcher moves each one
// to a processing list, runs it on a worker pool and acknowledges it when
// done. Failures are retried with exponential backoff through a delayed set.
// A digest of every processed event is kept for seven days so redeliveries
// are acknowledged without running again.
//
// Receivers verify the optional body signature:
//
//	if !webhooks.VerifySignature(body, r.Header.Get(webhooks.SignatureHeader), secret) {
//		http.Error(w, "invalid signature", http.StatusUnauthorized)
//		return
//	}
package webhooks
