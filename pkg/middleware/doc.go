// Package middleware provides the relay's request guards.
//
// RateLimit counts requests per client IP in Redis through a
// DistributedRateLimiter, so all relay instances share one window. It fails
// open when Redis is unavailable.
//
//	limiter := middleware.NewDistributedRateLimiter(client, nil, "ratelimit:callback")
//	router.Handle("/callback", middleware.RateLimit(limiter, logger)(handler))
//
// RequireToken protects internal endpoints with a static bearer token.
package middleware
