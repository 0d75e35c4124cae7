// Package middleware provides HTTP middleware for the gateway.
//
// Available middleware:
//   - RateLimiter: per-client rate limiting using a token bucket
//   - Logging: structured request logging
//   - Recovery: panic capture returning a JSON 500
//   - CORS: configurable cross-origin headers
//
// Usage:
//
//	handler := middleware.Chain(mux,
//		middleware.Recovery(log),
//		middleware.Logging(log),
//	)
package middleware
