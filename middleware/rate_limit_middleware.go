package middleware

import (
	"context"
	"tuya-bridge/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second with
// the given burst. Host-side only; the dispatcher itself applies no backpressure.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.Errorf(req, "RATE_LIMITED", "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
