package middleware

import (
	"context"
	"time"
	"tuya-bridge/message"
)

// TimeOutMiddleware fails a call that has not settled within timeout. It is never
// installed by default: without it a call that never settles never returns.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case rpcMessage := <-done:
				return rpcMessage
			case <-ctx.Done():
				return message.Errorf(req, "TIMEOUT", "request timed out after %s", timeout)
			}
		}
	}
}
