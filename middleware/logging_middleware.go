package middleware

import (
	"context"
	"time"
	"tuya-bridge/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			rpcMessage := next(ctx, req)
			fields := []zap.Field{
				zap.String("plugin", req.Plugin),
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if rpcMessage.Failed() {
				logger.Info("call failed", append(fields, zap.ByteString("failure", rpcMessage.Failure))...)
				return rpcMessage
			}
			logger.Debug("call", fields...)
			return rpcMessage
		}
	}
}
