package middleware

import (
	"context"
	"time"
	"tuya-bridge/message"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors fed by MetricsMiddleware.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors under namespace and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Native calls handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time until a native call settled.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.Duration)
	}
	return m
}

// UnknownMethod is the method label for calls to methods known reports false for.
const UnknownMethod = "unknown"

// MetricsMiddleware records every call under its method name. Methods for which
// known returns false share the UnknownMethod label; a nil known accepts all.
func MetricsMiddleware(m *Metrics, known func(method string) bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			rpcMessage := next(ctx, req)
			outcome := "success"
			if rpcMessage.Failed() {
				outcome = "failure"
			}
			method := req.Method
			if known != nil && !known(method) {
				method = UnknownMethod
			}
			m.Calls.WithLabelValues(method, outcome).Inc()
			m.Duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			return rpcMessage
		}
	}
}
