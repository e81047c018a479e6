package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
	"tuya-bridge/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func echoHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return message.Success(req, []byte(`"ok"`))
}

func failingHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return message.Failure(req, []byte(`"USER_NOT_EXIST"`))
}

func slowHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	time.Sleep(200 * time.Millisecond)
	return message.Success(req, []byte(`"ok"`))
}

func newReq() *message.RPCMessage {
	return &message.RPCMessage{Plugin: "Tuyacordovaplugin", Method: "home_listHomes", Args: []byte("[]")}
}

func failureCode(t *testing.T, m *message.RPCMessage) string {
	t.Helper()
	require.True(t, m.Failed())
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(m.Failure, &body))
	return body.Code
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	resp := LoggingMiddleware(logger)(echoHandler)(context.Background(), newReq())
	assert.Equal(t, `"ok"`, string(resp.Payload))

	resp = LoggingMiddleware(logger)(failingHandler)(context.Background(), newReq())
	assert.True(t, resp.Failed())

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "call", entries[0].Message)
	assert.Equal(t, "home_listHomes", entries[0].ContextMap()["method"])
	assert.Equal(t, "call failed", entries[1].Message)
	assert.Equal(t, `"USER_NOT_EXIST"`, entries[1].ContextMap()["failure"])
}

func TestLoggingNilLogger(t *testing.T) {
	resp := LoggingMiddleware(nil)(echoHandler)(context.Background(), newReq())
	assert.False(t, resp.Failed())
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), newReq())
	assert.False(t, resp.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), newReq())
	assert.Equal(t, "TIMEOUT", failureCode(t, resp))
	assert.Equal(t, "home_listHomes", resp.Method)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newReq())
		require.False(t, resp.Failed(), "request %d should pass", i)
	}

	resp := handler(context.Background(), newReq())
	assert.Equal(t, "RATE_LIMITED", failureCode(t, resp))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "tuya_bridge")

	MetricsMiddleware(m, nil)(echoHandler)(context.Background(), newReq())
	MetricsMiddleware(m, nil)(echoHandler)(context.Background(), newReq())
	MetricsMiddleware(m, nil)(failingHandler)(context.Background(), newReq())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Calls.WithLabelValues("home_listHomes", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("home_listHomes", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))
}

func TestMetricsFoldsUnknownMethods(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "tuya_bridge")
	known := func(method string) bool { return method == "home_listHomes" }
	handler := MetricsMiddleware(m, known)(echoHandler)

	handler(context.Background(), newReq())
	for i := 0; i < 3; i++ {
		req := newReq()
		req.Method = fmt.Sprintf("made_up_%d", i)
		handler(context.Background(), req)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("home_listHomes", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Calls.WithLabelValues(UnknownMethod, "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Calls))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), newReq())

	require.NotNil(t, resp)
	assert.False(t, resp.Failed())
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
