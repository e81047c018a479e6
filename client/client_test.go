package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
	"tuya-bridge/codec"
	"tuya-bridge/dispatch"
	"tuya-bridge/loadbalance"
	"tuya-bridge/message"
	"tuya-bridge/middleware"
	"tuya-bridge/registry"
	"tuya-bridge/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const plugin = "Tuyacordovaplugin"

// startHost serves a small handler table and returns its address.
func startHost(t *testing.T, name string, extra ...func(*server.Server)) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer(plugin)
	svr.Handle("home_listDevices", func(ctx context.Context, args server.Args) (any, error) {
		homeID, err := args.String(0)
		if err != nil {
			return nil, err
		}
		return map[string]string{"homeId": homeID, "host": name}, nil
	})
	svr.Handle("user_register", func(ctx context.Context, args server.Args) (any, error) {
		return nil, server.Fail(map[string]any{"code": "ILLEGAL_OTP", "attempts": 3})
	})
	svr.Handle("hang", func(ctx context.Context, args server.Args) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svr.HandleStream("ipc_startCameraLivePlay", func(ctx context.Context, args server.Args, emit server.Emitter) error {
		devID, err := args.String(0)
		if err != nil {
			return err
		}
		emit.Success(map[string]string{"devId": devID, "state": "connecting"})
		emit.Success(map[string]string{"devId": devID, "state": "connected"})
		if devID == "offline" {
			return server.Fail("device offline")
		}
		<-ctx.Done()
		return nil
	})
	for _, fn := range extra {
		fn(svr)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l, "", nil)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, l.Addr().String()
}

func newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	_, addr := startHost(t, "a")
	c := NewClient(registry.NewStaticRegistryWith(plugin, addr), nil, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientDispatch(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		c := newClient(t, WithCodec(ct), WithPoolSize(2))

		v, err := c.Dispatch(context.Background(), message.Call{Plugin: plugin, Method: "home_listDevices", Args: []any{"42"}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"homeId":"42","host":"a"}`, string(v))
	}
}

func TestClientDispatchNativeFailureVerbatim(t *testing.T) {
	c := newClient(t)

	_, err := c.Dispatch(context.Background(), message.Call{Plugin: plugin, Method: "user_register", Args: []any{"86", "a@b.c", "pw", "0000"}})
	ne, ok := dispatch.IsNative(err)
	require.True(t, ok, "got %v", err)
	assert.JSONEq(t, `{"code":"ILLEGAL_OTP","attempts":3}`, string(ne.Payload))
}

func TestClientDispatchNoHost(t *testing.T) {
	c := NewClient(registry.NewStaticRegistry(), nil)
	defer c.Close()

	_, err := c.Dispatch(context.Background(), message.Call{Plugin: plugin, Method: "home_listHomes"})
	assert.ErrorIs(t, err, registry.ErrNoInstances)
	_, native := dispatch.IsNative(err)
	assert.False(t, native)
}

func TestClientDispatchWaitsForContext(t *testing.T) {
	c := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Dispatch(ctx, message.Call{Plugin: plugin, Method: "hang"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The connection stays usable.
	_, err = c.Dispatch(context.Background(), message.Call{Plugin: plugin, Method: "home_listDevices", Args: []any{"1"}})
	assert.NoError(t, err)
}

func TestClientConcurrentDispatch(t *testing.T) {
	c := newClient(t, WithPoolSize(3))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(homeID string) {
			defer wg.Done()
			v, err := c.Dispatch(context.Background(), message.Call{Plugin: plugin, Method: "home_listDevices", Args: []any{homeID}})
			if !assert.NoError(t, err) {
				return
			}
			var got map[string]string
			if assert.NoError(t, json.Unmarshal(v, &got)) {
				assert.Equal(t, homeID, got["homeId"])
			}
		}(fmt.Sprintf("home-%d", i))
	}
	wg.Wait()
}

func TestClientAffinityKeyFormatting(t *testing.T) {
	assert.Equal(t, "", affinityKey(message.Call{}))
	assert.Equal(t, "dev1", affinityKey(message.Call{Args: []any{"dev1", "x"}}))
	assert.Equal(t, "42", affinityKey(message.Call{Args: []any{42}}))
}

func TestClientMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := newClient(t)
	c.Use(middleware.LoggingMiddleware(zap.New(core)))

	_, err := c.Dispatch(context.Background(), message.Call{Plugin: plugin, Method: "home_listDevices", Args: []any{"1"}})
	require.NoError(t, err)
	_, err = c.Dispatch(context.Background(), message.Call{Plugin: plugin, Method: "user_register"})
	require.Error(t, err)

	assert.Equal(t, 1, logs.FilterMessage("call").Len())
	assert.Equal(t, 1, logs.FilterMessage("call failed").Len())
}

type recorder struct {
	mu       sync.Mutex
	payloads []string
	errs     []error
	changed  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 16)}
}

func (r *recorder) onSuccess(p json.RawMessage) {
	r.mu.Lock()
	r.payloads = append(r.payloads, string(p))
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.changed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d emissions", i, n)
		}
	}
}

func TestClientSubscribe(t *testing.T) {
	c := newClient(t)
	rec := newRecorder()

	sub := c.Subscribe(context.Background(), message.Call{Plugin: plugin, Method: "ipc_startCameraLivePlay", Args: []any{"offline"}}, rec.onSuccess, rec.onError)
	require.NotEmpty(t, sub.ID())
	rec.wait(t, 3)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{`{"devId":"offline","state":"connecting"}`, `{"devId":"offline","state":"connected"}`}, rec.payloads)
	require.Len(t, rec.errs, 1)
	ne, ok := dispatch.IsNative(rec.errs[0])
	require.True(t, ok)
	assert.Equal(t, `"device offline"`, string(ne.Payload))
	assert.NoError(t, sub.Close())
}

func TestClientSubscribeClose(t *testing.T) {
	stopped := make(chan struct{})
	_, addr := startHost(t, "a", func(svr *server.Server) {
		svr.HandleStream("watch", func(ctx context.Context, args server.Args, emit server.Emitter) error {
			emit.Success("ready")
			<-ctx.Done()
			close(stopped)
			return nil
		})
	})
	c := NewClient(registry.NewStaticRegistryWith(plugin, addr), nil)
	defer c.Close()

	rec := newRecorder()
	sub := c.Subscribe(context.Background(), message.Call{Plugin: plugin, Method: "watch"}, rec.onSuccess, rec.onError)
	rec.wait(t, 1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("host session was not cancelled")
	}
}

func TestClientSubscribeHostShutdown(t *testing.T) {
	svr, addr := startHost(t, "a")
	c := NewClient(registry.NewStaticRegistryWith(plugin, addr), nil)
	defer c.Close()

	rec := newRecorder()
	c.Subscribe(context.Background(), message.Call{Plugin: plugin, Method: "ipc_startCameraLivePlay", Args: []any{"dev1"}}, rec.onSuccess, rec.onError)
	rec.wait(t, 2)

	require.NoError(t, svr.Shutdown(time.Second))
	rec.wait(t, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	ne, ok := dispatch.IsNative(rec.errs[0])
	require.True(t, ok)
	assert.Contains(t, string(ne.Payload), "UNAVAILABLE")
}

func TestClientSubscribeNoHost(t *testing.T) {
	c := NewClient(registry.NewStaticRegistry(), nil)
	defer c.Close()

	rec := newRecorder()
	sub := c.Subscribe(context.Background(), message.Call{Plugin: plugin, Method: "ipc_startCameraLivePlay", Args: []any{"dev1"}}, rec.onSuccess, rec.onError)
	require.NotNil(t, sub)
	rec.wait(t, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.True(t, errors.Is(rec.errs[0], registry.ErrNoInstances))
}

func TestClientAffinity(t *testing.T) {
	_, addrA := startHost(t, "a")
	_, addrB := startHost(t, "b")
	c := NewClient(registry.NewStaticRegistryWith(plugin, addrA, addrB), loadbalance.NewConsistentHashBalancer())
	defer c.Close()

	host := func(homeID string) string {
		v, err := c.Dispatch(context.Background(), message.Call{Plugin: plugin, Method: "home_listDevices", Args: []any{homeID}})
		require.NoError(t, err)
		var got map[string]string
		require.NoError(t, json.Unmarshal(v, &got))
		return got["host"]
	}

	first := host("home-7")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, host("home-7"))
	}
}
