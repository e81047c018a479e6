// Package client implements dispatch.Dispatcher over the framed TCP protocol.
//
//	Dispatch/Subscribe
//	  → registry.Discover(plugin) → balancer.Pick(first arg, instances)
//	  → pool.Get(addr) → ClientTransport.Send / Stream
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"tuya-bridge/codec"
	"tuya-bridge/dispatch"
	"tuya-bridge/loadbalance"
	"tuya-bridge/message"
	"tuya-bridge/middleware"
	"tuya-bridge/registry"
	"tuya-bridge/transport"

	"go.uber.org/zap"
)

// Client reaches native handler hosts found through a registry.
type Client struct {
	registry    registry.Registry // find host instances for a plugin
	balancer    loadbalance.Balancer
	pool        *transport.Pool // transports for each host address
	logger      *zap.Logger
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

var _ dispatch.Dispatcher = (*Client)(nil)

type Option func(*options)

type options struct {
	codecType codec.CodecType
	poolSize  int
	dial      transport.DialFunc
	logger    *zap.Logger
}

// WithCodec selects the body codec for outgoing frames.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codecType = t }
}

// WithPoolSize sets how many connections are kept per host.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial transport.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// NewClient creates a client. A nil balancer means round robin.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	o := options{codecType: codec.CodecTypeJSON, poolSize: 1, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	c := &Client{
		registry: reg,
		balancer: bal,
		pool:     transport.NewPool(o.poolSize, o.codecType, o.dial, o.logger),
		logger:   o.logger,
	}
	c.handler = c.roundTrip
	return c
}

// Use wraps every single-outcome round trip in mw. Middlewares are applied in
// the order they are added and must be installed before the first call.
func (c *Client) Use(mw middleware.Middleware) {
	c.middlewares = append(c.middlewares, mw)
	c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
}

// Close drops every pooled connection. Open subscriptions end with transport.ErrClosed.
func (c *Client) Close() error {
	return c.pool.Close()
}

// affinityKey is the first positional argument: a device or home id for every
// method that has one.
func affinityKey(call message.Call) string {
	if len(call.Args) == 0 {
		return ""
	}
	if s, ok := call.Args[0].(string); ok {
		return s
	}
	return fmt.Sprint(call.Args[0])
}

// transportFor picks a host for call and returns a live transport to it.
func (c *Client) transportFor(ctx context.Context, call message.Call) (*transport.ClientTransport, error) {
	instances, err := c.registry.Discover(call.Plugin)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", call.Plugin, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("discover %s: %w", call.Plugin, registry.ErrNoInstances)
	}

	instance, err := c.balancer.Pick(affinityKey(call), instances)
	if err != nil {
		return nil, err
	}
	return c.pool.Get(ctx, instance.Addr)
}

// roundTripState travels with one Dispatch through the middleware chain.
type roundTripState struct {
	transport *transport.ClientTransport
	err       error // transport failure, as opposed to a native one
}

type stateKey struct{}

// Dispatch sends call to a host and waits for its single outcome. A native
// failure comes back as *dispatch.NativeError; anything that kept the call from
// settling (no host, dial, connection loss, ctx) is returned as is.
func (c *Client) Dispatch(ctx context.Context, call message.Call) (json.RawMessage, error) {
	t, err := c.transportFor(ctx, call)
	if err != nil {
		return nil, err
	}

	req, err := message.NewRequest(call)
	if err != nil {
		return nil, err
	}

	state := &roundTripState{transport: t}
	resp := c.handler(context.WithValue(ctx, stateKey{}, state), req)
	if state.err != nil {
		return nil, state.err
	}
	return dispatch.Outcome(resp)
}

// roundTrip is the innermost handler of the client chain. Transport failures
// are recorded on the state and surface to middlewares as UNAVAILABLE.
func (c *Client) roundTrip(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	state := ctx.Value(stateKey{}).(*roundTripState)

	seq, ch, err := state.transport.Send(req)
	if err != nil {
		state.err = fmt.Errorf("send %s.%s: %w", req.Plugin, req.Method, err)
		return message.Errorf(req, "UNAVAILABLE", "%v", err)
	}

	select {
	case reply := <-ch:
		if reply.Err != nil {
			state.err = fmt.Errorf("%s.%s: %w", req.Plugin, req.Method, reply.Err)
			return message.Errorf(req, "UNAVAILABLE", "%v", reply.Err)
		}
		return reply.Msg
	case <-ctx.Done():
		state.transport.Forget(seq)
		state.err = ctx.Err()
		return message.Errorf(req, "CANCELLED", "%v", ctx.Err())
	}
}

// Subscribe opens a live session on a host. Events are delivered in arrival
// order on a goroutine owned by the session. Cancelling ctx closes the session.
func (c *Client) Subscribe(ctx context.Context, call message.Call, onSuccess dispatch.SuccessFunc, onError dispatch.ErrorFunc) dispatch.Subscription {
	session := dispatch.NewSession(onSuccess, onError)
	log := c.logger.With(zap.String("plugin", call.Plugin), zap.String("method", call.Method), zap.String("subscription", session.ID()))

	t, err := c.transportFor(ctx, call)
	if err != nil {
		session.Fail(err)
		return session
	}
	req, err := message.NewRequest(call)
	if err != nil {
		session.Fail(err)
		return session
	}

	ended := make(chan struct{})
	seq, err := t.Stream(req, session.Emit, func(err error) {
		close(ended)
		if err != nil {
			log.Debug("session lost", zap.Error(err))
			session.Fail(err)
			return
		}
		log.Debug("session ended")
	})
	if err != nil {
		// onEnd already reported err.
		return session
	}
	log.Debug("session opened", zap.Uint32("seq", seq))

	stopWatch := context.AfterFunc(ctx, func() { session.Close() })
	session.SetStop(func() error {
		stopWatch()
		return t.Cancel(seq)
	})
	go func() {
		<-ended
		stopWatch()
	}()
	return session
}
