package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"tuya-bridge/codec"
	"tuya-bridge/dispatch"
	"tuya-bridge/message"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Dispatcher implements dispatch.Dispatcher over a NATS connection.
type Dispatcher struct {
	nc     *nats.Conn
	prefix string
	codec  codec.Codec
	logger *zap.Logger
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)

type Option func(*options)

type options struct {
	prefix string
	codec  codec.CodecType
	logger *zap.Logger
}

// WithPrefix sets the first subject token. Host and dispatcher must agree.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{prefix: DefaultPrefix, codec: codec.CodecTypeJSON, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewDispatcher(nc *nats.Conn, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	return &Dispatcher{nc: nc, prefix: o.prefix, codec: codec.GetCodec(o.codec), logger: o.logger}
}

// Dispatch publishes call and waits on a private inbox for the host's response.
// It waits until ctx ends; there is no timeout of its own.
func (d *Dispatcher) Dispatch(ctx context.Context, call message.Call) (json.RawMessage, error) {
	if d.nc.IsClosed() {
		return nil, ErrClosed
	}
	req, err := message.NewRequest(call)
	if err != nil {
		return nil, err
	}
	body, err := encode(d.codec, req)
	if err != nil {
		return nil, err
	}

	inbox := d.nc.NewInbox()
	replies := make(chan *nats.Msg, 1)
	sub, err := d.nc.ChanSubscribe(inbox, replies)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := d.nc.PublishRequest(subject(d.prefix, call.Plugin, call.Method), inbox, body); err != nil {
		return nil, fmt.Errorf("publish %s: %w", call, err)
	}

	select {
	case msg := <-replies:
		if noResponders(msg) {
			return nil, fmt.Errorf("%s: %w", call, nats.ErrNoResponders)
		}
		resp, err := decode(d.codec, msg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode response to %s: %w", call, err)
		}
		return dispatch.Outcome(resp)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe opens a live session. Events arrive on the session's inbox in
// publish order; closing the subscription notifies the host on {inbox}.cancel.
func (d *Dispatcher) Subscribe(ctx context.Context, call message.Call, onSuccess dispatch.SuccessFunc, onError dispatch.ErrorFunc) dispatch.Subscription {
	session := dispatch.NewSession(onSuccess, onError)
	log := d.logger.With(zap.String("plugin", call.Plugin), zap.String("method", call.Method), zap.String("subscription", session.ID()))
	if d.nc.IsClosed() {
		session.Fail(ErrClosed)
		return session
	}

	req, err := message.NewRequest(call)
	if err != nil {
		session.Fail(err)
		return session
	}
	body, err := encode(d.codec, req)
	if err != nil {
		session.Fail(err)
		return session
	}

	inbox := d.nc.NewInbox()
	var sub *nats.Subscription
	// nats delivers messages of one subscription sequentially, which keeps events ordered.
	sub, err = d.nc.Subscribe(inbox, func(msg *nats.Msg) {
		if noResponders(msg) {
			session.Fail(fmt.Errorf("%s: %w", call, nats.ErrNoResponders))
			sub.Unsubscribe()
			return
		}
		ev, err := decode(d.codec, msg.Data)
		if err != nil {
			log.Warn("dropping undecodable event", zap.Error(err))
			return
		}
		if msg.Header.Get(headerFrame) == frameResponse {
			if !ev.Empty() {
				session.Emit(ev)
			}
			log.Debug("session ended")
			sub.Unsubscribe()
			return
		}
		session.Emit(ev)
	})
	if err != nil {
		session.Fail(fmt.Errorf("subscribe inbox: %w", err))
		return session
	}

	out := &nats.Msg{
		Subject: subject(d.prefix, call.Plugin, call.Method),
		Reply:   inbox,
		Data:    body,
		Header:  nats.Header{headerMode: []string{modeSubscribe}},
	}
	if err := d.nc.PublishMsg(out); err != nil {
		sub.Unsubscribe()
		session.Fail(fmt.Errorf("publish %s: %w", call, err))
		return session
	}
	log.Debug("session opened")

	stopWatch := context.AfterFunc(ctx, func() { session.Close() })
	session.SetStop(func() error {
		stopWatch()
		if !sub.IsValid() {
			return nil
		}
		sub.Unsubscribe()
		return d.nc.Publish(cancelSubject(inbox), nil)
	})
	return session
}
