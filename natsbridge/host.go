package natsbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"tuya-bridge/codec"
	"tuya-bridge/message"
	"tuya-bridge/server"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// QueueGroup is the queue every host joins, so a request reaches one host.
const QueueGroup = "tuya-host"

// Host answers calls arriving over NATS with a server.Server's handlers.
type Host struct {
	nc     *nats.Conn
	srv    *server.Server
	prefix string
	codec  codec.Codec
	logger *zap.Logger

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Serve subscribes srv's plugin subjects on nc and returns once subscribed.
func Serve(nc *nats.Conn, srv *server.Server, opts ...Option) (*Host, error) {
	o := buildOptions(opts)
	h := &Host{
		nc:     nc,
		srv:    srv,
		prefix: o.prefix,
		codec:  codec.GetCodec(o.codec),
		logger: o.logger.With(zap.String("plugin", srv.PluginID())),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	sub, err := nc.QueueSubscribe(subject(h.prefix, srv.PluginID(), ">"), QueueGroup, h.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", srv.PluginID(), err)
	}
	h.sub = sub
	h.logger.Info("serving plugin over nats", zap.String("subject", sub.Subject))
	return h, nil
}

func (h *Host) handle(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	method, ok := methodFromSubject(h.prefix, h.srv.PluginID(), msg.Subject)
	if !ok {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		req, err := decode(h.codec, msg.Data)
		if err != nil {
			h.respond(msg.Reply, frameResponse, message.Errorf(nil, "BAD_FRAME", "undecodable request: %v", err))
			return
		}
		req.Plugin, req.Method = h.srv.PluginID(), method

		if msg.Header.Get(headerMode) == modeSubscribe {
			h.session(msg.Reply, req)
			return
		}
		h.respond(msg.Reply, frameResponse, h.srv.Invoke(context.Background(), req))
	}()
}

func (h *Host) session(inbox string, req *message.RPCMessage) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	cancelSub, err := h.nc.Subscribe(cancelSubject(inbox), func(*nats.Msg) { cancel() })
	if err != nil {
		h.respond(inbox, frameResponse, message.Errorf(req, "UNAVAILABLE", "subscribe cancel: %v", err))
		return
	}
	defer cancelSub.Unsubscribe()

	terminal := h.srv.Open(ctx, req, func(ev *message.RPCMessage) {
		h.respond(inbox, frameEvent, ev)
	})
	if ctx.Err() != nil {
		if h.ctx.Err() == nil {
			// Closed by the client.
			return
		}
		terminal = message.Errorf(req, "UNAVAILABLE", "host shutting down")
	}
	h.respond(inbox, frameResponse, terminal)
}

func (h *Host) respond(inbox, frame string, m *message.RPCMessage) {
	body, err := encode(h.codec, m)
	if err != nil {
		h.logger.Error("encode reply", zap.String("method", m.Method), zap.Error(err))
		return
	}
	out := &nats.Msg{Subject: inbox, Data: body, Header: nats.Header{headerFrame: []string{frame}}}
	if err := h.nc.PublishMsg(out); err != nil {
		h.logger.Debug("publish reply", zap.String("method", m.Method), zap.Error(err))
	}
}

// Shutdown stops taking requests, ends live sessions and waits up to timeout
// for in-flight calls. Single calls already running are left to finish.
func (h *Host) Shutdown(timeout time.Duration) error {
	if err := h.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		h.logger.Warn("unsubscribe", zap.Error(err))
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for nats calls to finish")
	}
}
