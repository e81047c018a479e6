// Package server implements the native handler host: the process that owns a
// plugin's native implementations and answers calls for it.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → Request:   go handleRequest → Codec.Decode → Middleware Chain → HandlerFunc → write Response
//	  → Subscribe: go handleSession → StreamFunc → write Event* → write Response
//	  → Cancel:    cancel the session's context
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"tuya-bridge/codec"
	"tuya-bridge/message"
	"tuya-bridge/middleware"
	"tuya-bridge/protocol"
	"tuya-bridge/registry"

	"go.uber.org/zap"
)

// Server hosts the native handlers of one plugin.
type Server struct {
	pluginID string
	handlers map[string]HandlerFunc
	streams  map[string]StreamFunc
	logger   *zap.Logger

	mu            sync.Mutex // guards listener, registry, advertiseAddr
	listener      net.Listener
	wg            sync.WaitGroup
	shutdown      atomic.Bool
	middlewares   []middleware.Middleware
	chainOnce     sync.Once
	handler       middleware.HandlerFunc
	registry      registry.Registry
	advertiseAddr string
	registerTTL   int64

	// sessions is cancelled on Shutdown so live sessions end and in-flight
	// tracking can drain. Single requests are left to finish.
	sessions       context.Context
	cancelSessions context.CancelFunc
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegisterTTL sets the lease TTL in seconds used when registering with a registry.
func WithRegisterTTL(ttl int64) Option {
	return func(s *Server) { s.registerTTL = ttl }
}

// NewServer creates a host for pluginID with no handlers.
func NewServer(pluginID string, opts ...Option) *Server {
	s := &Server{
		pluginID:    pluginID,
		handlers:    make(map[string]HandlerFunc),
		streams:     make(map[string]StreamFunc),
		logger:      zap.NewNop(),
		registerTTL: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions, s.cancelSessions = context.WithCancel(context.Background())
	return s
}

// PluginID returns the plugin this host answers for.
func (svr *Server) PluginID() string {
	return svr.pluginID
}

// Handle registers a single-outcome native method. Must be called before serving.
func (svr *Server) Handle(method string, h HandlerFunc) {
	svr.handlers[method] = h
}

// HandleStream registers a multi-emission native method. Must be called before serving.
func (svr *Server) HandleStream(method string, h StreamFunc) {
	svr.streams[method] = h
}

// Handles reports whether method is registered, as a single-outcome or stream method.
func (svr *Server) Handles(method string) bool {
	_, single := svr.handlers[method]
	_, stream := svr.streams[method]
	return single || stream
}

// Use registers a middleware around single-outcome calls. Middlewares are applied
// in the order they are added. Live sessions do not pass through the chain.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Invoke runs one request through the middleware chain and its handler.
// Transports other than the TCP listener (NATS, in-process) call this directly.
func (svr *Server) Invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	svr.chainOnce.Do(func() {
		// Chain(A, B, C)(handler) → A(B(C(handler)))
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	})
	return svr.handler(ctx, req)
}

// Open runs a live session for req, calling emit for every event, and returns the
// terminal response. It blocks until the stream handler returns or ctx ends.
func (svr *Server) Open(ctx context.Context, req *message.RPCMessage, emit func(*message.RPCMessage)) *message.RPCMessage {
	if req.Plugin != svr.pluginID {
		return message.Errorf(req, "NOT_FOUND", "unknown plugin %q", req.Plugin)
	}
	stream, ok := svr.streams[req.Method]
	if !ok {
		// A single-outcome method may still be subscribed to; its outcome
		// becomes the terminal response.
		if _, single := svr.handlers[req.Method]; single {
			return svr.Invoke(ctx, req)
		}
		return message.Errorf(req, "NOT_FOUND", "unknown method %q", req.Method)
	}
	args, err := req.DecodeArgs()
	if err != nil {
		return message.Errorf(req, "BAD_ARGS", "%v", err)
	}

	start := time.Now()
	log := svr.logger.With(zap.String("plugin", req.Plugin), zap.String("method", req.Method))
	log.Debug("session opened")

	em := &emitter{ctx: ctx, req: req, emit: emit}
	err = svr.runStream(ctx, stream, Args(args), em)
	em.close()

	log.Debug("session closed", zap.Duration("duration", time.Since(start)), zap.Int("events", em.count), zap.Error(err))
	if err != nil {
		return message.Failure(req, failurePayload(err))
	}
	return message.Success(req, nil)
}

func (svr *Server) runStream(ctx context.Context, stream StreamFunc, args Args, em *emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("stream handler panicked", zap.String("method", em.req.Method), zap.Any("panic", r))
			err = fmt.Errorf("stream handler panicked: %v", r)
		}
	}()
	return stream(ctx, args, em)
}

// Serve listens on address and serves until Shutdown.
//
// Parameters:
//   - advertiseAddr: the address to register (e.g., "127.0.0.1:8080"); the listen
//     address ":8080" is not routable from other machines.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener serves on an existing listener. An empty advertiseAddr uses the
// listener's address.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	svr.mu.Lock()
	svr.listener = listener
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.mu.Unlock()

	if reg != nil {
		if err := reg.Register(svr.pluginID, registry.ServiceInstance{
			Addr:   advertiseAddr,
			Weight: 1,
		}, svr.registerTTL); err != nil {
			listener.Close()
			return fmt.Errorf("register %s at %s: %w", svr.pluginID, advertiseAddr, err)
		}
	}
	svr.logger.Info("serving plugin", zap.String("plugin", svr.pluginID), zap.String("addr", advertiseAddr),
		zap.Int("methods", len(svr.handlers)), zap.Int("streams", len(svr.streams)))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listener address once serving.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// connWriter serializes frame writes on one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(h *protocol.Header, body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.Encode(w.conn, h, body)
}

// handleConn reads frames from one connection in a single goroutine and hands
// each request or session to its own goroutine.
func (svr *Server) handleConn(conn net.Conn) {
	w := &connWriter{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	sessions := make(map[uint32]context.CancelFunc)
	var sessionsMu sync.Mutex

	defer func() {
		cancel()
		conn.Close()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest:
			svr.wg.Add(1)
			go svr.handleRequest(ctx, header, body, w)
		case protocol.MsgTypeSubscribe:
			sctx, scancel := context.WithCancel(ctx)
			stop := context.AfterFunc(svr.sessions, scancel)
			sessionsMu.Lock()
			sessions[header.Seq] = scancel
			sessionsMu.Unlock()
			svr.wg.Add(1)
			go func() {
				svr.handleSession(sctx, header, body, w)
				sessionsMu.Lock()
				delete(sessions, header.Seq)
				sessionsMu.Unlock()
				stop()
				scancel()
			}()
		case protocol.MsgTypeCancel:
			sessionsMu.Lock()
			if scancel, ok := sessions[header.Seq]; ok {
				scancel()
			}
			sessionsMu.Unlock()
		default:
			svr.logger.Warn("unexpected frame from client", zap.Stringer("type", header.MsgType))
		}
	}
}

func (svr *Server) decode(header *protocol.Header, body []byte) (codec.Codec, *message.RPCMessage) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := &message.RPCMessage{}
	if err := c.Decode(body, msg); err != nil {
		return c, message.Errorf(nil, "BAD_FRAME", "undecodable request: %v", err)
	}
	return c, msg
}

func (svr *Server) reply(c codec.Codec, w *connWriter, msgType protocol.MsgType, seq uint32, msg *message.RPCMessage) error {
	result, err := c.Encode(msg)
	if err != nil {
		svr.logger.Error("encode reply", zap.String("method", msg.Method), zap.Error(err))
		result, _ = c.Encode(message.Errorf(msg, "INTERNAL", "encode reply: %v", err))
	}
	return w.write(&protocol.Header{
		CodecType: byte(c.Type()),
		MsgType:   msgType,
		Seq:       seq, // same seq as the request; this is how replies find their caller
	}, result)
}

// handleRequest processes one single-outcome request.
func (svr *Server) handleRequest(ctx context.Context, header *protocol.Header, body []byte, w *connWriter) {
	defer svr.wg.Done()

	c, req := svr.decode(header, body)
	resp := req
	if !req.Failed() {
		resp = svr.Invoke(ctx, req)
	}
	if err := svr.reply(c, w, protocol.MsgTypeResponse, header.Seq, resp); err != nil {
		svr.logger.Debug("write response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// handleSession runs one live session, streaming its events back on the connection.
func (svr *Server) handleSession(ctx context.Context, header *protocol.Header, body []byte, w *connWriter) {
	defer svr.wg.Done()

	c, req := svr.decode(header, body)
	if req.Failed() {
		svr.reply(c, w, protocol.MsgTypeResponse, header.Seq, req)
		return
	}

	terminal := svr.Open(ctx, req, func(ev *message.RPCMessage) {
		if err := svr.reply(c, w, protocol.MsgTypeEvent, header.Seq, ev); err != nil {
			svr.logger.Debug("write event", zap.Uint32("seq", header.Seq), zap.Error(err))
		}
	})
	if ctx.Err() != nil {
		// A session the client cancelled has no listener left.
		if !svr.shutdown.Load() {
			return
		}
		terminal = message.Errorf(req, "UNAVAILABLE", "host shutting down")
	}
	svr.reply(c, w, protocol.MsgTypeResponse, header.Seq, terminal)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop routing to this host)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener and end live sessions
//  4. Wait for in-flight requests to finish (with timeout)
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	reg, addr, listener := svr.registry, svr.advertiseAddr, svr.listener
	svr.mu.Unlock()

	if reg != nil {
		if err := reg.Deregister(svr.pluginID, addr); err != nil {
			svr.logger.Warn("deregister", zap.Error(err))
		}
	}

	svr.shutdown.Store(true)
	if listener != nil {
		listener.Close()
	}
	svr.cancelSessions()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// businessHandler dispatches a request to the registered native method.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
	if req.Plugin != svr.pluginID {
		return message.Errorf(req, "NOT_FOUND", "unknown plugin %q", req.Plugin)
	}
	h, ok := svr.handlers[req.Method]
	if !ok {
		if _, stream := svr.streams[req.Method]; stream {
			return message.Errorf(req, "STREAM_ONLY", "method %q must be subscribed to", req.Method)
		}
		return message.Errorf(req, "NOT_FOUND", "unknown method %q", req.Method)
	}

	args, err := req.DecodeArgs()
	if err != nil {
		return message.Errorf(req, "BAD_ARGS", "%v", err)
	}

	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("handler panicked", zap.String("method", req.Method), zap.Any("panic", r))
			resp = message.Errorf(req, "INTERNAL", "handler panicked: %v", r)
		}
	}()

	value, err := h(ctx, Args(args))
	if err != nil {
		return message.Failure(req, failurePayload(err))
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return message.Errorf(req, "INTERNAL", "marshal result: %v", err)
	}
	return message.Success(req, payload)
}

// emitter adapts Emitter onto the host's event writer.
type emitter struct {
	ctx   context.Context
	req   *message.RPCMessage
	emit  func(*message.RPCMessage)
	mu    sync.Mutex
	done  bool
	count int
}

func (e *emitter) send(ev *message.RPCMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return fmt.Errorf("session for %s already closed", e.req.Method)
	}
	if err := e.ctx.Err(); err != nil {
		return err
	}
	e.count++
	e.emit(ev)
	return nil
}

func (e *emitter) close() {
	e.mu.Lock()
	e.done = true
	e.mu.Unlock()
}

func (e *emitter) Success(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.send(message.Success(e.req, b))
}

func (e *emitter) Failure(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.send(message.Failure(e.req, b))
}
