// Package transport implements the client side of the host protocol with
// multiplexing and heartbeat.
//
// ClientTransport carries many concurrent calls and live sessions over a single
// connection. Each call or session gets a unique sequence ID, and a background
// goroutine (recvLoop) reads frames and routes them by seq.
//
//	goroutine-1 ──Send(seq=1)─────┐
//	goroutine-2 ──Stream(seq=2)───┼──→ single conn ──→ Host
//	goroutine-3 ──Send(seq=3)─────┘
//
//	recvLoop:  ←── event(seq=2)    → stream 2 mailbox → callbacks, in order
//	           ←── response(seq=3) → pending[3] chan  → goroutine-3 wakes up
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"tuya-bridge/codec"
	"tuya-bridge/message"
	"tuya-bridge/protocol"

	"go.uber.org/zap"
)

// ErrClosed is returned for calls on a closed transport.
var ErrClosed = errors.New("transport closed")

// HeartbeatInterval is how often an idle connection is probed.
var HeartbeatInterval = 30 * time.Second

// Reply is the outcome of a single call as seen by the transport: either the
// host's response envelope or a transport error.
type Reply struct {
	Msg *message.RPCMessage
	Err error
}

type pendingCall struct {
	reply  chan Reply // single call
	stream *stream    // live session
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.Codec
	seq     uint32   // protected by sending
	pending sync.Map // map[uint32]*pendingCall
	sending sync.Mutex
	logger  *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, logger *zap.Logger) *ClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &ClientTransport{
		conn:   conn,
		codec:  codec.GetCodec(codecType),
		logger: logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
	go transport.recvLoop()
	go transport.heartbeatLoop(HeartbeatInterval)
	return transport
}

// write encodes req and sends it as one frame, registering p under a fresh seq
// before the frame leaves so recvLoop can never see a reply it cannot route.
func (t *ClientTransport) write(msgType protocol.MsgType, req *message.RPCMessage, p *pendingCall) (uint32, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	body, err := t.codec.Encode(req)
	if err != nil {
		return 0, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	t.pending.Store(seq, p)
	if t.closed.Load() {
		t.pending.Delete(seq)
		return 0, ErrClosed
	}

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   msgType,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return 0, err
	}
	return seq, nil
}

// Send writes a request and returns its seq and a channel receiving exactly one Reply.
func (t *ClientTransport) Send(req *message.RPCMessage) (uint32, <-chan Reply, error) {
	// Buffered so recvLoop never blocks on a caller that gave up.
	p := &pendingCall{reply: make(chan Reply, 1)}
	seq, err := t.write(protocol.MsgTypeRequest, req, p)
	if err != nil {
		return 0, nil, err
	}
	return seq, p.reply, nil
}

// Forget drops interest in the reply for seq. The host is not told.
func (t *ClientTransport) Forget(seq uint32) {
	t.pending.Delete(seq)
}

// Stream opens a live session. onEvent receives every emission in arrival order,
// including a terminal response that carries a value or a failure. onEnd runs
// once when the session ends: with nil after the host's terminal response or
// Cancel, or with the connection error. Callbacks run on a per-session
// goroutine, never on recvLoop.
func (t *ClientTransport) Stream(req *message.RPCMessage, onEvent func(*message.RPCMessage), onEnd func(error)) (uint32, error) {
	s := newStream(onEvent, onEnd)
	seq, err := t.write(protocol.MsgTypeSubscribe, req, &pendingCall{stream: s})
	if err != nil {
		s.finish(err)
		return 0, err
	}
	return seq, nil
}

// Cancel ends the session for seq: no further events are delivered and the host
// is asked to stop the native side.
func (t *ClientTransport) Cancel(seq uint32) error {
	v, ok := t.pending.LoadAndDelete(seq)
	if !ok {
		return nil
	}
	if p := v.(*pendingCall); p.stream != nil {
		p.stream.finish(nil)
	}
	if t.closed.Load() {
		return nil
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	return protocol.Encode(t.conn, &protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeCancel,
		Seq:       seq,
	}, nil)
}

// recvLoop is the single reader of the connection; frames must be parsed in order.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		msg := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
			t.logger.Warn("dropping undecodable frame", zap.Uint32("seq", header.Seq), zap.Error(err))
			// The caller still has to settle.
			msg = message.Errorf(nil, "BAD_FRAME", "undecodable %s frame: %v", header.MsgType, err)
		}

		switch header.MsgType {
		case protocol.MsgTypeEvent:
			if v, ok := t.pending.Load(header.Seq); ok {
				if s := v.(*pendingCall).stream; s != nil {
					s.push(msg)
				}
			}
		case protocol.MsgTypeResponse:
			v, ok := t.pending.LoadAndDelete(header.Seq)
			if !ok {
				continue
			}
			p := v.(*pendingCall)
			if p.stream != nil {
				if !msg.Empty() {
					p.stream.push(msg)
				}
				p.stream.finish(nil)
				continue
			}
			p.reply <- Reply{Msg: msg}
		default:
			t.logger.Warn("unexpected frame from host", zap.Stringer("type", header.MsgType), zap.Uint32("seq", header.Seq))
		}
	}
}

// fail closes the transport and settles every pending call and session with err.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		t.conn.Close()
		if !errors.Is(err, net.ErrClosed) {
			t.logger.Debug("transport closed", zap.Error(err))
		}
	})
	if errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	}
	t.pending.Range(func(key, _ any) bool {
		// recvLoop may settle the same entry concurrently; whoever deletes it owns it.
		value, ok := t.pending.LoadAndDelete(key)
		if !ok {
			return true
		}
		p := value.(*pendingCall)
		if p.stream != nil {
			p.stream.finish(err)
			return true
		}
		p.reply <- Reply{Err: err}
		return true
	})
}

// Closed reports whether the connection is gone.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Close shuts the connection down; pending calls receive ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop sends periodic heartbeat frames so idle connections are noticed
// by both sides.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(err)
			return
		}
	}
}
