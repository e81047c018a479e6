package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"tuya-bridge/codec"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DialFunc opens a connection to a host address.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Pool keeps up to size multiplexed transports per host address. Transports are
// dialed lazily, handed out round-robin, and replaced once their connection dies.
type Pool struct {
	mu     sync.Mutex
	size   int
	codec  codec.CodecType
	dial   DialFunc
	logger *zap.Logger
	conns  map[string][]*ClientTransport
	next   map[string]int
	dials  singleflight.Group
	closed bool
}

// NewPool creates an empty pool. A nil dial uses a plain TCP dialer.
func NewPool(size int, codecType codec.CodecType, dial DialFunc, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:   size,
		codec:  codecType,
		dial:   dial,
		logger: logger,
		conns:  make(map[string][]*ClientTransport),
		next:   make(map[string]int),
	}
}

// Get returns a live transport to addr, dialing a new one if the chosen slot is
// empty or broken. Dials run outside the pool lock, and concurrent callers
// landing on the same empty slot share one dial.
func (p *Pool) Get(ctx context.Context, addr string) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	slots, ok := p.conns[addr]
	if !ok {
		slots = make([]*ClientTransport, p.size)
		p.conns[addr] = slots
	}
	i := p.next[addr] % p.size
	p.next[addr] = i + 1
	if t := slots[i]; t != nil && !t.Closed() {
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	ch := p.dials.DoChan(addr+"#"+strconv.Itoa(i), func() (any, error) {
		return p.fill(ctx, addr, i)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ClientTransport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fill dials addr and installs the transport in slot i, unless another caller
// filled the slot meanwhile or the pool was closed.
func (p *Pool) fill(ctx context.Context, addr string, i int) (*ClientTransport, error) {
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t := NewClientTransport(conn, p.codec, p.logger)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Close()
		return nil, ErrClosed
	}
	slots, ok := p.conns[addr]
	if !ok {
		slots = make([]*ClientTransport, p.size)
		p.conns[addr] = slots
	}
	if cur := slots[i]; cur != nil && !cur.Closed() {
		t.Close()
		return cur, nil
	}
	slots[i] = t
	p.logger.Debug("dialed host", zap.String("addr", addr), zap.Int("slot", i))
	return t, nil
}

// Close shuts down every transport; later Gets fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for addr, slots := range p.conns {
		for _, t := range slots {
			if t != nil {
				t.Close()
			}
		}
		delete(p.conns, addr)
	}
	return nil
}
