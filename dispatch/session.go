package dispatch

import (
	"sync"
	"sync/atomic"

	"tuya-bridge/message"
)

// Session is the Subscription shared by the dispatcher implementations. It owns
// the caller's callbacks and the transport-specific stop function.
type Session struct {
	id        string
	onSuccess SuccessFunc
	onError   ErrorFunc

	closed atomic.Bool
	once   sync.Once
	mu     sync.Mutex
	stop   func() error
}

// NewSession returns an open session delivering to the given callbacks.
func NewSession(onSuccess SuccessFunc, onError ErrorFunc) *Session {
	return &Session{id: NewID(), onSuccess: onSuccess, onError: onError}
}

func (s *Session) ID() string { return s.id }

// SetStop installs the function that tears the session down on the transport.
// If the session was closed before the transport was ready, stop runs at once.
func (s *Session) SetStop(stop func() error) {
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	if s.closed.Load() {
		s.runStop()
	}
}

// Emit delivers one event unless the session is closed.
func (s *Session) Emit(ev *message.RPCMessage) {
	if s.closed.Load() {
		return
	}
	Deliver(ev, s.onSuccess, s.onError)
}

// Fail delivers a transport-level error unless the session is closed.
func (s *Session) Fail(err error) {
	if s.closed.Load() || s.onError == nil {
		return
	}
	s.onError(err)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) Close() error {
	s.closed.Store(true)
	return s.runStop()
}

func (s *Session) runStop() error {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	var err error
	s.once.Do(func() { err = stop() })
	return err
}
