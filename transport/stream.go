package transport

import (
	"sync"
	"tuya-bridge/message"
)

// stream queues events for one live session and delivers them on its own
// goroutine, so a slow callback never stalls recvLoop.
type stream struct {
	onEvent func(*message.RPCMessage)
	onEnd   func(error)

	mu     sync.Mutex
	queue  []*message.RPCMessage
	ended  bool
	endErr error
	wake   chan struct{}
}

func newStream(onEvent func(*message.RPCMessage), onEnd func(error)) *stream {
	s := &stream{onEvent: onEvent, onEnd: onEnd, wake: make(chan struct{}, 1)}
	go s.run()
	return s
}

func (s *stream) push(msg *message.RPCMessage) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.signal()
}

// finish ends the session after already queued events. Only the first call counts.
func (s *stream) finish(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended, s.endErr = true, err
	s.mu.Unlock()
	s.signal()
}

func (s *stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				ended, err := s.ended, s.endErr
				s.mu.Unlock()
				if ended {
					if s.onEnd != nil {
						s.onEnd(err)
					}
					return
				}
				break
			}
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.onEvent != nil {
				s.onEvent(msg)
			}
		}
	}
}
