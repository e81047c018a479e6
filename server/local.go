package server

import (
	"context"
	"encoding/json"
	"tuya-bridge/dispatch"
	"tuya-bridge/message"
)

// Local is a dispatch.Dispatcher that calls a Server in-process, with no
// connection in between. Used by tests and by tools running the sandbox
// handlers without a host.
type Local struct {
	srv *Server
}

var _ dispatch.Dispatcher = (*Local)(nil)

func NewLocal(srv *Server) *Local {
	return &Local{srv: srv}
}

func (l *Local) Dispatch(ctx context.Context, call message.Call) (json.RawMessage, error) {
	req, err := message.NewRequest(call)
	if err != nil {
		return nil, err
	}

	done := make(chan *message.RPCMessage, 1)
	go func() {
		done <- l.srv.Invoke(ctx, req)
	}()

	select {
	case resp := <-done:
		return dispatch.Outcome(resp)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) Subscribe(ctx context.Context, call message.Call, onSuccess dispatch.SuccessFunc, onError dispatch.ErrorFunc) dispatch.Subscription {
	session := dispatch.NewSession(onSuccess, onError)

	req, err := message.NewRequest(call)
	if err != nil {
		session.Fail(err)
		return session
	}

	sctx, cancel := context.WithCancel(ctx)
	session.SetStop(func() error {
		cancel()
		return nil
	})

	go func() {
		defer cancel()
		terminal := l.srv.Open(sctx, req, session.Emit)
		if sctx.Err() == nil && !terminal.Empty() {
			session.Emit(terminal)
		}
	}()
	return session
}
