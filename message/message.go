// Package message defines the call descriptor and the wire envelope exchanged
// between a dispatcher and the native handler host.
//
// RPCMessage is the "envelope" for every call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission.
package message

import (
	"encoding/json"
	"fmt"
)

// Call describes one invocation of a native method: which plugin, which method,
// and the positional arguments in the order the native side expects them.
type Call struct {
	Plugin string
	Method string
	Args   []any
}

func (c Call) String() string {
	return c.Plugin + "." + c.Method
}

// RPCMessage carries the data for a single request, response or stream event.
//
//   - On request:  Plugin and Method are set, Args holds a JSON array of positional args.
//   - On response: Payload holds the success value, or Failure holds the native failure value.
//     Exactly one of the two is set.
type RPCMessage struct {
	Plugin  string
	Method  string
	Args    []byte // JSON array, e.g. ["123"]
	Payload []byte // Opaque success value produced by the native handler
	Failure []byte // Opaque failure value produced by the native handler, nil on success
}

// Failed reports whether the message carries the failure arm.
func (m *RPCMessage) Failed() bool {
	return m.Failure != nil
}

// Empty reports whether the message is a success carrying no value (absent or
// JSON null). Closing a live session produces such a message.
func (m *RPCMessage) Empty() bool {
	return !m.Failed() && (len(m.Payload) == 0 || string(m.Payload) == "null")
}

// NewRequest builds the request envelope for c. A nil argument list is sent as [].
func NewRequest(c Call) (*RPCMessage, error) {
	args := c.Args
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args for %s: %w", c, err)
	}
	return &RPCMessage{
		Plugin: c.Plugin,
		Method: c.Method,
		Args:   raw,
	}, nil
}

// Success builds a response carrying payload.
func Success(req *RPCMessage, payload []byte) *RPCMessage {
	if payload == nil {
		payload = []byte("null")
	}
	return &RPCMessage{Plugin: req.Plugin, Method: req.Method, Payload: payload}
}

// Failure builds a response carrying a failure value.
func Failure(req *RPCMessage, failure []byte) *RPCMessage {
	if len(failure) == 0 {
		failure = []byte("null")
	}
	return &RPCMessage{Plugin: req.Plugin, Method: req.Method, Failure: failure}
}

// Errorf builds a failure response whose payload is {"code":code,"message":msg}.
// Used for failures raised by the bridge itself rather than by a native handler.
func Errorf(req *RPCMessage, code string, format string, a ...any) *RPCMessage {
	body, _ := json.Marshal(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{code, fmt.Sprintf(format, a...)})
	m := &RPCMessage{Failure: body}
	if req != nil {
		m.Plugin, m.Method = req.Plugin, req.Method
	}
	return m
}

// DecodeArgs splits the positional JSON argument array into its elements.
func (m *RPCMessage) DecodeArgs() ([]json.RawMessage, error) {
	if len(m.Args) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(m.Args, &args); err != nil {
		return nil, fmt.Errorf("args of %s.%s are not a JSON array: %w", m.Plugin, m.Method, err)
	}
	return args, nil
}
