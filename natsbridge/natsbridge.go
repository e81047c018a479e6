// Package natsbridge carries calls between a dispatcher and a native handler
// host over NATS instead of a direct connection.
//
// Subjects:
//
//	{prefix}.{plugin}.{method}   request, reply to a fresh inbox
//	{inbox}                      response, or events then a response for sessions
//	{inbox}.cancel               client closes a session
//
// Bodies are codec-encoded message.RPCMessage envelopes. The Tuya-Frame header
// tells events and responses apart; Tuya-Mode marks a session request.
package natsbridge

import (
	"errors"
	"strings"
	"tuya-bridge/codec"
	"tuya-bridge/message"

	"github.com/nats-io/nats.go"
)

const (
	DefaultPrefix = "tuya"

	headerMode  = "Tuya-Mode"
	headerFrame = "Tuya-Frame"

	modeSubscribe = "subscribe"
	frameEvent    = "event"
	frameResponse = "response"
)

// ErrClosed is returned for calls made after the NATS connection closed.
var ErrClosed = errors.New("natsbridge: closed")

func subject(prefix, plugin, method string) string {
	return prefix + "." + plugin + "." + method
}

func cancelSubject(inbox string) string {
	return inbox + ".cancel"
}

// methodFromSubject extracts the method from a request subject.
func methodFromSubject(prefix, plugin, subj string) (string, bool) {
	method, ok := strings.CutPrefix(subj, prefix+"."+plugin+".")
	return method, ok && method != ""
}

// noResponders reports the status message NATS sends when nothing listens.
func noResponders(msg *nats.Msg) bool {
	return len(msg.Data) == 0 && msg.Header.Get("Status") == "503"
}

func encode(c codec.Codec, m *message.RPCMessage) ([]byte, error) {
	return c.Encode(m)
}

func decode(c codec.Codec, data []byte) (*message.RPCMessage, error) {
	m := &message.RPCMessage{}
	if err := c.Decode(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
