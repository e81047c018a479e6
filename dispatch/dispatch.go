// Package dispatch defines the single mechanism through which every capability
// reaches the native handler: a method name plus positional arguments, addressed
// to a plugin, resolved either once (Dispatch) or many times (Subscribe).
//
// Nothing here serializes, batches, deduplicates, retries or times out calls.
// Ordering and mutual exclusion between calls are the native handler's business.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"tuya-bridge/message"
)

// Dispatcher routes calls to the native handler.
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	// Dispatch performs one call and blocks until the native handler settles it.
	// The success value is returned unchanged. A native failure is returned as
	// *NativeError carrying the failure value unchanged. There is no built-in
	// timeout: if the handler never settles, Dispatch returns only when ctx ends.
	Dispatch(ctx context.Context, call message.Call) (json.RawMessage, error)

	// Subscribe starts a multi-emission call. onSuccess and onError may each be
	// invoked zero, one or many times until the session ends or the subscription
	// is closed. Failures to reach the handler are delivered to onError.
	Subscribe(ctx context.Context, call message.Call, onSuccess SuccessFunc, onError ErrorFunc) Subscription
}

// SuccessFunc receives one success emission of a subscription.
type SuccessFunc func(payload json.RawMessage)

// ErrorFunc receives one failure emission of a subscription. Native failures
// arrive as *NativeError.
type ErrorFunc func(err error)

// Subscription is a handle on an open multi-emission call.
type Subscription interface {
	ID() string
	// Close ends the session locally and asks the handler to stop. No new
	// emission is delivered once Close is observed; a callback already in
	// progress may still finish. Closing twice is a no-op.
	Close() error
}

// NativeError is the failure arm of an Outcome: whatever the native handler
// reported, untouched.
type NativeError struct {
	Payload json.RawMessage
}

func (e *NativeError) Error() string {
	return "native handler failure: " + string(e.Payload)
}

// IsNative reports whether err carries a native failure and returns it.
func IsNative(err error) (*NativeError, bool) {
	var ne *NativeError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// Outcome converts a response envelope into the (value, error) pair returned by Dispatch.
func Outcome(resp *message.RPCMessage) (json.RawMessage, error) {
	if resp.Failed() {
		return nil, &NativeError{Payload: json.RawMessage(resp.Failure)}
	}
	return json.RawMessage(resp.Payload), nil
}

// Deliver routes one event envelope to the matching callback.
func Deliver(ev *message.RPCMessage, onSuccess SuccessFunc, onError ErrorFunc) {
	if ev.Failed() {
		if onError != nil {
			onError(&NativeError{Payload: json.RawMessage(ev.Failure)})
		}
		return
	}
	if onSuccess != nil {
		onSuccess(json.RawMessage(ev.Payload))
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, time-ordered subscription id.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
