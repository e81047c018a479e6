package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Args are the positional arguments of one call, still JSON-encoded.
type Args []json.RawMessage

// Len returns the number of positional arguments.
func (a Args) Len() int { return len(a) }

// Bind decodes argument i into v.
func (a Args) Bind(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("missing argument %d (got %d)", i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// String decodes argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Bind(i, &s)
	return s, err
}

// HandlerFunc is a native implementation of a single-outcome method. The returned
// value is JSON-encoded as the success payload. Return a *FailureError (see Fail)
// to control the failure payload; any other error becomes {"code":"INTERNAL",...}.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// Emitter sends emissions of a live session back to the caller.
type Emitter interface {
	Success(v any) error
	Failure(v any) error
}

// StreamFunc is a native implementation of a multi-emission method. It runs until
// it returns or ctx is cancelled (the caller closed the subscription or went away).
// A non-nil error is delivered as the session's last failure emission.
type StreamFunc func(ctx context.Context, args Args, emit Emitter) error

// FailureError carries a native failure value to the caller unchanged.
type FailureError struct {
	Value any
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("native failure: %v", e.Value)
}

// Fail wraps v as the failure payload of a call.
func Fail(v any) error {
	return &FailureError{Value: v}
}

// failurePayload turns a handler error into the bytes sent as the failure arm.
func failurePayload(err error) []byte {
	var fe *FailureError
	if errors.As(err, &fe) {
		if b, mErr := json.Marshal(fe.Value); mErr == nil {
			return b
		}
	}
	b, _ := json.Marshal(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{"INTERNAL", err.Error()})
	return b
}
