package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuya-bridge/message"
)

func TestOutcomeSuccessIsVerbatim(t *testing.T) {
	v, err := Outcome(&message.RPCMessage{Payload: []byte(`{"homeId":42}`)})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"homeId":42}`), v)
}

func TestOutcomeFailureIsVerbatim(t *testing.T) {
	v, err := Outcome(&message.RPCMessage{Failure: []byte(`"USER_NOT_EXIST"`)})
	assert.Nil(t, v)

	ne, ok := IsNative(err)
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`"USER_NOT_EXIST"`), ne.Payload)
	assert.Contains(t, err.Error(), "USER_NOT_EXIST")
}

func TestIsNativeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("list devices: %w", &NativeError{Payload: json.RawMessage(`1`)})
	_, ok := IsNative(wrapped)
	assert.True(t, ok)

	_, ok = IsNative(errors.New("dial tcp: refused"))
	assert.False(t, ok)
}

func TestSessionDeliversUntilClosed(t *testing.T) {
	var got []string
	var errs []error
	s := NewSession(
		func(p json.RawMessage) { got = append(got, string(p)) },
		func(err error) { errs = append(errs, err) },
	)
	stops := 0
	s.SetStop(func() error { stops++; return nil })

	s.Emit(&message.RPCMessage{Payload: []byte(`"connecting"`)})
	s.Emit(&message.RPCMessage{Failure: []byte(`"lost"`)})
	s.Emit(&message.RPCMessage{Payload: []byte(`"connected"`)})
	s.Fail(errors.New("broken pipe"))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s.Emit(&message.RPCMessage{Payload: []byte(`"late"`)})
	s.Fail(errors.New("late"))

	assert.Equal(t, []string{`"connecting"`, `"connected"`}, got)
	require.Len(t, errs, 2)
	_, native := IsNative(errs[0])
	assert.True(t, native)
	assert.EqualError(t, errs[1], "broken pipe")
	assert.Equal(t, 1, stops)
	assert.True(t, s.Closed())
}

func TestSessionCloseFromCallback(t *testing.T) {
	var s *Session
	var got []string
	s = NewSession(func(p json.RawMessage) {
		got = append(got, string(p))
		if len(got) == 1 {
			require.NoError(t, s.Close())
			got = append(got, "after close")
		}
	}, nil)

	s.Emit(&message.RPCMessage{Payload: []byte(`"connecting"`)})
	s.Emit(&message.RPCMessage{Payload: []byte(`"connected"`)})

	assert.Equal(t, []string{`"connecting"`, "after close"}, got)
}

func TestSessionClosedBeforeStopInstalled(t *testing.T) {
	s := NewSession(nil, nil)
	require.NoError(t, s.Close())

	stopped := false
	s.SetStop(func() error { stopped = true; return nil })
	assert.True(t, stopped)
}

func TestNewIDIsUniqueAndOrdered(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
	assert.Len(t, a, 26)
}
