package tuya

import (
	"context"
	"encoding/json"
	"tuya-bridge/dispatch"
)

// Home manages homes and the devices in them.
type Home struct{ c *caller }

func (h *Home) CreateHome(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, h.c, CreateHomeMethod, noParams{})
}

func (h *Home) ListHomes(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, h.c, ListHomesMethod, noParams{})
}

func (h *Home) ListDevices(ctx context.Context, homeID string) (json.RawMessage, error) {
	return call(ctx, h.c, ListDevicesMethod, homeID)
}

// GetCurrentHome is not implemented by the native plugin. It returns nil, nil.
func (h *Home) GetCurrentHome(ctx context.Context) (json.RawMessage, error) {
	h.c.stub("Home", "GetCurrentHome")
	return nil, nil
}

// SetCurrentHome is not implemented by the native plugin. It returns nil, nil.
func (h *Home) SetCurrentHome(ctx context.Context) (json.RawMessage, error) {
	h.c.stub("Home", "SetCurrentHome")
	return nil, nil
}

// User covers account registration and login.
type User struct{ c *caller }

// RequestRegister asks the native SDK to send a registration code.
func (u *User) RequestRegister(ctx context.Context, p RequestRegisterParams) (json.RawMessage, error) {
	return call(ctx, u.c, RequestRegisterMethod, p)
}

func (u *User) Register(ctx context.Context, p RegisterParams) (json.RawMessage, error) {
	return call(ctx, u.c, RegisterMethod, p)
}

func (u *User) LoginOrRegisterWithUID(ctx context.Context, p LoginOrRegisterWithUIDParams) (json.RawMessage, error) {
	return call(ctx, u.c, LoginOrRegisterWithUIDMethod, p)
}

// Networking configures devices onto a network.
type Networking struct{ c *caller }

// SmartCameraConfiguration is not implemented by the native plugin. It returns nil, nil.
func (n *Networking) SmartCameraConfiguration(ctx context.Context) (json.RawMessage, error) {
	n.c.stub("Networking", "SmartCameraConfiguration")
	return nil, nil
}

// IPC drives cameras.
type IPC struct{ c *caller }

// StartCameraLivePlay opens a live play session for a camera. The native side
// reports connection state changes through onSuccess and onError, any number of
// times, until the returned Subscription is closed.
func (i *IPC) StartCameraLivePlay(ctx context.Context, p LivePlayParams, onSuccess dispatch.SuccessFunc, onError dispatch.ErrorFunc) dispatch.Subscription {
	return subscribe(ctx, i.c, StartCameraLivePlayMethod, p, onSuccess, onError)
}

// Utils has no operations yet.
type Utils struct{}

// Lock has no operations yet.
type Lock struct{}
