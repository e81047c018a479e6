// Package tuya exposes the capabilities of the Tuya native SDK as capability
// groups. Every operation builds one call for the native handler and hands it
// to a dispatch.Dispatcher; the groups hold no state of their own.
//
//	p, _ := tuya.New(dispatcher, tuya.Config{PluginID: tuya.DefaultPluginID})
//	devices, err := p.Home.ListDevices(ctx, "123")
//	sub := p.IPC.StartCameraLivePlay(ctx, tuya.LivePlayParams{DevID: "dev1"}, onFrame, onError)
//	defer sub.Close()
package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"tuya-bridge/dispatch"

	"go.uber.org/zap"
)

//go:generate mockgen -package=tuya -destination=mock_dispatcher_test.go tuya-bridge/dispatch Dispatcher

// DefaultPluginID is the handler identifier the native plugin registers under.
const DefaultPluginID = "Tuyacordovaplugin"

var ErrEmptyPluginID = errors.New("tuya: empty plugin id")

type Config struct {
	PluginID string `yaml:"plugin_id"`
}

// Plugin bundles the capability groups. All groups address the same plugin id.
type Plugin struct {
	Home       *Home
	User       *User
	Networking *Networking
	Utils      *Utils
	IPC        *IPC
	Lock       *Lock

	pluginID string
}

type Option func(*caller)

// WithLogger logs stub invocations at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(c *caller) { c.logger = logger }
}

// New builds the capability groups over d.
func New(d dispatch.Dispatcher, cfg Config, opts ...Option) (*Plugin, error) {
	if cfg.PluginID == "" {
		return nil, ErrEmptyPluginID
	}
	if d == nil {
		return nil, errors.New("tuya: nil dispatcher")
	}
	c := &caller{dispatcher: d, pluginID: cfg.PluginID, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return &Plugin{
		Home:       &Home{c: c},
		User:       &User{c: c},
		Networking: &Networking{c: c},
		Utils:      &Utils{},
		IPC:        &IPC{c: c},
		Lock:       &Lock{},
		pluginID:   cfg.PluginID,
	}, nil
}

// PluginID returns the handler identifier every group addresses.
func (p *Plugin) PluginID() string {
	return p.pluginID
}

// caller is shared by the groups of one Plugin and is read-only after New.
type caller struct {
	dispatcher dispatch.Dispatcher
	pluginID   string
	logger     *zap.Logger
}

func call[P any](ctx context.Context, c *caller, m Method[P], p P) (json.RawMessage, error) {
	return c.dispatcher.Dispatch(ctx, m.Call(c.pluginID, p))
}

func subscribe[P any](ctx context.Context, c *caller, m Method[P], p P, onSuccess dispatch.SuccessFunc, onError dispatch.ErrorFunc) dispatch.Subscription {
	return c.dispatcher.Subscribe(ctx, m.Call(c.pluginID, p), onSuccess, onError)
}

// stub records a call to an operation the native plugin does not implement.
func (c *caller) stub(group, op string) {
	c.logger.Debug("stub operation called", zap.String("group", group), zap.String("op", op))
}
