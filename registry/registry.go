// Package registry locates the hosts that serve a native plugin. The plugin
// identifier is the service name: every host registered under it answers the
// same fixed method set.
package registry

import "errors"

// ErrNoInstances is returned when no host is registered for a plugin.
var ErrNoInstances = errors.New("no instances available")

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(pluginID string, instance ServiceInstance, ttl int64) error
	Deregister(pluginID string, addr string) error
	Discover(pluginID string) ([]ServiceInstance, error)
	Watch(pluginID string) <-chan []ServiceInstance
}
