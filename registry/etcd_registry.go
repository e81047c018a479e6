// Package registry provides the etcd-based implementation of the Registry interface.
//
// Hosts publish themselves under the plugin they serve:
//
//	Key:   /tuya-bridge/{PluginID}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if a host crashes, the lease expires
// and the entry is removed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/tuya-bridge/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{client: c, ctx: ctx, cancel: cancel, logger: logger}, nil
}

func instanceKey(pluginID, addr string) string {
	return keyPrefix + pluginID + "/" + addr
}

func pluginPrefix(pluginID string) string {
	return keyPrefix + pluginID + "/"
}

// Register adds a host to etcd with a TTL lease and keeps the lease alive until
// Close. leaseID stays local so one EtcdRegistry can serve several hosts.
func (r *EtcdRegistry) Register(pluginID string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(r.ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(r.ctx, instanceKey(pluginID, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain keepalive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended", zap.String("plugin", pluginID), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes a host from etcd. Called during graceful shutdown before
// the listener closes.
func (r *EtcdRegistry) Deregister(pluginID string, addr string) error {
	_, err := r.client.Delete(r.ctx, instanceKey(pluginID, addr))
	return err
}

// Watch emits the full instance list whenever the hosts for pluginID change.
// The channel closes when the registry is closed.
func (r *EtcdRegistry) Watch(pluginID string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, pluginPrefix(pluginID), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list on any change; simpler than applying events.
			instances, err := r.Discover(pluginID)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.String("plugin", pluginID), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered hosts for pluginID.
func (r *EtcdRegistry) Discover(pluginID string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(r.ctx, pluginPrefix(pluginID), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops lease renewal and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
