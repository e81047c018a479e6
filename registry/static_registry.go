package registry

import "sync"

// StaticRegistry keeps instances in memory. It backs direct host addresses from
// configuration and tests that run without etcd. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// NewStaticRegistryWith registers every addr under pluginID with weight 1.
func NewStaticRegistryWith(pluginID string, addrs ...string) *StaticRegistry {
	r := NewStaticRegistry()
	for _, addr := range addrs {
		r.Register(pluginID, ServiceInstance{Addr: addr, Weight: 1}, 0)
	}
	return r
}

func (r *StaticRegistry) Register(pluginID string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[pluginID]
	for i := range insts {
		if insts[i].Addr == instance.Addr {
			insts[i] = instance
			r.notify(pluginID)
			return nil
		}
	}
	r.instances[pluginID] = append(insts, instance)
	r.notify(pluginID)
	return nil
}

func (r *StaticRegistry) Deregister(pluginID string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[pluginID]
	for i, inst := range insts {
		if inst.Addr == addr {
			r.instances[pluginID] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	r.notify(pluginID)
	return nil
}

func (r *StaticRegistry) Discover(pluginID string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ServiceInstance(nil), r.instances[pluginID]...), nil
}

// Watch emits the full instance list after every change. Slow readers only see
// the latest list.
func (r *StaticRegistry) Watch(pluginID string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	r.watchers[pluginID] = append(r.watchers[pluginID], ch)
	return ch
}

// notify must be called with mu held.
func (r *StaticRegistry) notify(pluginID string) {
	snapshot := append([]ServiceInstance(nil), r.instances[pluginID]...)
	for _, ch := range r.watchers[pluginID] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
