// Package loadbalance picks which host serves a call when several hosts are
// registered for the same plugin.
//
//   - RoundRobin:      equal-capacity hosts
//   - WeightedRandom:  hosts of different capacity
//   - ConsistentHash:  keeps calls for the same key (e.g. a device id) on one host,
//     so a device's live session and its follow-up calls meet the same native state
package loadbalance

import (
	"fmt"
	"tuya-bridge/registry"
)

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. key is the call's
	// affinity key (may be empty); strategies without affinity ignore it.
	// Must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
