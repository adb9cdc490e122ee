// Package loadbalance picks the server a client connects to when several
// instances of a service are registered.
//
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  a client that should keep reaching the same server
package loadbalance

import (
	"errors"

	"tasksocket/discovery"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer selects one instance. Implementations are goroutine-safe.
type Balancer interface {
	Pick(instances []discovery.Instance) (*discovery.Instance, error)

	// Name returns the strategy name (for logging).
	Name() string
}
