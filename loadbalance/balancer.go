// Package loadbalance decides which pool workers receive queued jobs.
//
// Two strategies are implemented:
//   - Pyramid:    least-busy first, breadth filling (the pool default)
//   - RoundRobin: rotate over workers with spare capacity
package loadbalance

import "github.com/pkg/errors"

// Balancer is the interface for job assignment strategies.
// The pool calls Assign on every dispatch opportunity, always under its own lock.
type Balancer interface {
	// Assign hands out up to queued jobs. load holds the in-flight count of each worker
	// and limit the per-worker cap. The result lists one worker index per assigned job,
	// in queue order. No worker may end up above limit.
	Assign(load []int, limit, queued int) []int

	// Name returns the strategy name (for logging/config).
	Name() string
}

// New returns the balancer registered under name. The empty name selects Pyramid.
func New(name string) (Balancer, error) {
	switch name {
	case "", "pyramid":
		return &PyramidBalancer{}, nil
	case "roundrobin":
		return &RoundRobinBalancer{}, nil
	default:
		return nil, errors.Errorf("unknown balancing strategy %q", name)
	}
}
