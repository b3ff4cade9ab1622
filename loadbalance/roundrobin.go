package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer rotates over the workers with spare capacity, one job each.
// The rotation point persists across calls so successive dispatches do not all start
// at worker 0.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Assign(load []int, limit, queued int) []int {
	loads := append([]int(nil), load...)
	var out []int
	for queued > 0 {
		avail := available(loads, limit)
		if len(avail) == 0 {
			break
		}
		w := avail[b.counter.Add(1)%int64(len(avail))]
		out = append(out, w)
		loads[w]++
		queued--
	}
	return out
}

func (b *RoundRobinBalancer) Name() string {
	return "roundrobin"
}
