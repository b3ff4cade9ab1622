package loadbalance

import "sort"

// PyramidBalancer biases new work toward idle workers before spreading it.
//
// A pass sorts the workers with spare capacity by load and starts at the least busy one.
// After each assignment it moves on to the next worker only when that one is now strictly
// less busy; otherwise it restarts from the least busy worker. A pass ends when it reaches
// the last worker. Passes repeat until the queue or the capacity runs out.
//
//	load [0 0 1], limit 2, 4 jobs:  w0 w1 w0 w1  ->  [2 2 1]
type PyramidBalancer struct{}

func (b *PyramidBalancer) Assign(load []int, limit, queued int) []int {
	loads := append([]int(nil), load...)
	var out []int
	for queued > 0 {
		avail := available(loads, limit)
		if len(avail) == 0 {
			break
		}
		sort.SliceStable(avail, func(i, j int) bool {
			return loads[avail[i]] < loads[avail[j]]
		})

		i := 0
		for queued > 0 {
			w := avail[i]
			if loads[w] >= limit {
				break
			}
			out = append(out, w)
			loads[w]++
			queued--

			if i == len(avail)-1 {
				break
			}
			if loads[avail[i+1]] < loads[w] {
				i++
			} else {
				i = 0
			}
		}
	}
	return out
}

func (b *PyramidBalancer) Name() string {
	return "pyramid"
}

func available(loads []int, limit int) []int {
	var idx []int
	for i, n := range loads {
		if n < limit {
			idx = append(idx, i)
		}
	}
	return idx
}
